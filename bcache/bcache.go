// Package bcache is a ref-counted cache of device blocks. The file system
// layers above never touch a device directly: they acquire a block handle,
// read or mutate its data, and release it. Dirty blocks are pinned by the
// write-ahead log and only reach the device through it.
package bcache

import (
	"io"
	"sync"

	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

// An elaboration of the CacheBlock type, decorated with the members we need
// to handle recycling.
type buf struct {
	*common.CacheBlock

	count   int   // the number of clients of this block
	lastUse int64 // recency stamp for eviction ordering
}

type Cache struct {
	mu      sync.Mutex
	devices []common.BlockDevice
	bufs    []*buf
	seq     int64
}

var _ common.BlockCache = (*Cache)(nil)

// New creates a cache with the given number of block slots.
func New(numDevices, numSlots int) *Cache {
	c := &Cache{
		devices: make([]common.BlockDevice, numDevices),
		bufs:    make([]*buf, numSlots),
	}
	for i := range c.bufs {
		b := &buf{CacheBlock: &common.CacheBlock{
			Data:   make([]byte, common.BlockSize),
			Devnum: common.NoDev,
		}}
		b.Buf = b
		c.bufs[i] = b
	}
	return c
}

func (c *Cache) MountDevice(devnum int, dev common.BlockDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if devnum < 0 || devnum >= len(c.devices) || c.devices[devnum] != nil {
		return common.ErrBusy.Trace()
	}
	c.devices[devnum] = dev
	return nil
}

func (c *Cache) UnmountDevice(devnum int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bufs {
		if b.Devnum == devnum && (b.count > 0 || b.Dirty) {
			return common.ErrBusy.Trace()
		}
	}
	c.invalidate(devnum)
	c.devices[devnum] = nil
	return nil
}

// GetBlock returns a handle on the given block, reading it from the device
// on a miss. Concurrent gets for the same block share one handle.
func (c *Cache) GetBlock(devnum, bnum int) (*common.CacheBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	for _, b := range c.bufs {
		if b.Devnum == devnum && b.Blocknum == bnum {
			b.count++
			b.lastUse = c.seq
			return b.CacheBlock, nil
		}
	}

	// Not resident; recycle the least recently used free slot.
	var victim *buf
	for _, b := range c.bufs {
		if b.count > 0 || b.Dirty {
			continue
		}
		if victim == nil || b.lastUse < victim.lastUse {
			victim = b
		}
	}
	if victim == nil {
		return nil, common.ErrCacheFull.Trace()
	}

	dev := c.devices[devnum]
	if dev == nil {
		return nil, common.ErrNoDevice.Trace()
	}
	// The victim stops being a resident copy of its old block the moment
	// the device read lands in its buffer; drop its identity first, so a
	// failed read leaves a free slot rather than a corrupted cached block.
	victim.Devnum = common.NoDev
	if n, err := dev.ReadAt(victim.Data, int64(bnum)*common.BlockSize); err != nil {
		if err != io.EOF || n != common.BlockSize {
			return nil, logex.Trace(err)
		}
	}
	victim.Devnum = devnum
	victim.Blocknum = bnum
	victim.count = 1
	victim.lastUse = c.seq
	return victim.CacheBlock, nil
}

// PutBlock releases a handle acquired with GetBlock. The block stays
// resident until its slot is recycled.
func (c *Cache) PutBlock(cb *common.CacheBlock) error {
	if cb == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b := cb.Buf.(*buf)
	if b.count < 1 {
		return common.ErrNotReferenced.Trace()
	}
	b.count--
	return nil
}

// Invalidate drops all resident blocks of a device without writing them.
func (c *Cache) Invalidate(devnum int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidate(devnum)
}

func (c *Cache) invalidate(devnum int) {
	for _, b := range c.bufs {
		if b.Devnum == devnum {
			b.Devnum = common.NoDev
			b.Dirty = false
		}
	}
}

// Flush writes every dirty block of a device back and clears its dirty
// flag. During normal operation the log owns write-back; Flush is for
// shutdown and for callers running without a log.
func (c *Cache) Flush(devnum int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev := c.devices[devnum]
	if dev == nil {
		return common.ErrNoDevice.Trace()
	}
	for _, b := range c.bufs {
		if b.Devnum != devnum || !b.Dirty {
			continue
		}
		pos := int64(b.Blocknum) * common.BlockSize
		if _, err := dev.WriteAt(b.Data, pos); err != nil {
			return logex.Trace(err)
		}
		b.Dirty = false
	}
	return nil
}
