// Package wal is a group-commit write-ahead log. Layers above hand it
// mutated cache blocks via RegisterDirty; the log pins them until Commit
// writes the whole group to the on-disk log region and only then to the
// blocks' home locations. Replay at mount finishes any commit that was
// interrupted after the header reached the disk, so a transaction is
// either wholly applied or not at all.
package wal

import (
	"encoding/binary"
	"sync"

	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

// On-disk log header: a count followed by the home block number of each
// slot, all uint32 little-endian. A count of zero means no pending commit.
const maxHeaderSlots = common.BlockSize/4 - 1

type devLog struct {
	dev      common.BlockDevice
	logStart int // header block; data slots follow

	pinned []*common.CacheBlock
}

type Log struct {
	mu    sync.Mutex
	cache common.BlockCache
	devs  []*devLog
}

var _ common.Log = (*Log)(nil)

func New(cache common.BlockCache) *Log {
	return &Log{
		cache: cache,
		devs:  make([]*devLog, common.NumDevices),
	}
}

// MountDevice attaches a device whose superblock has already been
// validated, and replays any interrupted commit.
func (l *Log) MountDevice(devnum int, dev common.BlockDevice) error {
	sb, err := common.ReadSuperblock(l.cache, devnum)
	if err != nil {
		return logex.Trace(err)
	}

	l.mu.Lock()
	if l.devs[devnum] != nil {
		l.mu.Unlock()
		return common.ErrBusy.Trace()
	}
	l.devs[devnum] = &devLog{dev: dev, logStart: sb.LogStart()}
	l.mu.Unlock()

	if err := l.replay(devnum); err != nil {
		return logex.Trace(err)
	}
	return nil
}

func (l *Log) UnmountDevice(devnum int) error {
	if err := l.Commit(devnum); err != nil {
		return logex.Trace(err)
	}
	l.mu.Lock()
	l.devs[devnum] = nil
	l.mu.Unlock()
	return nil
}

// RegisterDirty marks a block for inclusion in the next transaction and
// pins it in the cache until that transaction commits.
func (l *Log) RegisterDirty(cb *common.CacheBlock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl := l.devs[cb.Devnum]
	if dl == nil {
		return common.ErrNoDevice.Trace()
	}
	for _, p := range dl.pinned {
		if p == cb {
			cb.Dirty = true
			return nil
		}
	}
	if len(dl.pinned) >= common.LogBlocks || len(dl.pinned) >= maxHeaderSlots {
		return common.ErrLogFull.Trace()
	}
	cb.Dirty = true
	// Take our own reference so the cache cannot recycle the block before
	// the group reaches the disk.
	if _, err := l.cache.GetBlock(cb.Devnum, cb.Blocknum); err != nil {
		return logex.Trace(err)
	}
	dl.pinned = append(dl.pinned, cb)
	return nil
}

// Commit writes the pending group to the log region, marks it committed,
// copies the blocks to their home locations and retires the header.
func (l *Log) Commit(devnum int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl := l.devs[devnum]
	if dl == nil {
		return common.ErrNoDevice.Trace()
	}
	if len(dl.pinned) == 0 {
		return nil
	}

	// Data into the log slots first.
	for i, cb := range dl.pinned {
		pos := int64(dl.logStart+1+i) * common.BlockSize
		if _, err := dl.dev.WriteAt(cb.Data, pos); err != nil {
			return logex.Trace(err)
		}
	}

	// Header write is the commit point.
	hdr := make([]byte, common.BlockSize)
	binary.LittleEndian.PutUint32(hdr, uint32(len(dl.pinned)))
	for i, cb := range dl.pinned {
		binary.LittleEndian.PutUint32(hdr[4+i*4:], uint32(cb.Blocknum))
	}
	if _, err := dl.dev.WriteAt(hdr, int64(dl.logStart)*common.BlockSize); err != nil {
		return logex.Trace(err)
	}

	// Install at the home locations.
	for _, cb := range dl.pinned {
		pos := int64(cb.Blocknum) * common.BlockSize
		if _, err := dl.dev.WriteAt(cb.Data, pos); err != nil {
			return logex.Trace(err)
		}
	}

	// Retire the transaction and release the pins.
	binary.LittleEndian.PutUint32(hdr, 0)
	if _, err := dl.dev.WriteAt(hdr, int64(dl.logStart)*common.BlockSize); err != nil {
		return logex.Trace(err)
	}
	for _, cb := range dl.pinned {
		cb.Dirty = false
		l.cache.PutBlock(cb)
	}
	dl.pinned = nil
	return nil
}

// replay applies a committed but uninstalled transaction left by a crash.
func (l *Log) replay(devnum int) error {
	l.mu.Lock()
	dl := l.devs[devnum]
	l.mu.Unlock()

	hdr := make([]byte, common.BlockSize)
	if _, err := dl.dev.ReadAt(hdr, int64(dl.logStart)*common.BlockSize); err != nil {
		return logex.Trace(err)
	}
	n := int(binary.LittleEndian.Uint32(hdr))
	if n == 0 {
		return nil
	}
	if n > common.LogBlocks {
		return common.ErrBadSuper.Trace()
	}

	data := make([]byte, common.BlockSize)
	for i := 0; i < n; i++ {
		home := int(binary.LittleEndian.Uint32(hdr[4+i*4:]))
		pos := int64(dl.logStart+1+i) * common.BlockSize
		if _, err := dl.dev.ReadAt(data, pos); err != nil {
			return logex.Trace(err)
		}
		if _, err := dl.dev.WriteAt(data, int64(home)*common.BlockSize); err != nil {
			return logex.Trace(err)
		}
	}

	binary.LittleEndian.PutUint32(hdr, 0)
	if _, err := dl.dev.WriteAt(hdr, int64(dl.logStart)*common.BlockSize); err != nil {
		return logex.Trace(err)
	}
	// Anything the cache read before replay may be stale.
	l.cache.Invalidate(devnum)
	return nil
}
