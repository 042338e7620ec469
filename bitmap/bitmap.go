// Package bitmap tracks the free/used state of every block on a device,
// one bit per block, packed into the bitmap region after the inode table.
package bitmap

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

type Allocator struct {
	cache common.BlockCache
	wlog  common.Log
}

var _ common.Allocator = (*Allocator)(nil)

func New(cache common.BlockCache, wlog common.Log) *Allocator {
	return &Allocator{cache: cache, wlog: wlog}
}

// Alloc finds the first clear bit on the device, sets it, persists the
// bitmap block through the log and hands back the zero-filled block.
func (a *Allocator) Alloc(devnum int) (int, error) {
	sb, err := common.ReadSuperblock(a.cache, devnum)
	if err != nil {
		return 0, logex.Trace(err)
	}

	size := int(sb.Size)
	for base := 0; base < size; base += common.BitsPerBlock {
		bp, err := a.cache.GetBlock(devnum, sb.BitmapBlockNum(base))
		if err != nil {
			return 0, logex.Trace(err)
		}
		for bi := 0; bi < common.BitsPerBlock && base+bi < size; bi++ {
			m := byte(1) << (bi % 8)
			if bp.Data[bi/8]&m != 0 {
				continue
			}
			bp.Data[bi/8] |= m
			if err := a.wlog.RegisterDirty(bp); err != nil {
				a.cache.PutBlock(bp)
				return 0, logex.Trace(err)
			}
			a.cache.PutBlock(bp)
			bnum := base + bi
			if err := a.zeroBlock(devnum, bnum); err != nil {
				return 0, logex.Trace(err)
			}
			return bnum, nil
		}
		a.cache.PutBlock(bp)
	}
	return 0, common.ErrNoSpace.Trace()
}

// Free clears the bit for a block. Clearing an already-clear bit is a
// consistency violation and is reported as such.
func (a *Allocator) Free(devnum, bnum int) error {
	sb, err := common.ReadSuperblock(a.cache, devnum)
	if err != nil {
		return logex.Trace(err)
	}
	if bnum < 0 || bnum >= int(sb.Size) {
		return common.ErrDoubleFree.Trace()
	}

	bp, err := a.cache.GetBlock(devnum, sb.BitmapBlockNum(bnum))
	if err != nil {
		return logex.Trace(err)
	}
	bi := bnum % common.BitsPerBlock
	m := byte(1) << (bi % 8)
	if bp.Data[bi/8]&m == 0 {
		a.cache.PutBlock(bp)
		return common.ErrDoubleFree.Trace()
	}
	bp.Data[bi/8] &^= m
	if err := a.wlog.RegisterDirty(bp); err != nil {
		a.cache.PutBlock(bp)
		return logex.Trace(err)
	}
	return a.cache.PutBlock(bp)
}

// A freshly allocated block must not leak its previous contents.
func (a *Allocator) zeroBlock(devnum, bnum int) error {
	bp, err := a.cache.GetBlock(devnum, bnum)
	if err != nil {
		return logex.Trace(err)
	}
	for i := range bp.Data {
		bp.Data[i] = 0
	}
	if err := a.wlog.RegisterDirty(bp); err != nil {
		a.cache.PutBlock(bp)
		return logex.Trace(err)
	}
	return a.cache.PutBlock(bp)
}
