// Package content translates an inode's byte content to device blocks:
// logical block indices map to physical addresses across the direct,
// single-indirect and double-indirect tiers, with blocks and lookup
// tables allocated lazily as content is written.
//
// Every function here requires the caller to hold the inode's busy flag.
package content

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

// BMap returns the physical block holding logical block bn of the inode,
// allocating the block (and any missing lookup tables on the way to it)
// if there is no such block yet. Each newly written table slot is pushed
// through the log before deeper allocation proceeds.
func BMap(rip *common.Inode, bn int) (uint32, error) {
	if bn < 0 || bn >= common.MaxFileBlocks {
		return 0, common.ErrFileTooBig.Trace()
	}

	alloc := rip.Devinfo.Alloc

	if bn < common.NDirect {
		addr := rip.Addrs[bn]
		if addr == 0 {
			b, err := alloc.Alloc(rip.Devnum)
			if err != nil {
				return 0, logex.Trace(err)
			}
			addr = uint32(b)
			rip.Addrs[bn] = addr
			rip.Dirty = true
		}
		return addr, nil
	}

	bn -= common.NDirect
	if bn < common.NIndirect {
		tbl, err := tableAddr(rip, common.NDirect)
		if err != nil {
			return 0, logex.Trace(err)
		}
		return indirectLookup(rip, tbl, bn)
	}

	// Double indirect: one level to pick the second-level table, then the
	// target inside it. Bounded nested iteration, never recursion.
	bn -= common.NIndirect
	tbl, err := tableAddr(rip, common.NDirect+1)
	if err != nil {
		return 0, logex.Trace(err)
	}
	mid, err := indirectLookup(rip, tbl, bn/common.NIndirect)
	if err != nil {
		return 0, logex.Trace(err)
	}
	return indirectLookup(rip, mid, bn%common.NIndirect)
}

// tableAddr returns the lookup table rooted at the given inode slot,
// allocating it on first use.
func tableAddr(rip *common.Inode, slot int) (uint32, error) {
	addr := rip.Addrs[slot]
	if addr == 0 {
		b, err := rip.Devinfo.Alloc.Alloc(rip.Devnum)
		if err != nil {
			return 0, logex.Trace(err)
		}
		addr = uint32(b)
		rip.Addrs[slot] = addr
		rip.Dirty = true
	}
	return addr, nil
}

// indirectLookup reads slot idx of the table block, allocating and
// persisting the slot if it is empty.
func indirectLookup(rip *common.Inode, tbl uint32, idx int) (uint32, error) {
	bp, err := rip.Bcache.GetBlock(rip.Devnum, int(tbl))
	if err != nil {
		return 0, logex.Trace(err)
	}
	addr := common.GetAddr(bp.Data, idx)
	if addr == 0 {
		b, err := rip.Devinfo.Alloc.Alloc(rip.Devnum)
		if err != nil {
			rip.Bcache.PutBlock(bp)
			return 0, logex.Trace(err)
		}
		addr = uint32(b)
		common.PutAddr(bp.Data, idx, addr)
		if err := rip.Devinfo.Log.RegisterDirty(bp); err != nil {
			rip.Bcache.PutBlock(bp)
			return 0, logex.Trace(err)
		}
	}
	rip.Bcache.PutBlock(bp)
	return addr, nil
}

// Truncate releases every content block of the inode: direct blocks, the
// single-indirect table and its entries, then both levels of the double-
// indirect tree, finally resetting the size to zero and persisting the
// inode. The caller must hold exclusive access and be the sole remaining
// reference.
func Truncate(rip *common.Inode) error {
	alloc := rip.Devinfo.Alloc

	for i := 0; i < common.NDirect; i++ {
		if rip.Addrs[i] == 0 {
			continue
		}
		if err := alloc.Free(rip.Devnum, int(rip.Addrs[i])); err != nil {
			return logex.Trace(err)
		}
		rip.Addrs[i] = 0
	}

	if rip.Addrs[common.NDirect] != 0 {
		if err := freeTable(rip, rip.Addrs[common.NDirect]); err != nil {
			return logex.Trace(err)
		}
		rip.Addrs[common.NDirect] = 0
	}

	if rip.Addrs[common.NDirect+1] != 0 {
		bp, err := rip.Bcache.GetBlock(rip.Devnum, int(rip.Addrs[common.NDirect+1]))
		if err != nil {
			return logex.Trace(err)
		}
		for i := 0; i < common.NIndirect; i++ {
			addr := common.GetAddr(bp.Data, i)
			if addr == 0 {
				continue
			}
			if err := freeTable(rip, addr); err != nil {
				rip.Bcache.PutBlock(bp)
				return logex.Trace(err)
			}
		}
		rip.Bcache.PutBlock(bp)
		if err := rip.Devinfo.Alloc.Free(rip.Devnum, int(rip.Addrs[common.NDirect+1])); err != nil {
			return logex.Trace(err)
		}
		rip.Addrs[common.NDirect+1] = 0
	}

	rip.Size = 0
	return rip.Icache.Update(rip)
}

// freeTable releases one lookup table block and every block it points at.
func freeTable(rip *common.Inode, tbl uint32) error {
	bp, err := rip.Bcache.GetBlock(rip.Devnum, int(tbl))
	if err != nil {
		return logex.Trace(err)
	}
	for i := 0; i < common.NIndirect; i++ {
		addr := common.GetAddr(bp.Data, i)
		if addr == 0 {
			continue
		}
		if err := rip.Devinfo.Alloc.Free(rip.Devnum, int(addr)); err != nil {
			rip.Bcache.PutBlock(bp)
			return logex.Trace(err)
		}
	}
	rip.Bcache.PutBlock(bp)
	return rip.Devinfo.Alloc.Free(rip.Devnum, int(tbl))
}
