package content

import (
	"io"

	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

// Read copies up to len(p) bytes of the inode's content starting at byte
// offset off, clamped to the current size, and reports how many were
// copied. Device-type inodes are redirected to the handler for their
// major number. The caller must hold the inode locked.
func Read(rip *common.Inode, p []byte, off int) (int, error) {
	if rip.IsDevice() {
		h, err := rip.Devinfo.Devices.Get(int(rip.Major))
		if err != nil {
			return 0, logex.Trace(err)
		}
		return h.Read(rip, p)
	}

	size := int(rip.Size)
	if off < 0 || off > size || off+len(p) < off {
		return 0, common.ErrRange.Trace()
	}
	if off+len(p) > size {
		p = p[:size-off]
	}
	if len(p) == 0 {
		if off >= size {
			return 0, io.EOF
		}
		return 0, nil
	}

	tot := 0
	for tot < len(p) {
		pos := off + tot
		pb, err := BMap(rip, pos/common.BlockSize)
		if err != nil {
			return tot, logex.Trace(err)
		}
		bp, err := rip.Bcache.GetBlock(rip.Devnum, int(pb))
		if err != nil {
			return tot, logex.Trace(err)
		}
		boff := pos % common.BlockSize
		n := copy(p[tot:], bp.Data[boff:])
		rip.Bcache.PutBlock(bp)
		tot += n
	}
	return tot, nil
}

// Write copies len(p) bytes into the inode's content at byte offset off,
// allocating blocks as needed and growing the recorded size if the write
// extends past the current end. Writes beyond the current size (holes) or
// past the maximum file size are rejected. The caller must hold the inode
// locked.
func Write(rip *common.Inode, p []byte, off int) (int, error) {
	if rip.IsDevice() {
		h, err := rip.Devinfo.Devices.Get(int(rip.Major))
		if err != nil {
			return 0, logex.Trace(err)
		}
		return h.Write(rip, p)
	}

	size := int(rip.Size)
	if off < 0 || off > size || off+len(p) < off {
		return 0, common.ErrRange.Trace()
	}
	if off+len(p) > common.MaxFileBlocks*common.BlockSize {
		return 0, common.ErrFileTooBig.Trace()
	}

	tot := 0
	for tot < len(p) {
		pos := off + tot
		pb, err := BMap(rip, pos/common.BlockSize)
		if err != nil {
			return tot, logex.Trace(err)
		}
		bp, err := rip.Bcache.GetBlock(rip.Devnum, int(pb))
		if err != nil {
			return tot, logex.Trace(err)
		}
		boff := pos % common.BlockSize
		n := copy(bp.Data[boff:], p[tot:])
		if err := rip.Devinfo.Log.RegisterDirty(bp); err != nil {
			rip.Bcache.PutBlock(bp)
			return tot, logex.Trace(err)
		}
		rip.Bcache.PutBlock(bp)
		tot += n
	}

	if tot > 0 {
		if off+tot > size {
			rip.Size = uint32(off + tot)
			rip.Dirty = true
		}
		if rip.Dirty {
			if err := rip.Icache.Update(rip); err != nil {
				return tot, logex.Trace(err)
			}
		}
	}
	return tot, nil
}
