// Package mkfs builds an empty file system image on a block device:
// superblock, inode table, allocation bitmap, a root directory and a
// zeroed log region.
package mkfs

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

type Options struct {
	Blocks int // total blocks on the device, log region included
	Inodes int // inodes in the inode table
}

const (
	DefaultBlocks = 1024
	DefaultInodes = 200
)

// minBlocks is the smallest image that still has room for the metadata
// regions, one root directory block and the log.
const minBlocks = 2 + 1 + 1 + 1 + common.LogBlocks + 1

// Build writes a fresh file system onto dev. Every block of the image is
// written, so the device may hold arbitrary prior contents.
func Build(dev common.BlockDevice, opts Options) (*common.Superblock, error) {
	if opts.Blocks == 0 {
		opts.Blocks = DefaultBlocks
	}
	if opts.Inodes == 0 {
		opts.Inodes = DefaultInodes
	}
	if opts.Blocks < minBlocks || opts.Inodes < 1 {
		return nil, common.ErrBadSuper.Trace()
	}

	sb := &common.Superblock{
		Magic:   common.SuperMagic,
		Size:    uint32(opts.Blocks),
		NInodes: uint32(opts.Inodes),
	}
	if sb.LogStart() <= sb.DataStart() {
		return nil, common.ErrBadSuper.Trace()
	}
	sb.NBlocks = uint32(sb.LogStart() - sb.DataStart())

	w := &writer{dev: dev}

	// Zero everything first so the metadata regions and the log header
	// start from a known state.
	for bnum := 0; bnum < opts.Blocks; bnum++ {
		w.write(bnum, nil)
	}

	var buf [common.BlockSize]byte
	common.EncodeSuperblock(sb, buf[:])
	w.write(common.SuperBlock, buf[:])

	rootBlock := sb.DataStart()
	w.write(sb.InodeBlockNum(common.RootInum), rootInodeBlock(rootBlock))
	w.write(rootBlock, rootDirBlock())

	// Everything outside the data region is permanently in use, as is the
	// root directory's first block.
	inUse := func(bnum int) bool {
		return bnum < sb.DataStart() || bnum >= sb.LogStart() || bnum == rootBlock
	}
	bm := make([]byte, common.BlockSize)
	for base := 0; base < opts.Blocks; base += common.BitsPerBlock {
		for i := range bm {
			bm[i] = 0
		}
		for bi := 0; bi < common.BitsPerBlock && base+bi < opts.Blocks; bi++ {
			if inUse(base + bi) {
				bm[bi/8] |= byte(1) << (bi % 8)
			}
		}
		w.write(sb.BitmapBlockNum(base), bm)
	}

	if w.err != nil {
		return nil, logex.Trace(w.err)
	}
	return sb, nil
}

func rootInodeBlock(rootBlock int) []byte {
	dip := &common.DiskInode{
		Type:  common.TypeDirectory,
		Nlink: 1,
		Size:  2 * common.DirentSize,
	}
	dip.Addrs[0] = uint32(rootBlock)
	data := make([]byte, common.BlockSize)
	common.EncodeInode(dip, data, common.RootInum)
	return data
}

func rootDirBlock() []byte {
	data := make([]byte, common.BlockSize)
	for i, name := range []string{".", ".."} {
		de := &common.Dirent{Inum: common.RootInum}
		de.SetName(name)
		copy(data[i*common.DirentSize:], common.EncodeDirent(de))
	}
	return data
}

// writer funnels block writes to the device, remembering the first error
// so Build reads as a straight-line recipe.
type writer struct {
	dev  common.BlockDevice
	err  error
	zero [common.BlockSize]byte
}

func (w *writer) write(bnum int, data []byte) {
	if w.err != nil {
		return
	}
	if data == nil {
		data = w.zero[:]
	}
	_, w.err = w.dev.WriteAt(data, int64(bnum)*common.BlockSize)
}
