package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/tinyos/tinyfs/common"
)

func humanizeSize(size uint32) string {
	return humanize.IBytes(uint64(size))
}

type checker struct {
	f  *os.File
	sb *common.Superblock

	// refs[bnum] counts how many inode address slots point at the block;
	// links[inum] counts directory entries naming the inode.
	refs  map[int]int
	links map[int]int16

	inodes map[int]*common.DiskInode

	errs int
}

func newChecker(f *os.File) (*checker, error) {
	var buf [common.BlockSize]byte
	if _, err := f.ReadAt(buf[:], common.SuperBlock*common.BlockSize); err != nil {
		return nil, err
	}
	sb, err := common.DecodeSuperblock(buf[:])
	if err != nil {
		return nil, err
	}
	return &checker{
		f:      f,
		sb:     sb,
		refs:   make(map[int]int),
		links:  make(map[int]int16),
		inodes: make(map[int]*common.DiskInode),
	}, nil
}

func (c *checker) run() int {
	c.scanInodes()
	c.checkBitmap()
	c.walkDirectories()
	c.checkLinkCounts()
	return c.errs
}

func (c *checker) problem(format string, args ...any) {
	c.errs++
	slog.Warn(fmt.Sprintf(format, args...))
}

func (c *checker) readBlock(bnum int) ([]byte, bool) {
	buf := make([]byte, common.BlockSize)
	if _, err := c.f.ReadAt(buf, int64(bnum)*common.BlockSize); err != nil && err != io.EOF {
		c.problem("block %d: unreadable: %v", bnum, err)
		return nil, false
	}
	return buf, true
}

// scanInodes decodes every allocated inode and records which blocks its
// address slots reference, descending through indirect tables.
func (c *checker) scanInodes() {
	for inum := 1; inum < int(c.sb.NInodes); inum++ {
		buf, ok := c.readBlock(c.sb.InodeBlockNum(inum))
		if !ok {
			continue
		}
		dip, err := common.DecodeInode(buf, inum)
		if err != nil {
			c.problem("inode %d: undecodable: %v", inum, err)
			continue
		}
		if dip.Type == common.TypeNone {
			continue
		}
		if dip.Type != common.TypeDirectory && dip.Type != common.TypeFile && dip.Type != common.TypeDevice {
			c.problem("inode %d: unknown type %d", inum, dip.Type)
			continue
		}
		c.inodes[inum] = dip
		slog.Debug("inode",
			"inum", inum,
			"type", dip.Type,
			"nlink", dip.Nlink,
			"size", humanizeSize(dip.Size))

		if dip.Type == common.TypeDevice {
			continue
		}
		maxSize := uint32(common.MaxFileBlocks * common.BlockSize)
		if dip.Size > maxSize {
			c.problem("inode %d: size %d exceeds maximum %d", inum, dip.Size, maxSize)
		}
		for i := 0; i < common.NDirect; i++ {
			c.reference(inum, int(dip.Addrs[i]))
		}
		c.scanTable(inum, int(dip.Addrs[common.NDirect]), 1)
		c.scanTable(inum, int(dip.Addrs[common.NDirect+1]), 2)
	}
}

// scanTable references an indirect table block and, at depth 2, each table
// it in turn points at.
func (c *checker) scanTable(inum, bnum, depth int) {
	if !c.reference(inum, bnum) {
		return
	}
	buf, ok := c.readBlock(bnum)
	if !ok {
		return
	}
	for i := 0; i < common.NIndirect; i++ {
		entry := int(common.GetAddr(buf, i))
		if depth > 1 {
			c.scanTable(inum, entry, depth-1)
		} else {
			c.reference(inum, entry)
		}
	}
}

// reference records one pointer at bnum and reports out-of-region targets.
// It returns whether the block exists and is safe to read.
func (c *checker) reference(inum, bnum int) bool {
	if bnum == 0 {
		return false
	}
	if bnum < c.sb.DataStart() || bnum >= c.sb.LogStart() {
		c.problem("inode %d: references block %d outside the data region", inum, bnum)
		return false
	}
	c.refs[bnum]++
	if c.refs[bnum] == 2 {
		c.problem("block %d: referenced more than once", bnum)
	}
	return c.refs[bnum] == 1
}

// checkBitmap compares the allocation bitmap against the references
// gathered from the inode scan. Blocks outside the data region must always
// be marked in use.
func (c *checker) checkBitmap() {
	for base := 0; base < int(c.sb.Size); base += common.BitsPerBlock {
		buf, ok := c.readBlock(c.sb.BitmapBlockNum(base))
		if !ok {
			continue
		}
		for bi := 0; bi < common.BitsPerBlock && base+bi < int(c.sb.Size); bi++ {
			bnum := base + bi
			marked := buf[bi/8]&(byte(1)<<(bi%8)) != 0
			inData := bnum >= c.sb.DataStart() && bnum < c.sb.LogStart()
			switch {
			case !inData && !marked:
				c.problem("bitmap: metadata block %d marked free", bnum)
			case inData && marked && c.refs[bnum] == 0:
				c.problem("bitmap: block %d marked in use but unreferenced", bnum)
			case inData && !marked && c.refs[bnum] > 0:
				c.problem("bitmap: block %d referenced but marked free", bnum)
			}
		}
	}
}

// walkDirectories reads every directory inode's records and tallies link
// counts per inode.
func (c *checker) walkDirectories() {
	root, ok := c.inodes[common.RootInum]
	if !ok || root.Type != common.TypeDirectory {
		c.problem("inode %d: root directory missing", common.RootInum)
	}
	for inum, dip := range c.inodes {
		if dip.Type != common.TypeDirectory {
			continue
		}
		c.walkDirectory(inum, dip)
	}
}

func (c *checker) walkDirectory(inum int, dip *common.DiskInode) {
	if dip.Size%common.DirentSize != 0 {
		c.problem("directory %d: size %d not a whole number of records", inum, dip.Size)
	}
	var dot, dotdot bool
	for off := 0; off+common.DirentSize <= int(dip.Size); off += common.DirentSize {
		rec, ok := c.readContent(dip, off)
		if !ok {
			continue
		}
		de, err := common.DecodeDirent(rec)
		if err != nil || (de.Inum == 0 && de.Filename() != "") {
			c.problem("directory %d: bad record at offset %d", inum, off)
			continue
		}
		if de.Inum == 0 {
			continue
		}
		name := de.Filename()
		target := int(de.Inum)
		if _, ok := c.inodes[target]; !ok {
			c.problem("directory %d: entry %q names free inode %d", inum, name, target)
			continue
		}
		switch name {
		case ".":
			dot = true
			if target != inum {
				c.problem("directory %d: \".\" names inode %d", inum, target)
			}
		case "..":
			dotdot = true
		default:
			c.links[target]++
		}
		slog.Debug("dirent", "dir", inum, "name", name, "inum", target)
	}
	if !dot || !dotdot {
		c.problem("directory %d: missing \".\" or \"..\" entry", inum)
	}
}

// readContent fetches the record-sized span of a directory at a content
// offset, resolving through the direct and indirect tiers.
func (c *checker) readContent(dip *common.DiskInode, off int) ([]byte, bool) {
	bn := off / common.BlockSize
	bnum := 0
	switch {
	case bn < common.NDirect:
		bnum = int(dip.Addrs[bn])
	case bn < common.NDirect+common.NIndirect:
		bnum = c.tableEntry(int(dip.Addrs[common.NDirect]), bn-common.NDirect)
	default:
		bn -= common.NDirect + common.NIndirect
		l1 := c.tableEntry(int(dip.Addrs[common.NDirect+1]), bn/common.NIndirect)
		bnum = c.tableEntry(l1, bn%common.NIndirect)
	}
	if bnum == 0 {
		return nil, false
	}
	buf, ok := c.readBlock(bnum)
	if !ok {
		return nil, false
	}
	boff := off % common.BlockSize
	return buf[boff : boff+common.DirentSize], true
}

func (c *checker) tableEntry(bnum, idx int) int {
	if bnum == 0 {
		return 0
	}
	buf, ok := c.readBlock(bnum)
	if !ok {
		return 0
	}
	return int(common.GetAddr(buf, idx))
}

// checkLinkCounts compares tallied directory entries against each inode's
// stored link count. Directories are named once by their parent; their "."
// and ".." records were excluded from the tally.
func (c *checker) checkLinkCounts() {
	for inum, dip := range c.inodes {
		want := c.links[inum]
		if inum == common.RootInum {
			// The root has no parent entry.
			want++
		}
		if dip.Type == common.TypeDirectory && inum != common.RootInum {
			want++
		}
		if dip.Nlink != want {
			c.problem("inode %d: nlink %d but %d directory entries", inum, dip.Nlink, want)
		}
	}
}

// digest hashes the image contents, log region excluded since replay
// already installed it.
func (c *checker) digest() string {
	h := blake3.New()
	buf := make([]byte, common.BlockSize)
	for bnum := 0; bnum < c.sb.LogStart(); bnum++ {
		if _, err := c.f.ReadAt(buf, int64(bnum)*common.BlockSize); err != nil && err != io.EOF {
			return "unavailable"
		}
		h.Write(buf)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
