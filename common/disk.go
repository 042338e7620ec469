package common

import (
	"bytes"
	"encoding/binary"

	"github.com/chzyer/logex"
)

// All on-disk records are little-endian.

// DecodeSuperblock parses the record stored in a superblock's block data.
func DecodeSuperblock(data []byte) (*Superblock, error) {
	sb := new(Superblock)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, sb); err != nil {
		return nil, logex.Trace(err)
	}
	if sb.Magic != SuperMagic {
		return nil, ErrBadSuper.Trace()
	}
	return sb, nil
}

// EncodeSuperblock writes the record into the head of a block buffer.
func EncodeSuperblock(sb *Superblock, data []byte) {
	buf := bytes.NewBuffer(data[:0])
	binary.Write(buf, binary.LittleEndian, sb)
}

// ReadSuperblock fetches and parses the superblock of a device through the
// block cache. Operations call this per use rather than caching the result.
func ReadSuperblock(cache BlockCache, devnum int) (*Superblock, error) {
	bp, err := cache.GetBlock(devnum, SuperBlock)
	if err != nil {
		return nil, logex.Trace(err)
	}
	sb, err := DecodeSuperblock(bp.Data)
	cache.PutBlock(bp)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return sb, nil
}

// DecodeInode parses the inode record at slot (inum % InodesPerBlock) of an
// inode table block.
func DecodeInode(data []byte, inum int) (*DiskInode, error) {
	off := (inum % InodesPerBlock) * DiskInodeSize
	dip := new(DiskInode)
	if err := binary.Read(bytes.NewReader(data[off:off+DiskInodeSize]), binary.LittleEndian, dip); err != nil {
		return nil, logex.Trace(err)
	}
	return dip, nil
}

// EncodeInode writes the inode record into its slot of an inode table block.
func EncodeInode(dip *DiskInode, data []byte, inum int) {
	off := (inum % InodesPerBlock) * DiskInodeSize
	buf := bytes.NewBuffer(data[off:off])
	binary.Write(buf, binary.LittleEndian, dip)
}

// DecodeDirent parses the directory record at a byte offset within a block
// of directory content.
func DecodeDirent(data []byte) (*Dirent, error) {
	de := new(Dirent)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, de); err != nil {
		return nil, logex.Trace(err)
	}
	return de, nil
}

// EncodeDirent renders a directory record to its fixed wire form.
func EncodeDirent(de *Dirent) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, DirentSize))
	binary.Write(buf, binary.LittleEndian, de)
	return buf.Bytes()
}

// Filename returns the bounded-length name as a Go string.
func (de *Dirent) Filename() string {
	name := de.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// SetName stores a name clipped to the fixed record width.
func (de *Dirent) SetName(name string) {
	for i := range de.Name {
		de.Name[i] = 0
	}
	copy(de.Name[:], name)
}

// GetAddr reads the idx'th block address out of an indirect table block.
func GetAddr(data []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(data[idx*4:])
}

// PutAddr stores the idx'th block address of an indirect table block.
func PutAddr(data []byte, idx int, addr uint32) {
	binary.LittleEndian.PutUint32(data[idx*4:], addr)
}
