package common

import (
	"io"
	"sync"
)

// Superblock describes the geometry of one device. It is stored in block 1
// and is read fresh from the block cache for every operation that needs it,
// never held as long-lived state.
type Superblock struct {
	Magic   uint32
	Size    uint32 // total blocks on the device, including the log region
	NBlocks uint32 // blocks in the data region
	NInodes uint32 // usable inodes in the inode table
}

// InodeBlocks returns the number of blocks occupied by the inode table.
func (sb *Superblock) InodeBlocks() int {
	return (int(sb.NInodes) + InodesPerBlock - 1) / InodesPerBlock
}

// InodeBlockNum returns the block holding the given inode number.
func (sb *Superblock) InodeBlockNum(inum int) int {
	return InodeStart + inum/InodesPerBlock
}

// BitmapStart returns the first block of the allocation bitmap.
func (sb *Superblock) BitmapStart() int {
	return InodeStart + sb.InodeBlocks()
}

// BitmapBlocks returns the number of blocks occupied by the bitmap.
func (sb *Superblock) BitmapBlocks() int {
	return (int(sb.Size) + BitsPerBlock - 1) / BitsPerBlock
}

// BitmapBlockNum returns the bitmap block holding the bit for block bnum.
func (sb *Superblock) BitmapBlockNum(bnum int) int {
	return sb.BitmapStart() + bnum/BitsPerBlock
}

// DataStart returns the first block of the data region.
func (sb *Superblock) DataStart() int {
	return sb.BitmapStart() + sb.BitmapBlocks()
}

// LogStart returns the log header block; the LogBlocks data slots follow it.
func (sb *Superblock) LogStart() int {
	return int(sb.Size) - LogBlocks - 1
}

// DiskInode is the on-disk inode record, exactly DiskInodeSize bytes when
// encoded little-endian. The first NDirect address slots point directly at
// content blocks; slot NDirect is the single-indirect table and slot
// NDirect+1 the double-indirect table. A slot of zero means not allocated.
type DiskInode struct {
	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDirect + 2]uint32
}

// Inode is the in-memory projection of a disk inode, held in a slot of the
// inode table. Count, Busy and Valid are bookkeeping that never reaches the
// disk: a slot with Count zero is free for reuse; the embedded DiskInode
// fields are only trustworthy while Valid is set, and may only be examined
// or changed by the holder of the Busy flag.
type Inode struct {
	DiskInode

	Bcache  BlockCache  // block cache serving this inode's device
	Icache  InodeTbl    // table this inode is cached in
	Devinfo *DeviceInfo // parameters of this inode's device

	Devnum int
	Inum   int
	Count  int
	Busy   bool
	Valid  bool
	Dirty  bool // in-memory inode differs from the disk record
}

func (rip *Inode) IsDirectory() bool { return rip.Type == TypeDirectory }
func (rip *Inode) IsRegular() bool   { return rip.Type == TypeFile }
func (rip *Inode) IsDevice() bool    { return rip.Type == TypeDevice }

// StatInfo is the metadata projection handed to callers above this layer.
type StatInfo struct {
	Devnum int
	Inum   int
	Type   int16
	Nlink  int16
	Size   uint32
}

// Stat may only be called while the inode is locked.
func (rip *Inode) Stat() StatInfo {
	return StatInfo{
		Devnum: rip.Devnum,
		Inum:   rip.Inum,
		Type:   rip.Type,
		Nlink:  rip.Nlink,
		Size:   rip.Size,
	}
}

// Dirent is one fixed-size directory record. An Inum of zero marks a
// reusable slot; the name is NUL padded to DirNameLen bytes.
type Dirent struct {
	Inum uint16
	Name [DirNameLen]byte
}

// DeviceInfo carries the per-device collaborators an inode needs to reach:
// the allocator for its data blocks, the log for durable mutations and the
// handler table for device-type inodes.
type DeviceInfo struct {
	Devnum  int
	Alloc   Allocator
	Log     Log
	Devices *DevTable
}

// CacheBlock is a mutable handle on one cached device block, acquired from
// and released to the block cache. Buf is for the cache policy's own use.
type CacheBlock struct {
	Data     []byte
	Devnum   int
	Blocknum int
	Dirty    bool

	Buf interface{}
}

// BlockDevice is the raw storage under the block cache.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}

// BlockCache is the buffer cache consumed by this layer. GetBlock blocks
// until the requested block is resident; every acquired block must be
// released with PutBlock on all exit paths.
type BlockCache interface {
	MountDevice(devnum int, dev BlockDevice) error
	UnmountDevice(devnum int) error
	GetBlock(devnum, bnum int) (*CacheBlock, error)
	PutBlock(cb *CacheBlock) error
	Invalidate(devnum int)
	Flush(devnum int) error
}

// Log is the write-ahead log consumed by this layer. Every durable mutation
// of a block must pass through RegisterDirty before the block is treated as
// committed; the log owns write ordering and crash atomicity.
type Log interface {
	RegisterDirty(cb *CacheBlock) error
}

// Allocator hands out and reclaims data blocks on a device.
type Allocator interface {
	Alloc(devnum int) (int, error)
	Free(devnum, bnum int) error
}

// InodeTbl is the in-memory inode table.
type InodeTbl interface {
	Get(devnum, inum int) (*Inode, error)
	Dup(rip *Inode) *Inode
	Lock(rip *Inode) error
	Unlock(rip *Inode) error
	Put(rip *Inode) error
	Alloc(devnum int, typ int16) (*Inode, error)
	Update(rip *Inode) error
}

// DevHandler services reads and writes for device-type inodes of one major
// number, in place of block storage.
type DevHandler interface {
	Read(rip *Inode, p []byte) (int, error)
	Write(rip *Inode, p []byte) (int, error)
}

// DevTable maps major numbers to their handlers.
type DevTable struct {
	mu       sync.RWMutex
	handlers [NumMajors]DevHandler
}

func NewDevTable() *DevTable {
	return &DevTable{}
}

func (dt *DevTable) Register(major int, h DevHandler) error {
	if major < 0 || major >= NumMajors {
		return ErrNoDevice.Trace()
	}
	dt.mu.Lock()
	dt.handlers[major] = h
	dt.mu.Unlock()
	return nil
}

func (dt *DevTable) Get(major int) (DevHandler, error) {
	if major < 0 || major >= NumMajors {
		return nil, ErrNoDevice.Trace()
	}
	dt.mu.RLock()
	h := dt.handlers[major]
	dt.mu.RUnlock()
	if h == nil {
		return nil, ErrNoDevice.Trace()
	}
	return h, nil
}
