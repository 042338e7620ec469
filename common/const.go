package common

// On-disk geometry. The layout of a device is:
//
//	block 0        reserved
//	block 1        superblock
//	blocks 2..     inode table, InodesPerBlock inodes packed per block
//	blocks ..     	allocation bitmap, one bit per block on the device
//	blocks ..      data region
//	last 33 blocks write-ahead log (header block + LogBlocks slots)
const (
	BlockSize = 512 // bytes per block

	NDirect   = 11              // direct address slots in an inode
	NIndirect = BlockSize / 4   // addresses per indirect block
	NDouble   = NIndirect * NIndirect

	// MaxFileBlocks is the largest logical block index plus one; an inode
	// cannot address content beyond this.
	MaxFileBlocks = NDirect + NIndirect + NDouble

	DiskInodeSize  = 64
	InodesPerBlock = BlockSize / DiskInodeSize
	BitsPerBlock   = BlockSize * 8

	DirNameLen = 14 // bytes per directory entry name, NUL padded
	DirentSize = 16 // bytes per directory entry record

	BootBlock  = 0
	SuperBlock = 1
	InodeStart = 2 // first block of the inode table

	RootInum = 1 // inode number of the root directory

	LogBlocks = 32 // data slots in the on-disk log region

	SuperMagic = 0x74696e79
)

// Inode types as stored on disk. A type of zero marks a free inode.
const (
	TypeNone int16 = iota
	TypeDirectory
	TypeFile
	TypeDevice
)

const (
	NumDevices    = 8  // devices a single cache/table can serve
	NumInodeSlots = 64 // slots in the in-memory inode table
	NumMajors     = 10 // device handler majors
)

const NoDev = -1
