package common

import "github.com/chzyer/logex"

// Expected operational failures. Callers are expected to handle these as
// ordinary results; nothing is retried internally.
var (
	ErrNotFound   = logex.Define("no such file or directory")
	ErrExists     = logex.Define("file exists")
	ErrNotDir     = logex.Define("not a directory")
	ErrRange      = logex.Define("offset out of range")
	ErrFileTooBig = logex.Define("maximum file size exceeded")
	ErrNoDevice   = logex.Define("no handler for device")
	ErrNoSpace    = logex.Define("no space left on device")
	ErrNoInodes   = logex.Define("no free inodes on device")
)

// Invariant violations. These indicate a broken consistency assumption in
// the file system or its caller; they are surfaced as errors rather than
// halting the process, but a caller should treat them as a sign that the
// device or the calling code is damaged.
var (
	ErrDoubleFree    = logex.Define("freeing a free block")
	ErrTableFull     = logex.Define("inode table overflow")
	ErrNotReferenced = logex.Define("inode has no references")
	ErrNotLocked     = logex.Define("inode is not locked")
	ErrBusy          = logex.Define("inode is busy")
	ErrFreeInode     = logex.Define("cached inode has no type")
	ErrBadDirent     = logex.Define("malformed directory entry")
	ErrBadSuper      = logex.Define("not a valid filesystem superblock")
	ErrLogFull       = logex.Define("log transaction overflow")
	ErrCacheFull     = logex.Define("all cache blocks in use")
)

var invariantErrs = []error{
	ErrDoubleFree,
	ErrTableFull,
	ErrNotReferenced,
	ErrNotLocked,
	ErrBusy,
	ErrFreeInode,
	ErrBadDirent,
	ErrBadSuper,
	ErrLogFull,
	ErrCacheFull,
}

// IsInvariant reports whether err is one of the invariant-violation errors,
// unwrapping any trace information added along the way.
func IsInvariant(err error) bool {
	for _, inv := range invariantErrs {
		if logex.Equal(err, inv) {
			return true
		}
	}
	return false
}
