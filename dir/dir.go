// Package dir implements directory content: a byte sequence of fixed-size
// records, each a bounded-length name plus an inode number, addressed and
// stored like any other file content. Callers must hold the directory
// inode locked.
package dir

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/content"
)

// Lookup scans the directory for a name and returns the inode number it
// references together with the record's byte offset. Records with inode
// number zero are skipped; names match on at most DirNameLen bytes.
func Lookup(dirp *common.Inode, name string) (int, int, error) {
	if !dirp.IsDirectory() {
		return 0, 0, common.ErrNotDir.Trace()
	}

	rec := make([]byte, common.DirentSize)
	for off := 0; off < int(dirp.Size); off += common.DirentSize {
		de, err := readRecord(dirp, rec, off)
		if err != nil {
			return 0, 0, logex.Trace(err)
		}
		if de.Inum == 0 {
			continue
		}
		if nameMatches(de, name) {
			return int(de.Inum), off, nil
		}
	}
	return 0, 0, common.ErrNotFound.Trace()
}

// Link adds a (name, inum) record, reusing the first empty slot or
// appending. A name already present fails and leaves the directory
// unchanged; nothing checks inum for uniqueness, so several names may
// reference one inode.
func Link(dirp *common.Inode, name string, inum int) error {
	if !dirp.IsDirectory() {
		return common.ErrNotDir.Trace()
	}

	_, _, err := Lookup(dirp, name)
	if err == nil {
		return common.ErrExists.Trace()
	}
	if !logex.Equal(err, common.ErrNotFound) {
		return logex.Trace(err)
	}

	// First reusable slot, else the end of the directory.
	off := int(dirp.Size)
	rec := make([]byte, common.DirentSize)
	for o := 0; o < int(dirp.Size); o += common.DirentSize {
		de, err := readRecord(dirp, rec, o)
		if err != nil {
			return logex.Trace(err)
		}
		if de.Inum == 0 {
			off = o
			break
		}
	}

	de := &common.Dirent{Inum: uint16(inum)}
	de.SetName(name)
	return writeRecord(dirp, de, off)
}

// Unlink clears the record for a name, leaving its slot reusable.
func Unlink(dirp *common.Inode, name string) error {
	if !dirp.IsDirectory() {
		return common.ErrNotDir.Trace()
	}
	_, off, err := Lookup(dirp, name)
	if err != nil {
		return logex.Trace(err)
	}
	return writeRecord(dirp, new(common.Dirent), off)
}

func readRecord(dirp *common.Inode, rec []byte, off int) (*common.Dirent, error) {
	n, err := content.Read(dirp, rec, off)
	if err != nil {
		return nil, common.ErrBadDirent.Trace()
	}
	if n != common.DirentSize {
		return nil, common.ErrBadDirent.Trace()
	}
	return common.DecodeDirent(rec)
}

func writeRecord(dirp *common.Inode, de *common.Dirent, off int) error {
	n, err := content.Write(dirp, common.EncodeDirent(de), off)
	if err != nil {
		return logex.Trace(err)
	}
	if n != common.DirentSize {
		return common.ErrBadDirent.Trace()
	}
	return nil
}

// nameMatches compares a stored name against a lookup name, both bounded
// at DirNameLen bytes.
func nameMatches(de *common.Dirent, name string) bool {
	if len(name) > common.DirNameLen {
		name = name[:common.DirNameLen]
	}
	return de.Filename() == name
}
