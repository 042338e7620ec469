package fs

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/dir"
)

// Resolve walks path and returns a referenced, unlocked inode for the
// named entry. Paths beginning with '/' start at the root directory,
// everything else at the process working directory.
func (p *Process) Resolve(path string) (*common.Inode, error) {
	rip, _, err := p.walk(path, false)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return rip, nil
}

// ResolveParent walks path up to but not including its final component and
// returns the referenced parent directory along with that component. The
// walk must actually descend to reach the parent, so a bare name such as
// "c" or a single-component absolute path such as "/a" fails with
// ErrNotFound. Unlike Resolve, the final entry itself need not exist.
func (p *Process) ResolveParent(path string) (*common.Inode, string, error) {
	return p.walk(path, true)
}

func (p *Process) walk(path string, wantParent bool) (*common.Inode, string, error) {
	rip, err := p.walkStart(path)
	if err != nil {
		return nil, "", logex.Trace(err)
	}

	it := p.fs.itable
	depth := 0
	rest := path
	for {
		name, rem, ok := nextElem(rest)
		if !ok {
			if wantParent {
				it.Put(rip)
				return nil, "", logex.Trace(common.ErrNotFound)
			}
			return rip, "", nil
		}

		if err := it.Lock(rip); err != nil {
			it.Put(rip)
			return nil, "", logex.Trace(err)
		}
		if !rip.IsDirectory() {
			it.Unlock(rip)
			it.Put(rip)
			return nil, "", logex.Trace(common.ErrNotDir)
		}
		if wantParent && !hasElem(rem) {
			if depth == 0 {
				it.Unlock(rip)
				it.Put(rip)
				return nil, "", logex.Trace(common.ErrNotFound)
			}
			if err := it.Unlock(rip); err != nil {
				it.Put(rip)
				return nil, "", logex.Trace(err)
			}
			return rip, name, nil
		}

		inum, _, err := dir.Lookup(rip, name)
		if err != nil {
			it.Unlock(rip)
			it.Put(rip)
			return nil, "", logex.Trace(err)
		}
		devnum := rip.Devnum
		if err := it.Unlock(rip); err != nil {
			it.Put(rip)
			return nil, "", logex.Trace(err)
		}
		it.Put(rip)

		rip, err = it.Get(devnum, inum)
		if err != nil {
			return nil, "", logex.Trace(err)
		}
		depth++
		rest = rem
	}
}

func (p *Process) walkStart(path string) (*common.Inode, error) {
	if len(path) > 0 && path[0] == '/' {
		rip, err := p.fs.itable.Get(rootDevice, common.RootInum)
		if err != nil {
			return nil, logex.Trace(err)
		}
		return rip, nil
	}
	return p.fs.itable.Dup(p.workdir), nil
}

// nextElem strips leading slashes from path and splits off the first
// component. Components longer than the directory name limit are
// truncated, matching what Lookup compares against.
func nextElem(path string) (name, rest string, ok bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false
	}
	j := i
	for j < len(path) && path[j] != '/' {
		j++
	}
	name = path[i:j]
	if len(name) > common.DirNameLen {
		name = name[:common.DirNameLen]
	}
	return name, path[j:], true
}

func hasElem(path string) bool {
	_, _, ok := nextElem(path)
	return ok
}
