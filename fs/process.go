package fs

import (
	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
)

// Process is a handle for issuing path operations against the file system.
// Each process holds a reference to its working directory, which anchors
// relative path resolution.
type Process struct {
	fs      *FileSystem
	workdir *common.Inode
}

// Spawn creates a new process whose working directory is the directory
// named by path, resolved relative to p.
func (p *Process) Spawn(path string) (*Process, error) {
	rip, err := p.Resolve(path)
	if err != nil {
		return nil, logex.Trace(err)
	}
	if err := p.fs.itable.Lock(rip); err != nil {
		p.fs.itable.Put(rip)
		return nil, logex.Trace(err)
	}
	if !rip.IsDirectory() {
		p.fs.itable.Unlock(rip)
		p.fs.itable.Put(rip)
		return nil, logex.Trace(common.ErrNotDir)
	}
	if err := p.fs.itable.Unlock(rip); err != nil {
		return nil, logex.Trace(err)
	}
	return &Process{fs: p.fs, workdir: rip}, nil
}

// Chdir changes the working directory of p to the directory named by path.
func (p *Process) Chdir(path string) error {
	np, err := p.Spawn(path)
	if err != nil {
		return logex.Trace(err)
	}
	old := p.workdir
	p.workdir = np.workdir
	return logex.Trace(p.fs.itable.Put(old))
}

// Exit releases the working directory reference. The process must not be
// used afterwards.
func (p *Process) Exit() error {
	if p.workdir == nil {
		return nil
	}
	err := p.fs.itable.Put(p.workdir)
	p.workdir = nil
	return logex.Trace(err)
}

// FileSystem returns the file system this process belongs to.
func (p *Process) FileSystem() *FileSystem { return p.fs }
