package fs_test

import (
	"testing"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/content"
	"github.com/tinyos/tinyfs/dir"
	"github.com/tinyos/tinyfs/fs"
	"github.com/tinyos/tinyfs/testutils"
)

const (
	testBlocks = 256
	testInodes = 32
)

func mount(t *testing.T) (*fs.FileSystem, *fs.Process, *testutils.MemDevice) {
	t.Helper()
	dev := testutils.NewImageDevice(t, testBlocks, testInodes)
	tfs, proc, err := fs.NewFileSystem(dev, nil)
	require.NoError(t, err)
	return tfs, proc, dev
}

// mkdir creates a directory under the parent path with "." and ".."
// records, committing the change.
func mkdir(t *testing.T, tfs *fs.FileSystem, proc *fs.Process, parent, name string) {
	t.Helper()
	it := tfs.Itable()

	dirp, err := proc.Resolve(parent)
	require.NoError(t, err)
	require.NoError(t, it.Lock(dirp))

	rip, err := it.Alloc(0, common.TypeDirectory)
	require.NoError(t, err)
	require.NoError(t, it.Lock(rip))
	rip.Nlink = 2
	require.NoError(t, dir.Link(rip, ".", rip.Inum))
	require.NoError(t, dir.Link(rip, "..", dirp.Inum))
	require.NoError(t, it.Update(rip))

	require.NoError(t, dir.Link(dirp, name, rip.Inum))

	require.NoError(t, it.Unlock(rip))
	require.NoError(t, it.Put(rip))
	require.NoError(t, it.Unlock(dirp))
	require.NoError(t, it.Put(dirp))
	require.NoError(t, tfs.Sync())
}

// mkfile creates a regular file with the given content under the parent
// path, committing the change.
func mkfile(t *testing.T, tfs *fs.FileSystem, proc *fs.Process, parent, name string, data []byte) {
	t.Helper()
	it := tfs.Itable()

	dirp, err := proc.Resolve(parent)
	require.NoError(t, err)
	require.NoError(t, it.Lock(dirp))

	rip, err := it.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	require.NoError(t, it.Lock(rip))
	rip.Nlink = 1
	if len(data) > 0 {
		n, err := content.Write(rip, data, 0)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	require.NoError(t, it.Update(rip))

	require.NoError(t, dir.Link(dirp, name, rip.Inum))

	require.NoError(t, it.Unlock(rip))
	require.NoError(t, it.Put(rip))
	require.NoError(t, it.Unlock(dirp))
	require.NoError(t, it.Put(dirp))
	require.NoError(t, tfs.Sync())
}

func readFile(t *testing.T, tfs *fs.FileSystem, proc *fs.Process, path string) []byte {
	t.Helper()
	it := tfs.Itable()
	rip, err := proc.Resolve(path)
	require.NoError(t, err)
	require.NoError(t, it.Lock(rip))
	data := make([]byte, rip.Size)
	if len(data) > 0 {
		n, err := content.Read(rip, data, 0)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	require.NoError(t, it.Unlock(rip))
	require.NoError(t, it.Put(rip))
	return data
}

func TestMountValidatesSuperblock(t *testing.T) {
	dev := testutils.NewMemDevice(testBlocks) // all zero, no magic
	_, _, err := fs.NewFileSystem(dev, nil)
	assert.True(t, logex.Equal(err, common.ErrBadSuper))
}

func TestResolveRoot(t *testing.T) {
	tfs, proc, _ := mount(t)

	for _, path := range []string{"/", "/.", "/..", "/./.."} {
		rip, err := proc.Resolve(path)
		require.NoError(t, err, "path %q", path)
		assert.Equal(t, common.RootInum, rip.Inum, "path %q", path)
		require.NoError(t, tfs.Itable().Put(rip))
	}
}

func TestResolveWalksTree(t *testing.T) {
	tfs, proc, _ := mount(t)
	mkdir(t, tfs, proc, "/", "a")
	mkdir(t, tfs, proc, "/a", "b")
	mkfile(t, tfs, proc, "/a/b", "c", []byte("payload"))

	it := tfs.Itable()
	for _, path := range []string{"/a/b/c", "a/b/c", "/a/./b/../b/c", "//a//b//c"} {
		rip, err := proc.Resolve(path)
		require.NoError(t, err, "path %q", path)
		require.NoError(t, it.Lock(rip))
		assert.True(t, rip.IsRegular(), "path %q", path)
		require.NoError(t, it.Unlock(rip))
		require.NoError(t, it.Put(rip))
	}

	assert.Equal(t, []byte("payload"), readFile(t, tfs, proc, "/a/b/c"))
}

func TestResolveErrors(t *testing.T) {
	tfs, proc, _ := mount(t)
	mkdir(t, tfs, proc, "/", "a")
	mkfile(t, tfs, proc, "/a", "f", []byte("x"))

	_, err := proc.Resolve("/a/missing")
	assert.True(t, logex.Equal(err, common.ErrNotFound))

	// A file in the middle of a path cannot be descended through.
	_, err = proc.Resolve("/a/f/deeper")
	assert.True(t, logex.Equal(err, common.ErrNotDir))

	// A trailing separator is an empty component and is discarded, so
	// this still names the file itself.
	rip, err := proc.Resolve("/a/f/")
	require.NoError(t, err)
	assert.True(t, rip.Inum > common.RootInum)
	require.NoError(t, tfs.Itable().Put(rip))
}

func TestResolveParent(t *testing.T) {
	tfs, proc, _ := mount(t)
	mkdir(t, tfs, proc, "/", "a")
	mkdir(t, tfs, proc, "/a", "b")
	mkfile(t, tfs, proc, "/a/b", "c", nil)

	it := tfs.Itable()

	dirp, name, err := proc.ResolveParent("/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "c", name)
	inum, _, lerr := lookupLocked(t, tfs, dirp, "c")
	require.NoError(t, lerr)
	assert.NotZero(t, inum)
	require.NoError(t, it.Put(dirp))

	// The final entry need not exist; the parent does the naming.
	dirp, name, err = proc.ResolveParent("/a/b/tocreate")
	require.NoError(t, err)
	assert.Equal(t, "tocreate", name)
	require.NoError(t, it.Put(dirp))

	// A walk that never descends has no parent to hand out.
	_, _, err = proc.ResolveParent("c")
	assert.True(t, logex.Equal(err, common.ErrNotFound))
	_, _, err = proc.ResolveParent("/a")
	assert.True(t, logex.Equal(err, common.ErrNotFound))
	_, _, err = proc.ResolveParent("/")
	assert.True(t, logex.Equal(err, common.ErrNotFound))
}

func lookupLocked(t *testing.T, tfs *fs.FileSystem, dirp *common.Inode, name string) (int, int, error) {
	t.Helper()
	it := tfs.Itable()
	require.NoError(t, it.Lock(dirp))
	defer it.Unlock(dirp)
	return dir.Lookup(dirp, name)
}

func TestSpawnAndChdir(t *testing.T) {
	tfs, proc, _ := mount(t)
	mkdir(t, tfs, proc, "/", "a")
	mkdir(t, tfs, proc, "/a", "b")
	mkfile(t, tfs, proc, "/a/b", "c", []byte("rel"))

	child, err := proc.Spawn("/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("rel"), readFile(t, tfs, child, "b/c"))

	require.NoError(t, child.Chdir("b"))
	assert.Equal(t, []byte("rel"), readFile(t, tfs, child, "c"))
	require.NoError(t, child.Exit())

	// Spawning onto a file is refused.
	_, err = proc.Spawn("/a/b/c")
	assert.True(t, logex.Equal(err, common.ErrNotDir))
}

func TestShutdownAndRemount(t *testing.T) {
	tfs, proc, dev := mount(t)
	mkdir(t, tfs, proc, "/", "persist")
	mkfile(t, tfs, proc, "/persist", "data", []byte("still here"))

	require.NoError(t, proc.Exit())
	require.NoError(t, tfs.Shutdown())

	tfs2, proc2, err := fs.NewFileSystem(dev, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), readFile(t, tfs2, proc2, "/persist/data"))
	require.NoError(t, proc2.Exit())
	require.NoError(t, tfs2.Shutdown())
}

func TestUnlinkedFileFreedOnLastPut(t *testing.T) {
	tfs, proc, _ := mount(t)
	mkdir(t, tfs, proc, "/", "d")
	mkfile(t, tfs, proc, "/d", "doomed", []byte("bytes"))

	it := tfs.Itable()
	rip, err := proc.Resolve("/d/doomed")
	require.NoError(t, err)
	inum := rip.Inum

	// Remove the directory entry and the link while holding a reference,
	// the way an open-but-deleted file ends up.
	dirp, name, err := proc.ResolveParent("/d/doomed")
	require.NoError(t, err)
	require.NoError(t, it.Lock(dirp))
	require.NoError(t, dir.Unlink(dirp, name))
	require.NoError(t, it.Unlock(dirp))
	require.NoError(t, it.Put(dirp))

	require.NoError(t, it.Lock(rip))
	rip.Nlink = 0
	require.NoError(t, it.Update(rip))
	require.NoError(t, it.Unlock(rip))
	require.NoError(t, tfs.Sync())

	require.NoError(t, it.Put(rip))
	require.NoError(t, tfs.Sync())

	// The inode number is free for the next allocation.
	again, err := it.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, inum, again.Inum)
	require.NoError(t, it.Put(again))
}
