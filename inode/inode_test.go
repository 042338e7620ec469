package inode_test

import (
	"sync"
	"testing"
	"time"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyos/tinyfs/bcache"
	"github.com/tinyos/tinyfs/bitmap"
	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/content"
	"github.com/tinyos/tinyfs/inode"
	"github.com/tinyos/tinyfs/testutils"
	"github.com/tinyos/tinyfs/wal"
)

const (
	testBlocks = 128
	testInodes = 16
)

type harness struct {
	cache *bcache.Cache
	wlog  *wal.Log
	table *inode.Table
}

func newHarness(t *testing.T, slots int) *harness {
	t.Helper()
	dev := testutils.NewImageDevice(t, testBlocks, testInodes)
	cache := bcache.New(common.NumDevices, 64)
	require.NoError(t, cache.MountDevice(0, dev))
	wlog := wal.New(cache)
	require.NoError(t, wlog.MountDevice(0, dev))

	table := inode.NewTable(cache, slots)
	table.MountDevice(0, &common.DeviceInfo{
		Devnum:  0,
		Alloc:   bitmap.New(cache, wlog),
		Log:     wlog,
		Devices: common.NewDevTable(),
	})
	return &harness{cache: cache, wlog: wlog, table: table}
}

func TestGetAliasesOneSlot(t *testing.T) {
	h := newHarness(t, 8)

	a, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	b, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	assert.Same(t, a, b, "same identity must share a slot")
	assert.Equal(t, 2, a.Count)

	require.NoError(t, h.table.Put(a))
	require.NoError(t, h.table.Put(b))
	assert.Equal(t, 0, a.Count)
}

func TestLockReadsDiskInode(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	assert.False(t, rip.Valid, "get must not touch the disk")

	require.NoError(t, h.table.Lock(rip))
	assert.True(t, rip.Valid)
	assert.True(t, rip.IsDirectory())
	assert.Equal(t, uint32(2*common.DirentSize), rip.Size)

	require.NoError(t, h.table.Unlock(rip))
	require.NoError(t, h.table.Put(rip))
}

func TestLockFreeInode(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Get(0, 5)
	require.NoError(t, err)
	err = h.table.Lock(rip)
	assert.True(t, logex.Equal(err, common.ErrFreeInode))
	assert.False(t, rip.Busy, "failed lock must not leave the inode busy")
	require.NoError(t, h.table.Put(rip))
}

func TestLockSuspendsSecondHolder(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	require.NoError(t, h.table.Lock(rip))

	other := h.table.Dup(rip)
	acquired := make(chan struct{})
	go func() {
		if err := h.table.Lock(other); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.table.Unlock(rip))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	require.NoError(t, h.table.Unlock(other))
	require.NoError(t, h.table.Put(other))
	require.NoError(t, h.table.Put(rip))
}

func TestLockUnreferencedFails(t *testing.T) {
	h := newHarness(t, 8)
	err := h.table.Lock(nil)
	assert.True(t, logex.Equal(err, common.ErrNotReferenced))
}

func TestUnlockNotLockedFails(t *testing.T) {
	h := newHarness(t, 8)
	rip, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	err = h.table.Unlock(rip)
	assert.True(t, logex.Equal(err, common.ErrNotLocked))
	require.NoError(t, h.table.Put(rip))
}

func TestTableFull(t *testing.T) {
	h := newHarness(t, 2)

	a, err := h.table.Get(0, 1)
	require.NoError(t, err)
	b, err := h.table.Get(0, 2)
	require.NoError(t, err)

	_, err = h.table.Get(0, 3)
	assert.True(t, logex.Equal(err, common.ErrTableFull))

	require.NoError(t, h.table.Put(a))
	require.NoError(t, h.table.Put(b))
}

func TestAllocClaimsLowestFreeInode(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	first := rip.Inum
	assert.Equal(t, common.RootInum+1, first, "scan starts after the root")

	require.NoError(t, h.table.Lock(rip))
	assert.True(t, rip.IsRegular())
	assert.Equal(t, int16(0), rip.Nlink)
	rip.Nlink = 1
	require.NoError(t, h.table.Update(rip))
	require.NoError(t, h.table.Unlock(rip))
	require.NoError(t, h.table.Put(rip))
	require.NoError(t, h.wlog.Commit(0))

	// The claim is durable, so the next alloc moves past it.
	next, err := h.table.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, first+1, next.Inum)
	require.NoError(t, h.table.Put(next))
}

func TestAllocExhaustsInodeTable(t *testing.T) {
	h := newHarness(t, testInodes+1)

	var held []*common.Inode
	for inum := common.RootInum + 1; inum < testInodes; inum++ {
		rip, err := h.table.Alloc(0, common.TypeFile)
		require.NoError(t, err)
		require.NoError(t, h.table.Lock(rip))
		rip.Nlink = 1
		require.NoError(t, h.table.Update(rip))
		require.NoError(t, h.table.Unlock(rip))
		held = append(held, rip)
		require.NoError(t, h.wlog.Commit(0))
	}

	_, err := h.table.Alloc(0, common.TypeFile)
	assert.True(t, logex.Equal(err, common.ErrNoInodes))

	for _, rip := range held {
		require.NoError(t, h.table.Lock(rip))
		rip.Nlink = 0
		require.NoError(t, h.table.Update(rip))
		require.NoError(t, h.table.Unlock(rip))
		require.NoError(t, h.table.Put(rip))
	}
	require.NoError(t, h.wlog.Commit(0))
}

func TestAllocFullTableClaimsNothing(t *testing.T) {
	h := newHarness(t, 1)

	root, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)

	_, err = h.table.Alloc(0, common.TypeFile)
	assert.True(t, logex.Equal(err, common.ErrTableFull))
	require.NoError(t, h.table.Put(root))

	// The failed alloc must not have claimed a disk inode: the lowest
	// free inum is still free once a slot opens up.
	rip, err := h.table.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, common.RootInum+1, rip.Inum)
	require.NoError(t, h.table.Put(rip))
}

func TestConcurrentLockCycles(t *testing.T) {
	h := newHarness(t, 8)

	root, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				rip := h.table.Dup(root)
				if err := h.table.Lock(rip); err != nil {
					t.Error(err)
					return
				}
				if err := h.table.Unlock(rip); err != nil {
					t.Error(err)
					return
				}
				if err := h.table.Put(rip); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, h.table.Put(root))
	assert.Equal(t, 0, root.Count)
}

func TestPutFreesUnlinkedInode(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	inum := rip.Inum

	require.NoError(t, h.table.Lock(rip))
	data := make([]byte, 3*common.BlockSize)
	for i := range data {
		data[i] = 0x42
	}
	n, err := content.Write(rip, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, h.table.Unlock(rip))
	require.NoError(t, h.wlog.Commit(0))

	// Last reference with no links: content is dropped and the disk
	// inode freed for the next alloc.
	require.NoError(t, h.table.Put(rip))
	require.NoError(t, h.wlog.Commit(0))

	again, err := h.table.Alloc(0, common.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, inum, again.Inum)
	require.NoError(t, h.table.Lock(again))
	assert.Equal(t, uint32(0), again.Size)
	require.NoError(t, h.table.Unlock(again))
	require.NoError(t, h.table.Put(again))
}

func TestUpdateSurvivesReload(t *testing.T) {
	h := newHarness(t, 8)

	rip, err := h.table.Get(0, common.RootInum)
	require.NoError(t, err)
	require.NoError(t, h.table.Lock(rip))
	rip.Nlink = 7
	require.NoError(t, h.table.Update(rip))
	require.NoError(t, h.table.Unlock(rip))
	require.NoError(t, h.table.Put(rip))

	// A second table over the same cache reads the record fresh.
	other := inode.NewTable(h.cache, 8)
	other.MountDevice(0, &common.DeviceInfo{Devnum: 0, Log: h.wlog, Devices: common.NewDevTable()})
	rip2, err := other.Get(0, common.RootInum)
	require.NoError(t, err)
	require.NoError(t, other.Lock(rip2))
	assert.Equal(t, int16(7), rip2.Nlink)
	require.NoError(t, other.Unlock(rip2))
	require.NoError(t, other.Put(rip2))
}
