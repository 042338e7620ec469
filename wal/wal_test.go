package wal_test

import (
	"encoding/binary"
	"testing"

	"github.com/chzyer/logex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyos/tinyfs/bcache"
	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/testutils"
	"github.com/tinyos/tinyfs/wal"
)

const (
	testBlocks = 256
	testInodes = 32
)

func newLog(t *testing.T) (*wal.Log, *bcache.Cache, *testutils.MemDevice, *common.Superblock) {
	t.Helper()
	dev := testutils.NewImageDevice(t, testBlocks, testInodes)
	cache := bcache.New(common.NumDevices, 64)
	require.NoError(t, cache.MountDevice(0, dev))
	l := wal.New(cache)
	require.NoError(t, l.MountDevice(0, dev))
	sb, err := common.ReadSuperblock(cache, 0)
	require.NoError(t, err)
	return l, cache, dev, sb
}

func readRaw(t *testing.T, dev *testutils.MemDevice, bnum int) []byte {
	t.Helper()
	data := make([]byte, common.BlockSize)
	_, err := dev.ReadAt(data, int64(bnum)*common.BlockSize)
	require.NoError(t, err)
	return data
}

func TestCommitInstallsAtHome(t *testing.T) {
	l, cache, dev, sb := newLog(t)
	bnum := sb.DataStart()

	cb, err := cache.GetBlock(0, bnum)
	require.NoError(t, err)
	cb.Data[0] = 0x5A
	require.NoError(t, l.RegisterDirty(cb))
	require.NoError(t, cache.PutBlock(cb))

	// Nothing reaches the home location before the group commits.
	assert.Equal(t, byte(0), readRaw(t, dev, bnum)[0])

	require.NoError(t, l.Commit(0))
	assert.Equal(t, byte(0x5A), readRaw(t, dev, bnum)[0])

	// Header retired: no pending transaction remains.
	hdr := readRaw(t, dev, sb.LogStart())
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(hdr))
}

func TestRegisterDirtyDeduplicates(t *testing.T) {
	l, cache, dev, sb := newLog(t)
	bnum := sb.DataStart()

	cb, err := cache.GetBlock(0, bnum)
	require.NoError(t, err)
	cb.Data[0] = 1
	require.NoError(t, l.RegisterDirty(cb))
	cb.Data[0] = 2
	require.NoError(t, l.RegisterDirty(cb))
	require.NoError(t, cache.PutBlock(cb))

	require.NoError(t, l.Commit(0))
	assert.Equal(t, byte(2), readRaw(t, dev, bnum)[0])
	assert.False(t, cb.Dirty)
}

func TestRegisterDirtyCapsTransaction(t *testing.T) {
	l, cache, _, sb := newLog(t)

	var held []*common.CacheBlock
	for i := 0; i < common.LogBlocks; i++ {
		cb, err := cache.GetBlock(0, sb.DataStart()+i)
		require.NoError(t, err)
		require.NoError(t, l.RegisterDirty(cb))
		held = append(held, cb)
	}

	cb, err := cache.GetBlock(0, sb.DataStart()+common.LogBlocks)
	require.NoError(t, err)
	err = l.RegisterDirty(cb)
	assert.True(t, logex.Equal(err, common.ErrLogFull))
	assert.False(t, cb.Dirty, "overflowing block must stay evictable")

	require.NoError(t, cache.PutBlock(cb))
	for _, cb := range held {
		require.NoError(t, cache.PutBlock(cb))
	}
	require.NoError(t, l.Commit(0))
}

func TestReplayInstallsCommittedTransaction(t *testing.T) {
	dev := testutils.NewImageDevice(t, testBlocks, testInodes)

	// Forge the state a crash leaves between the header write and the
	// home installs: payload in the log slot, count in the header.
	var sbBuf [common.BlockSize]byte
	_, err := dev.ReadAt(sbBuf[:], common.SuperBlock*common.BlockSize)
	require.NoError(t, err)
	sb, err := common.DecodeSuperblock(sbBuf[:])
	require.NoError(t, err)

	home := sb.DataStart() + 2
	payload := make([]byte, common.BlockSize)
	for i := range payload {
		payload[i] = 0xC3
	}
	_, err = dev.WriteAt(payload, int64(sb.LogStart()+1)*common.BlockSize)
	require.NoError(t, err)

	hdr := make([]byte, common.BlockSize)
	binary.LittleEndian.PutUint32(hdr, 1)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(home))
	_, err = dev.WriteAt(hdr, int64(sb.LogStart())*common.BlockSize)
	require.NoError(t, err)

	cache := bcache.New(common.NumDevices, 64)
	require.NoError(t, cache.MountDevice(0, dev))
	l := wal.New(cache)
	require.NoError(t, l.MountDevice(0, dev))

	got := readRaw(t, dev, home)
	assert.Equal(t, byte(0xC3), got[0])
	assert.Equal(t, byte(0xC3), got[common.BlockSize-1])

	hdr = readRaw(t, dev, sb.LogStart())
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(hdr))

	require.NoError(t, l.UnmountDevice(0))
}

func TestUncommittedChangesInvisibleAfterRestart(t *testing.T) {
	l, cache, dev, sb := newLog(t)
	bnum := sb.DataStart()

	cb, err := cache.GetBlock(0, bnum)
	require.NoError(t, err)
	cb.Data[0] = 0x77
	require.NoError(t, l.RegisterDirty(cb))
	require.NoError(t, cache.PutBlock(cb))

	// Crash before commit: the device was never written, so a fresh mount
	// sees the old contents.
	snap := dev.Snapshot()
	dev2 := testutils.NewMemDevice(testBlocks)
	dev2.Restore(snap)

	cache2 := bcache.New(common.NumDevices, 64)
	require.NoError(t, cache2.MountDevice(0, dev2))
	l2 := wal.New(cache2)
	require.NoError(t, l2.MountDevice(0, dev2))

	cb2, err := cache2.GetBlock(0, bnum)
	require.NoError(t, err)
	assert.Equal(t, byte(0), cb2.Data[0])
	require.NoError(t, cache2.PutBlock(cb2))
}
