// Package testutils provides in-memory block devices and ready-made file
// system images for package tests.
package testutils

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/mkfs"
)

// MemDevice is a ramdisk block device backed by a byte slice.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

func NewMemDevice(blocks int) *MemDevice {
	return &MemDevice{data: make([]byte, blocks*common.BlockSize)}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(d.data[off:], p), nil
}

// Snapshot copies the raw device contents, for crash simulation in tests.
func (d *MemDevice) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// Restore replaces the raw device contents from an earlier Snapshot.
func (d *MemDevice) Restore(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data, data)
}

// NewImageDevice returns a ramdisk of the given geometry carrying a fresh
// file system image.
func NewImageDevice(t *testing.T, blocks, inodes int) *MemDevice {
	t.Helper()
	dev := NewMemDevice(blocks)
	_, err := mkfs.Build(dev, mkfs.Options{Blocks: blocks, Inodes: inodes})
	require.NoError(t, err, "building test image")
	return dev
}
