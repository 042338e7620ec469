// Package fs wires the file system together: it mounts devices into the
// block cache, log, allocator and inode table, hands out process handles
// with a working directory, and resolves path names.
package fs

import (
	"io"
	"log/slog"
	"os"

	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/bcache"
	"github.com/tinyos/tinyfs/bitmap"
	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/inode"
	"github.com/tinyos/tinyfs/wal"
)

const rootDevice = 0

type FileSystem struct {
	devices []common.BlockDevice
	devinfo []*common.DeviceInfo

	bcache common.BlockCache
	itable *inode.Table
	wlog   *wal.Log
	devtab *common.DevTable

	log *slog.Logger
}

// OpenFileSystemFile mounts the file system image stored in a regular file.
func OpenFileSystemFile(filename string, logger *slog.Logger) (*FileSystem, *Process, error) {
	f, err := os.OpenFile(filename, os.O_RDWR, 0666)
	if err != nil {
		return nil, nil, logex.Trace(err)
	}
	return NewFileSystem(f, logger)
}

// NewFileSystem mounts dev as the root device and returns the file system
// along with the root process, whose working directory is the root
// directory. Any transaction the log committed but did not finish
// installing is replayed first.
func NewFileSystem(dev common.BlockDevice, logger *slog.Logger) (*FileSystem, *Process, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fs := &FileSystem{
		devices: make([]common.BlockDevice, common.NumDevices),
		devinfo: make([]*common.DeviceInfo, common.NumDevices),
		bcache:  bcache.New(common.NumDevices, 128),
		devtab:  common.NewDevTable(),
		log:     logger,
	}
	fs.wlog = wal.New(fs.bcache)
	fs.itable = inode.NewTable(fs.bcache, common.NumInodeSlots)

	proc, err := fs.mountRoot(dev)
	if err != nil {
		return nil, nil, logex.Trace(err)
	}
	return fs, proc, nil
}

func (fs *FileSystem) mountRoot(dev common.BlockDevice) (*Process, error) {
	if err := fs.bcache.MountDevice(rootDevice, dev); err != nil {
		return nil, logex.Trace(err)
	}

	// Validates the superblock and replays the log before anything else
	// reads through the cache.
	if err := fs.wlog.MountDevice(rootDevice, dev); err != nil {
		fs.bcache.UnmountDevice(rootDevice)
		return nil, logex.Trace(err)
	}
	proc, err := fs.attachRoot(dev)
	if err != nil {
		// Unwind in reverse mount order so a failed mount holds no
		// device state.
		fs.itable.UnmountDevice(rootDevice)
		fs.wlog.UnmountDevice(rootDevice)
		fs.bcache.UnmountDevice(rootDevice)
		fs.devices[rootDevice] = nil
		fs.devinfo[rootDevice] = nil
		return nil, logex.Trace(err)
	}
	return proc, nil
}

func (fs *FileSystem) attachRoot(dev common.BlockDevice) (*Process, error) {
	sb, err := common.ReadSuperblock(fs.bcache, rootDevice)
	if err != nil {
		return nil, logex.Trace(err)
	}
	fs.log.Info("mounted device",
		"devnum", rootDevice,
		"blocks", sb.Size,
		"inodes", sb.NInodes)

	info := &common.DeviceInfo{
		Devnum:  rootDevice,
		Alloc:   bitmap.New(fs.bcache, fs.wlog),
		Log:     fs.wlog,
		Devices: fs.devtab,
	}
	fs.itable.MountDevice(rootDevice, info)
	fs.devices[rootDevice] = dev
	fs.devinfo[rootDevice] = info

	root, err := fs.itable.Get(rootDevice, common.RootInum)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return &Process{fs: fs, workdir: root}, nil
}

// Itable exposes the inode table for callers layered above this package.
func (fs *FileSystem) Itable() common.InodeTbl { return fs.itable }

// Devtab exposes the device handler registry.
func (fs *FileSystem) Devtab() *common.DevTable { return fs.devtab }

// Sync commits the pending log transaction of every mounted device.
func (fs *FileSystem) Sync() error {
	for devnum := range fs.devices {
		if fs.devices[devnum] == nil {
			continue
		}
		if err := fs.wlog.Commit(devnum); err != nil {
			return logex.Trace(err)
		}
	}
	return nil
}

// Shutdown commits outstanding work and detaches all devices. Inodes still
// referenced (beyond the callers' released processes) make it fail.
func (fs *FileSystem) Shutdown() error {
	if err := fs.Sync(); err != nil {
		return logex.Trace(err)
	}
	for devnum := range fs.devices {
		if fs.devices[devnum] == nil {
			continue
		}
		if err := fs.itable.UnmountDevice(devnum); err != nil {
			return logex.Trace(err)
		}
		if err := fs.wlog.UnmountDevice(devnum); err != nil {
			return logex.Trace(err)
		}
		if err := fs.bcache.UnmountDevice(devnum); err != nil {
			return logex.Trace(err)
		}
		fs.devices[devnum] = nil
		fs.devinfo[devnum] = nil
	}
	return nil
}
