// Package inode keeps the fixed-size table of in-memory inodes.
//
// An inode and its in-memory copy go through a sequence of states before
// the rest of the file system can use them:
//
//   - Allocated: an inode is allocated on disk if its type is non-zero.
//     Alloc claims one; Put frees it again once the link count has fallen
//     to zero and the last in-memory reference is dropped.
//   - Referenced: a table slot is free while its Count is zero, otherwise
//     Count tracks the in-memory holders (open files, working
//     directories). Get finds or claims a slot; Put drops a reference.
//   - Valid: the copied disk fields are only correct once Lock has read
//     them in and set the valid flag; Put clears it when Count reaches
//     zero.
//   - Locked: content fields may only be examined or changed while the
//     busy flag is held. Lock suspends the caller until the flag is free.
//
// The typical sequence is
//
//	rip, err := tbl.Get(devnum, inum)
//	err = tbl.Lock(rip)
//	... examine and modify rip ...
//	tbl.Unlock(rip)
//	tbl.Put(rip)
//
// Lock is separate from Get so a caller can hold a long-term reference,
// locking only for short periods, and so pathname lookup can release the
// current directory before descending.
package inode

import (
	"sync"

	"github.com/chzyer/logex"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/content"
)

type Table struct {
	bcache  common.BlockCache
	devinfo []*common.DeviceInfo

	// mu serializes every identity transition (claim, refcount, busy and
	// valid flags) across the whole table; conds[i] wakes waiters for
	// slot i's busy flag.
	mu    sync.Mutex
	slots []*common.Inode
	conds []*sync.Cond
}

var _ common.InodeTbl = (*Table)(nil)

func NewTable(bcache common.BlockCache, size int) *Table {
	t := &Table{
		bcache:  bcache,
		devinfo: make([]*common.DeviceInfo, common.NumDevices),
		slots:   make([]*common.Inode, size),
		conds:   make([]*sync.Cond, size),
	}
	for i := range t.slots {
		rip := new(common.Inode)
		rip.Devnum = common.NoDev
		rip.Bcache = bcache
		rip.Icache = t
		t.slots[i] = rip
		t.conds[i] = sync.NewCond(&t.mu)
	}
	return t
}

func (t *Table) MountDevice(devnum int, info *common.DeviceInfo) {
	t.mu.Lock()
	t.devinfo[devnum] = info
	t.mu.Unlock()
}

func (t *Table) UnmountDevice(devnum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rip := range t.slots {
		if rip.Count > 0 && rip.Devnum == devnum {
			return common.ErrBusy.Trace()
		}
	}
	t.devinfo[devnum] = nil
	return nil
}

// Get finds the in-memory inode for (devnum, inum), claiming a free slot
// on a miss. It neither locks the inode nor reads it from disk. The scan
// and the claim happen under one table lock, so concurrent gets for the
// same identity always converge on a single slot.
func (t *Table) Get(devnum, inum int) (*common.Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var empty *common.Inode
	for _, rip := range t.slots {
		if rip.Count > 0 {
			if rip.Devnum == devnum && rip.Inum == inum {
				rip.Count++
				return rip, nil
			}
		} else if empty == nil {
			empty = rip
		}
	}
	if empty == nil {
		return nil, common.ErrTableFull.Trace()
	}

	empty.Devnum = devnum
	empty.Inum = inum
	empty.Count = 1
	empty.Valid = false
	empty.Busy = false
	empty.Dirty = false
	empty.Devinfo = t.devinfo[devnum]
	return empty, nil
}

// Dup takes an additional long-lived reference without locking, for
// handing out a second holder such as a process working directory.
func (t *Table) Dup(rip *common.Inode) *common.Inode {
	t.mu.Lock()
	rip.Count++
	t.mu.Unlock()
	return rip
}

// Lock acquires exclusive access to the inode's content fields, suspending
// while another holder has it busy, and reads the disk inode on first use.
func (t *Table) Lock(rip *common.Inode) error {
	if rip == nil {
		return common.ErrNotReferenced.Trace()
	}

	t.mu.Lock()
	if rip.Count < 1 {
		t.mu.Unlock()
		return common.ErrNotReferenced.Trace()
	}
	idx := t.slotIndex(rip)
	for rip.Busy {
		t.conds[idx].Wait()
	}
	rip.Busy = true
	t.mu.Unlock()

	if rip.Valid {
		return nil
	}
	dip, err := t.readDiskInode(rip.Devnum, rip.Inum)
	if err == nil && dip.Type == common.TypeNone {
		// A referenced inode must be allocated on disk; a hit on a free
		// one means the table and the disk disagree.
		err = common.ErrFreeInode.Trace()
	}
	if err != nil {
		t.mu.Lock()
		rip.Busy = false
		t.conds[idx].Broadcast()
		t.mu.Unlock()
		return logex.Trace(err)
	}
	rip.DiskInode = *dip
	rip.Valid = true
	return nil
}

// Unlock releases exclusive access and wakes any waiters.
func (t *Table) Unlock(rip *common.Inode) error {
	if rip == nil {
		return common.ErrNotLocked.Trace()
	}
	t.mu.Lock()
	if !rip.Busy || rip.Count < 1 {
		t.mu.Unlock()
		return common.ErrNotLocked.Trace()
	}
	idx := t.slotIndex(rip)
	rip.Busy = false
	t.conds[idx].Broadcast()
	t.mu.Unlock()
	return nil
}

// Put drops one reference. When the last reference to an unlinked inode is
// dropped, its content is truncated and the disk inode freed before the
// slot becomes reusable; exclusivity is held across the whole teardown so
// no other holder can observe a half-destroyed inode.
func (t *Table) Put(rip *common.Inode) error {
	if rip == nil {
		return nil
	}
	t.mu.Lock()
	if rip.Count < 1 {
		t.mu.Unlock()
		return common.ErrNotReferenced.Trace()
	}

	if rip.Count == 1 && rip.Valid && rip.Nlink == 0 {
		if rip.Busy {
			t.mu.Unlock()
			return common.ErrBusy.Trace()
		}
		idx := t.slotIndex(rip)
		rip.Busy = true
		t.mu.Unlock()

		err := content.Truncate(rip)
		if err == nil {
			rip.Type = common.TypeNone
			err = t.Update(rip)
		}

		t.mu.Lock()
		rip.Busy = false
		rip.Valid = false
		t.conds[idx].Broadcast()
		rip.Count--
		t.mu.Unlock()
		return logex.Trace(err)
	}

	rip.Count--
	t.mu.Unlock()
	return nil
}

// Alloc claims a free on-disk inode (type zero) on the device, marks it
// allocated through the log and returns a referenced table entry for it.
func (t *Table) Alloc(devnum int, typ int16) (*common.Inode, error) {
	sb, err := common.ReadSuperblock(t.bcache, devnum)
	if err != nil {
		return nil, logex.Trace(err)
	}

	t.mu.Lock()
	info := t.devinfo[devnum]
	t.mu.Unlock()
	if info == nil {
		return nil, common.ErrNoDevice.Trace()
	}

	for inum := 1; inum < int(sb.NInodes); inum++ {
		bp, err := t.bcache.GetBlock(devnum, sb.InodeBlockNum(inum))
		if err != nil {
			return nil, logex.Trace(err)
		}
		dip, err := common.DecodeInode(bp.Data, inum)
		if err != nil {
			t.bcache.PutBlock(bp)
			return nil, logex.Trace(err)
		}
		if dip.Type != common.TypeNone {
			t.bcache.PutBlock(bp)
			continue
		}

		// Reserve the table slot before claiming the disk inode, so a
		// full table cannot strand a claimed inode nothing references.
		rip, err := t.Get(devnum, inum)
		if err != nil {
			t.bcache.PutBlock(bp)
			return nil, logex.Trace(err)
		}
		*dip = common.DiskInode{Type: typ}
		common.EncodeInode(dip, bp.Data, inum)
		if err := info.Log.RegisterDirty(bp); err != nil {
			t.bcache.PutBlock(bp)
			t.Put(rip)
			return nil, logex.Trace(err)
		}
		t.bcache.PutBlock(bp)
		return rip, nil
	}
	return nil, common.ErrNoInodes.Trace()
}

// Update copies the in-memory inode to its disk record through the log.
func (t *Table) Update(rip *common.Inode) error {
	sb, err := common.ReadSuperblock(t.bcache, rip.Devnum)
	if err != nil {
		return logex.Trace(err)
	}
	bp, err := t.bcache.GetBlock(rip.Devnum, sb.InodeBlockNum(rip.Inum))
	if err != nil {
		return logex.Trace(err)
	}
	common.EncodeInode(&rip.DiskInode, bp.Data, rip.Inum)
	rip.Dirty = false
	if err := rip.Devinfo.Log.RegisterDirty(bp); err != nil {
		t.bcache.PutBlock(bp)
		return logex.Trace(err)
	}
	return t.bcache.PutBlock(bp)
}

func (t *Table) readDiskInode(devnum, inum int) (*common.DiskInode, error) {
	sb, err := common.ReadSuperblock(t.bcache, devnum)
	if err != nil {
		return nil, logex.Trace(err)
	}
	bp, err := t.bcache.GetBlock(devnum, sb.InodeBlockNum(inum))
	if err != nil {
		return nil, logex.Trace(err)
	}
	dip, err := common.DecodeInode(bp.Data, inum)
	t.bcache.PutBlock(bp)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return dip, nil
}

// Callers hold pointers, not slot ids; the table is small enough that a
// scan is how a slot is found again.
func (t *Table) slotIndex(rip *common.Inode) int {
	for i, s := range t.slots {
		if s == rip {
			return i
		}
	}
	panic("inode does not belong to this table")
}
