package memfscore

import (
	"encoding/binary"
	"sync"
	"time"
)

// InodeSize is the fixed, cache-line-aligned size of a serialized Inode
// record, per spec.md §3.
const InodeSize = 64

// inodeDataSize is the size of the inline data area: either small-file
// bytes or up to 2 inline extent descriptors (16 bytes each).
const inodeDataSize = 32

// Inode is the fixed 64-byte inode record described in spec.md §3:
//
//	inode_num:u32, nlink:u16, mode:u16, atime:u32, mtime:u32, ctime:u32,
//	size:u64, xattr_head:u32, data[32]
type Inode struct {
	InodeNum  uint32
	NLink     uint16
	Mode      uint16
	Atime     uint32
	Mtime     uint32
	Ctime     uint32
	Size      uint64
	XattrHead uint32
	Data      [inodeDataSize]byte
}

// MarshalBinary encodes the inode to its fixed 64-byte little-endian
// wire form. Field-by-field encoding (rather than an unsafe struct cast)
// matches the teacher's own binary.Read/Write usage and keeps the layout
// portable across platforms.
func (ino *Inode) MarshalBinary() []byte {
	buf := make([]byte, InodeSize)
	binary.LittleEndian.PutUint32(buf[0:4], ino.InodeNum)
	binary.LittleEndian.PutUint16(buf[4:6], ino.NLink)
	binary.LittleEndian.PutUint16(buf[6:8], ino.Mode)
	binary.LittleEndian.PutUint32(buf[8:12], ino.Atime)
	binary.LittleEndian.PutUint32(buf[12:16], ino.Mtime)
	binary.LittleEndian.PutUint32(buf[16:20], ino.Ctime)
	binary.LittleEndian.PutUint64(buf[20:28], ino.Size)
	binary.LittleEndian.PutUint32(buf[28:32], ino.XattrHead)
	copy(buf[32:64], ino.Data[:])
	return buf
}

// UnmarshalInode decodes a 64-byte little-endian record produced by
// MarshalBinary.
func UnmarshalInode(buf []byte) (*Inode, error) {
	if len(buf) < InodeSize {
		return nil, ErrInvalid
	}
	ino := &Inode{
		InodeNum:  binary.LittleEndian.Uint32(buf[0:4]),
		NLink:     binary.LittleEndian.Uint16(buf[4:6]),
		Mode:      binary.LittleEndian.Uint16(buf[6:8]),
		Atime:     binary.LittleEndian.Uint32(buf[8:12]),
		Mtime:     binary.LittleEndian.Uint32(buf[12:16]),
		Ctime:     binary.LittleEndian.Uint32(buf[16:20]),
		Size:      binary.LittleEndian.Uint64(buf[20:28]),
		XattrHead: binary.LittleEndian.Uint32(buf[28:32]),
	}
	copy(ino.Data[:], buf[32:64])
	return ino, nil
}

// inodeSlot is a table slot: either a live inode or free.
type inodeSlot struct {
	live bool
	ino  Inode
}

// InodeTable allocates inode numbers, stores fixed 64-byte inode
// records, and provides O(1) lookup by inode number via a chained hash
// table, per spec.md §4.C.
type InodeTable struct {
	mu sync.RWMutex

	slots       []inodeSlot
	nextInode   uint32
	hashBuckets [][]uint32 // bucket -> slot indices
	numToSlot   map[uint32]int
	freeSlots   []int
	capacity    int
}

// NewInodeTable creates a table with the given slot capacity and hash
// bucket count.
func NewInodeTable(capacity int, hashCapacity uint32) *InodeTable {
	if hashCapacity == 0 {
		hashCapacity = 1024
	}
	return &InodeTable{
		slots:       make([]inodeSlot, 0, capacity),
		nextInode:   1,
		hashBuckets: make([][]uint32, hashCapacity),
		numToSlot:   make(map[uint32]int, capacity),
		capacity:    capacity,
	}
}

func (t *InodeTable) bucketFor(inodeNum uint32) uint32 {
	return inodeHash(inodeNum, uint32(len(t.hashBuckets)))
}

// Alloc assigns the next monotonically increasing inode number, sets
// nlink=1, stamps atime/mtime/ctime to now, and stores mode. Returns 0
// on failure (table at capacity), per spec.md §4.C's "0 = failure".
func (t *InodeTable) Alloc(mode uint16) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var slotIdx int
	if len(t.freeSlots) > 0 {
		slotIdx = t.freeSlots[len(t.freeSlots)-1]
		t.freeSlots = t.freeSlots[:len(t.freeSlots)-1]
	} else {
		if t.capacity > 0 && len(t.slots) >= t.capacity {
			return 0
		}
		t.slots = append(t.slots, inodeSlot{})
		slotIdx = len(t.slots) - 1
	}

	num := t.nextInode
	t.nextInode++

	now := uint32(time.Now().Unix())
	t.slots[slotIdx] = inodeSlot{
		live: true,
		ino: Inode{
			InodeNum: num,
			NLink:    1,
			Mode:     mode,
			Atime:    now,
			Mtime:    now,
			Ctime:    now,
		},
	}

	bucket := t.bucketFor(num)
	t.hashBuckets[bucket] = append(t.hashBuckets[bucket], uint32(slotIdx))
	t.numToSlot[num] = slotIdx

	return num
}

// findSlot walks the collision chain for inodeNum, returning the slot
// index or -1. Must be called with the table lock held.
func (t *InodeTable) findSlot(inodeNum uint32) int {
	bucket := t.bucketFor(inodeNum)
	for _, idx := range t.hashBuckets[bucket] {
		if int(idx) < len(t.slots) && t.slots[idx].live && t.slots[idx].ino.InodeNum == inodeNum {
			return int(idx)
		}
	}
	return -1
}

// Lookup returns a copy of the inode record for inodeNum, or
// (Inode{}, false). Copying (rather than returning a pointer into the
// table) sidesteps the "callers must not cache pointers across an
// unlock" caveat in §4.C by construction.
func (t *InodeTable) Lookup(inodeNum uint32) (Inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := t.findSlot(inodeNum)
	if idx < 0 {
		return Inode{}, false
	}
	return t.slots[idx].ino, true
}

// Link increments nlink, capping at 65535, and bumps ctime.
func (t *InodeTable) Link(inodeNum uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSlot(inodeNum)
	if idx < 0 {
		return ErrNotFound
	}
	if t.slots[idx].ino.NLink >= 65535 {
		return ErrTooManyLinks
	}
	t.slots[idx].ino.NLink++
	t.slots[idx].ino.Ctime = uint32(time.Now().Unix())
	return nil
}

// Unlink decrements nlink; when it reaches 0 the slot and its hash entry
// are freed (and the slot is queued for reuse).
func (t *InodeTable) Unlink(inodeNum uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSlot(inodeNum)
	if idx < 0 {
		return ErrNotFound
	}
	t.slots[idx].ino.NLink--
	if t.slots[idx].ino.NLink == 0 {
		t.removeHashEntry(inodeNum, idx)
		t.slots[idx] = inodeSlot{}
		t.freeSlots = append(t.freeSlots, idx)
		delete(t.numToSlot, inodeNum)
	}
	return nil
}

func (t *InodeTable) removeHashEntry(inodeNum uint32, idx int) {
	bucket := t.bucketFor(inodeNum)
	chain := t.hashBuckets[bucket]
	for i, v := range chain {
		if int(v) == idx {
			t.hashBuckets[bucket] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}

// Update updates size and mtime and bumps ctime.
func (t *InodeTable) Update(inodeNum uint32, size uint64, mtime uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSlot(inodeNum)
	if idx < 0 {
		return ErrNotFound
	}
	t.slots[idx].ino.Size = size
	t.slots[idx].ino.Mtime = mtime
	t.slots[idx].ino.Ctime = uint32(time.Now().Unix())
	return nil
}

// mutate runs fn against the live inode at inodeNum under the table's
// write lock, used internally by components (extent map) that need to
// modify the inline data area atomically with respect to other table
// mutators.
func (t *InodeTable) mutate(inodeNum uint32, fn func(*Inode) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findSlot(inodeNum)
	if idx < 0 {
		return ErrNotFound
	}
	return fn(&t.slots[idx].ino)
}

// InodeTableStats reports occupancy, per §9.
type InodeTableStats struct {
	LiveInodes int
	Capacity   int
	NextInode  uint32
}

func (t *InodeTable) Stats() InodeTableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return InodeTableStats{
		LiveInodes: len(t.numToSlot),
		Capacity:   t.capacity,
		NextInode:  t.nextInode,
	}
}
