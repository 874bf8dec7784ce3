package memfscore

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

// TreeNodeSize is the packed size of a serialized TreeNode record. The
// field list in spec form (inode:u64, parent_offset:u32, name_hash:u32,
// size:u32, timestamp:u32, child_count:u16, mode:u16,
// child_offsets[12]:u32) sums to 76 bytes; every listed field is packed
// faithfully rather than trimmed to force a round 64.
const TreeNodeSize = 76

// maxInlineChildren is the number of child offsets a TreeNode carries
// inline, per spec.md §3/§4.E.
const maxInlineChildren = 12

// rootNodeIndex is the array index (and parent_offset) of the root.
const rootNodeIndex = 0

// TreeNode is a directory-tree entry: array-addressed, referencing an
// inode plus up to 12 inline children. Parent/child traversal is an
// array load against a flat node slice, never a pointer chase.
type TreeNode struct {
	Inode        uint64
	ParentOffset uint32
	NameHash     uint32
	Size         uint32
	Timestamp    uint32
	ChildCount   uint16
	Mode         uint16
	ChildOffsets [maxInlineChildren]uint32
}

// MarshalBinary encodes a tree node to its packed little-endian form.
func (n *TreeNode) MarshalBinary() []byte {
	buf := make([]byte, TreeNodeSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.Inode)
	binary.LittleEndian.PutUint32(buf[8:12], n.ParentOffset)
	binary.LittleEndian.PutUint32(buf[12:16], n.NameHash)
	binary.LittleEndian.PutUint32(buf[16:20], n.Size)
	binary.LittleEndian.PutUint32(buf[20:24], n.Timestamp)
	binary.LittleEndian.PutUint16(buf[24:26], n.ChildCount)
	binary.LittleEndian.PutUint16(buf[26:28], n.Mode)
	for i, off := range n.ChildOffsets {
		binary.LittleEndian.PutUint32(buf[28+i*4:32+i*4], off)
	}
	return buf
}

func unmarshalTreeNode(buf []byte) TreeNode {
	var n TreeNode
	n.Inode = binary.LittleEndian.Uint64(buf[0:8])
	n.ParentOffset = binary.LittleEndian.Uint32(buf[8:12])
	n.NameHash = binary.LittleEndian.Uint32(buf[12:16])
	n.Size = binary.LittleEndian.Uint32(buf[16:20])
	n.Timestamp = binary.LittleEndian.Uint32(buf[20:24])
	n.ChildCount = binary.LittleEndian.Uint16(buf[24:26])
	n.Mode = binary.LittleEndian.Uint16(buf[26:28])
	for i := range n.ChildOffsets {
		n.ChildOffsets[i] = binary.LittleEndian.Uint32(buf[28+i*4 : 32+i*4])
	}
	return n
}

// DirectoryTree is the cache-aligned n-ary tree of spec.md §4.E: a flat
// node array addressed by uint32 index, a shared string table for
// names, and the inode table each node's Inode field refers into.
//
// Node-level child-list mutation is coarsened to the tree's single
// rwlock rather than one rwlock per node (spec.md §5 permits this:
// "per-tree rwlock plus, where required, per-node rwlock"); growing a
// slice of live per-node locks while a lock might be held is its own
// hazard, and the tree sizes the pack targets don't need the finer
// granularity to stay correct.
type DirectoryTree struct {
	mu sync.RWMutex

	nodes       []TreeNode
	nameOffsets []uint32 // string-table offset of each node's own name; a companion index, not part of the packed wire record
	live        []bool
	freeList    []uint32
	capacity    int

	strs   *StringTable
	inodes *InodeTable

	overflowEnabled  bool
	overflowChildren map[uint32][]uint32 // node index -> overflow child indices, opt-in per WithOverflowChildTable
}

// NewDirectoryTree creates a tree of the given node capacity and runs
// init(): root at index 0, mode dir|0755, name "/" interned.
func NewDirectoryTree(capacity int, strs *StringTable, inodes *InodeTable, overflowEnabled bool) (*DirectoryTree, error) {
	t := &DirectoryTree{
		nodes:            make([]TreeNode, 0, capacity),
		nameOffsets:      make([]uint32, 0, capacity),
		live:             make([]bool, 0, capacity),
		capacity:         capacity,
		strs:             strs,
		inodes:           inodes,
		overflowEnabled:  overflowEnabled,
		overflowChildren: make(map[uint32][]uint32),
	}
	if err := t.initRoot(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *DirectoryTree) initRoot() error {
	rootMode := uint16(S_IFDIR | 0755)
	inodeNum := t.inodes.Alloc(rootMode)
	if inodeNum == 0 {
		return ErrNoMemory
	}
	nameOff, err := t.strs.Intern("/")
	if err != nil {
		return err
	}
	t.nodes = append(t.nodes, TreeNode{
		Inode:        uint64(inodeNum),
		ParentOffset: rootNodeIndex,
		NameHash:     nameHash("/"),
		Mode:         rootMode,
	})
	t.nameOffsets = append(t.nameOffsets, nameOff)
	t.live = append(t.live, true)
	return nil
}

// Root returns the root node's index.
func (t *DirectoryTree) Root() uint32 { return rootNodeIndex }

// allocSlot reserves a node slot, reusing a freed one if available.
// Must be called with t.mu held for writing.
func (t *DirectoryTree) allocSlot() (uint32, bool) {
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		return idx, true
	}
	if len(t.nodes) >= t.capacity {
		return 0, false
	}
	idx := uint32(len(t.nodes))
	t.nodes = append(t.nodes, TreeNode{})
	t.nameOffsets = append(t.nameOffsets, 0)
	t.live = append(t.live, false)
	return idx, true
}

func (t *DirectoryTree) freeSlot(idx uint32) {
	t.live[idx] = false
	t.nodes[idx] = TreeNode{}
	t.nameOffsets[idx] = 0
	t.freeList = append(t.freeList, idx)
}

// findChild implements spec.md §4.E find_child: hash the name, linearly
// scan the parent's inline child_offsets (prefetching ahead by 4), and
// for each candidate compare name_hash before confirming via the string
// table. Must be called with t.mu held (read or write).
func (t *DirectoryTree) findChild(parentIdx uint32, name string) (uint32, bool) {
	h := nameHash(name)
	parent := &t.nodes[parentIdx]
	count := int(parent.ChildCount)
	inline := count
	if inline > maxInlineChildren {
		inline = maxInlineChildren
	}
	for i := 0; i < inline; i++ {
		if i+4 < inline {
			_ = parent.ChildOffsets[i+4] // prefetch-ahead-by-4 hint; inert in Go, see DESIGN.md
		}
		childIdx := parent.ChildOffsets[i]
		if t.nodes[childIdx].NameHash != h {
			continue
		}
		if childName, ok := t.strs.Get(t.nameOffsets[childIdx]); ok && childName == name {
			return childIdx, true
		}
	}
	if t.overflowEnabled {
		for _, childIdx := range t.overflowChildren[parentIdx] {
			if t.nodes[childIdx].NameHash != h {
				continue
			}
			if childName, ok := t.strs.Get(t.nameOffsets[childIdx]); ok && childName == name {
				return childIdx, true
			}
		}
	}
	return 0, false
}

// FindChild is the exported, locked form of findChild.
func (t *DirectoryTree) FindChild(parentIdx uint32, name string) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(parentIdx) >= len(t.nodes) || !t.live[parentIdx] {
		return 0, ErrNotFound
	}
	idx, ok := t.findChild(parentIdx, name)
	if !ok {
		return 0, ErrNotFound
	}
	return idx, nil
}

// PathLookup splits path on '/' and walks find_child from the root,
// returning ErrNotFound on the first miss.
func (t *DirectoryTree) PathLookup(path string) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := uint32(rootNodeIndex)
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return idx, nil
	}
	for _, comp := range strings.Split(trimmed, "/") {
		if comp == "" {
			continue
		}
		if int(idx) >= len(t.nodes) || !t.live[idx] {
			return 0, ErrNotFound
		}
		next, ok := t.findChild(idx, comp)
		if !ok {
			return 0, ErrNotFound
		}
		idx = next
	}
	return idx, nil
}

// Insert allocates a free slot, interns name, assigns a fresh inode,
// and appends to parentIdx's child list. All-or-nothing: if any step
// after the capacity/overflow check fails, partial allocations are
// rolled back.
func (t *DirectoryTree) Insert(parentIdx uint32, name string, mode uint16) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(parentIdx) >= len(t.nodes) || !t.live[parentIdx] {
		return 0, ErrNotFound
	}
	if t.nodes[parentIdx].Mode&S_IFDIR == 0 {
		return 0, ErrNotDirectory
	}
	if _, ok := t.findChild(parentIdx, name); ok {
		return 0, ErrExists
	}
	if int(t.nodes[parentIdx].ChildCount) >= maxInlineChildren && !t.overflowEnabled {
		return 0, ErrNoSpace
	}

	childIdx, hasRoom := t.allocSlot()
	if !hasRoom {
		return 0, ErrNoSpace
	}

	inodeNum := t.inodes.Alloc(mode)
	if inodeNum == 0 {
		t.freeSlot(childIdx)
		return 0, ErrNoMemory
	}

	nameOff, err := t.strs.Intern(name)
	if err != nil {
		_ = t.inodes.Unlink(inodeNum)
		t.freeSlot(childIdx)
		return 0, err
	}

	t.nodes[childIdx] = TreeNode{
		Inode:        uint64(inodeNum),
		ParentOffset: parentIdx,
		NameHash:     nameHash(name),
		Timestamp:    uint32(time.Now().Unix()),
		Mode:         mode,
	}
	t.nameOffsets[childIdx] = nameOff
	t.live[childIdx] = true
	t.attachChild(parentIdx, childIdx)

	return childIdx, nil
}

// LinkChild attaches a new tree entry named name under parentIdx that
// references an already-live inodeNum instead of allocating a fresh one,
// bumping that inode's nlink. This is create_file/create_dir's sibling
// for link(src,dst): same slot/child-list bookkeeping, but the inode
// identity is shared rather than minted.
func (t *DirectoryTree) LinkChild(parentIdx uint32, name string, inodeNum uint32, mode uint16) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(parentIdx) >= len(t.nodes) || !t.live[parentIdx] {
		return 0, ErrNotFound
	}
	if t.nodes[parentIdx].Mode&S_IFDIR == 0 {
		return 0, ErrNotDirectory
	}
	if _, ok := t.findChild(parentIdx, name); ok {
		return 0, ErrExists
	}
	if int(t.nodes[parentIdx].ChildCount) >= maxInlineChildren && !t.overflowEnabled {
		return 0, ErrNoSpace
	}

	childIdx, hasRoom := t.allocSlot()
	if !hasRoom {
		return 0, ErrNoSpace
	}

	if err := t.inodes.Link(inodeNum); err != nil {
		t.freeSlot(childIdx)
		return 0, err
	}

	nameOff, err := t.strs.Intern(name)
	if err != nil {
		_ = t.inodes.Unlink(inodeNum)
		t.freeSlot(childIdx)
		return 0, err
	}

	t.nodes[childIdx] = TreeNode{
		Inode:        uint64(inodeNum),
		ParentOffset: parentIdx,
		NameHash:     nameHash(name),
		Timestamp:    uint32(time.Now().Unix()),
		Mode:         mode,
	}
	t.nameOffsets[childIdx] = nameOff
	t.live[childIdx] = true
	t.attachChild(parentIdx, childIdx)

	return childIdx, nil
}

// attachChild appends childIdx to parentIdx's child list, inline while
// there is room, else to the overflow table. Must be called with t.mu
// held for writing.
func (t *DirectoryTree) attachChild(parentIdx, childIdx uint32) {
	parent := &t.nodes[parentIdx]
	if int(parent.ChildCount) < maxInlineChildren {
		parent.ChildOffsets[parent.ChildCount] = childIdx
	} else {
		t.overflowChildren[parentIdx] = append(t.overflowChildren[parentIdx], childIdx)
	}
	parent.ChildCount++
}

// removeChild removes childIdx from parentIdx's child list (inline,
// shifting remaining offsets left, or overflow). Must be called with
// t.mu held for writing.
func (t *DirectoryTree) removeChild(parentIdx, childIdx uint32) {
	parent := &t.nodes[parentIdx]
	inline := int(parent.ChildCount)
	if inline > maxInlineChildren {
		inline = maxInlineChildren
	}
	for i := 0; i < inline; i++ {
		if parent.ChildOffsets[i] == childIdx {
			copy(parent.ChildOffsets[i:], parent.ChildOffsets[i+1:inline])
			parent.ChildOffsets[inline-1] = 0
			if ov := t.overflowChildren[parentIdx]; len(ov) > 0 {
				// Refill the freed inline slot from the overflow table.
				parent.ChildOffsets[inline-1] = ov[0]
				t.overflowChildren[parentIdx] = ov[1:]
			}
			parent.ChildCount--
			return
		}
	}
	if t.overflowEnabled {
		list := t.overflowChildren[parentIdx]
		for i, v := range list {
			if v == childIdx {
				t.overflowChildren[parentIdx] = append(list[:i], list[i+1:]...)
				parent.ChildCount--
				return
			}
		}
	}
}

// Delete removes nodeIdx, refusing a non-empty directory and the root.
func (t *DirectoryTree) Delete(nodeIdx uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if nodeIdx == rootNodeIndex {
		return ErrInvalid
	}
	if int(nodeIdx) >= len(t.nodes) || !t.live[nodeIdx] {
		return ErrNotFound
	}
	node := t.nodes[nodeIdx]
	if node.Mode&S_IFDIR != 0 && node.ChildCount > 0 {
		return ErrNotEmpty
	}

	if err := t.inodes.Unlink(uint32(node.Inode)); err != nil {
		return err
	}
	t.removeChild(node.ParentOffset, nodeIdx)
	t.freeSlot(nodeIdx)
	return nil
}

// isDescendant reports whether node lies on the path from candidate up
// to the root (including candidate == node itself).
func (t *DirectoryTree) isDescendant(candidate, node uint32) bool {
	idx := candidate
	for {
		if idx == node {
			return true
		}
		if idx == rootNodeIndex {
			return false
		}
		idx = t.nodes[idx].ParentOffset
	}
}

// MoveSubtree detaches nodeIdx from its parent and attaches it under
// newParentIdx as newName, without copying the subtree. Fails if
// newParentIdx is node itself or a descendant of node.
func (t *DirectoryTree) MoveSubtree(nodeIdx, newParentIdx uint32, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if nodeIdx == rootNodeIndex {
		return ErrInvalid
	}
	if int(nodeIdx) >= len(t.nodes) || !t.live[nodeIdx] {
		return ErrNotFound
	}
	if int(newParentIdx) >= len(t.nodes) || !t.live[newParentIdx] {
		return ErrNotFound
	}
	if t.nodes[newParentIdx].Mode&S_IFDIR == 0 {
		return ErrNotDirectory
	}
	if t.isDescendant(newParentIdx, nodeIdx) {
		return ErrInvalid
	}
	if _, ok := t.findChild(newParentIdx, newName); ok {
		return ErrExists
	}
	if int(t.nodes[newParentIdx].ChildCount) >= maxInlineChildren && !t.overflowEnabled {
		return ErrNoSpace
	}

	nameOff, err := t.strs.Intern(newName)
	if err != nil {
		return err
	}

	oldParentIdx := t.nodes[nodeIdx].ParentOffset
	t.removeChild(oldParentIdx, nodeIdx)
	t.nodes[nodeIdx].ParentOffset = newParentIdx
	t.nodes[nodeIdx].NameHash = nameHash(newName)
	t.nameOffsets[nodeIdx] = nameOff
	t.attachChild(newParentIdx, nodeIdx)
	return nil
}

// Node returns a copy of nodeIdx's record plus its interned name.
func (t *DirectoryTree) Node(idx uint32) (TreeNode, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.nodes) || !t.live[idx] {
		return TreeNode{}, "", ErrNotFound
	}
	name, _ := t.strs.Get(t.nameOffsets[idx])
	return t.nodes[idx], name, nil
}

// Children returns the live child node indices of idx, inline entries
// followed by any overflow entries.
func (t *DirectoryTree) Children(idx uint32) ([]uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.nodes) || !t.live[idx] {
		return nil, ErrNotFound
	}
	node := t.nodes[idx]
	inline := int(node.ChildCount)
	if inline > maxInlineChildren {
		inline = maxInlineChildren
	}
	out := make([]uint32, 0, node.ChildCount)
	out = append(out, node.ChildOffsets[:inline]...)
	if t.overflowEnabled {
		out = append(out, t.overflowChildren[idx]...)
	}
	return out, nil
}

// SetSize updates a node's cached size/timestamp fields (mirrored from
// the inode on write/truncate so directory listings need not re-stat).
func (t *DirectoryTree) SetSize(idx uint32, size uint32, timestamp uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.nodes) || !t.live[idx] {
		return ErrNotFound
	}
	t.nodes[idx].Size = size
	t.nodes[idx].Timestamp = timestamp
	return nil
}

// ApplyUpdate sets size/timestamp/mode together, the three fields
// spec.md §4.G's UPDATE redo mutates on a node.
func (t *DirectoryTree) ApplyUpdate(idx uint32, size uint32, timestamp uint32, mode uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.nodes) || !t.live[idx] {
		return ErrNotFound
	}
	t.nodes[idx].Size = size
	t.nodes[idx].Timestamp = timestamp
	t.nodes[idx].Mode = mode
	return nil
}

// TreeStats reports aggregate tree shape, per §9's "expose via an
// explicit stats object".
type TreeStats struct {
	TotalNodes        int
	MaxDepth          int
	AvgChildrenPerDir float64
}

func (t *DirectoryTree) depthOf(idx uint32) int {
	depth := 0
	for idx != rootNodeIndex {
		idx = t.nodes[idx].ParentOffset
		depth++
	}
	return depth
}

func (t *DirectoryTree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total, dirCount, childSum, maxDepth int
	for i, live := range t.live {
		if !live {
			continue
		}
		total++
		if t.nodes[i].Mode&S_IFDIR != 0 {
			dirCount++
			childSum += int(t.nodes[i].ChildCount)
		}
		if d := t.depthOf(uint32(i)); d > maxDepth {
			maxDepth = d
		}
	}
	avg := 0.0
	if dirCount > 0 {
		avg = float64(childSum) / float64(dirCount)
	}
	return TreeStats{TotalNodes: total, MaxDepth: maxDepth, AvgChildrenPerDir: avg}
}
