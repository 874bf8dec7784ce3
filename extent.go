package memfscore

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"
)

// HoleBlock is the sentinel block_num value denoting a sparse hole,
// per spec.md §3: "block_num == 2^32-1 denotes a sparse hole."
const HoleBlock = ^uint32(0)

// spillMarkerBlock tags an inode's first inline extent slot as "this
// inode's extents have spilled"; NumBlocks on that slot then holds the
// index of the spill block. This is the §9 "tag is derived from a count
// field" pattern applied to extents: spec.md's Inode record has no
// separate num_extents field, so the tag rides in the one inline slot
// that would otherwise hold real extent data.
const spillMarkerBlock = HoleBlock - 1

// ExtentSize is the fixed size of a serialized extent descriptor.
const ExtentSize = 16

// maxInlineExtents is the number of extent descriptors that fit in an
// inode's inline data area (2 * 16B = 32B), per spec.md §3.
const maxInlineExtents = 2

// extentsPerBlock bounds the spill block per spec.md §3/§6: "blocks of
// up to 254 extents".
const extentsPerBlock = 254

// Extent is a contiguous mapping of a file's logical byte range to a run
// of physical blocks, or a hole.
type Extent struct {
	LogicalOffset uint64
	BlockNum      uint32
	NumBlocks     uint32
}

// IsHole reports whether this extent is a sparse hole.
func (e Extent) IsHole() bool { return e.BlockNum == HoleBlock }

// End returns the logical offset just past this extent, given the
// allocator's block size.
func (e Extent) End(blockSize uint32) uint64 {
	return e.LogicalOffset + uint64(e.NumBlocks)*uint64(blockSize)
}

// MarshalBinary encodes an extent descriptor to its 16-byte wire form.
func (e Extent) MarshalBinary() []byte {
	buf := make([]byte, ExtentSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.LogicalOffset)
	binary.LittleEndian.PutUint32(buf[8:12], e.BlockNum)
	binary.LittleEndian.PutUint32(buf[12:16], e.NumBlocks)
	return buf
}

func unmarshalExtent(buf []byte) Extent {
	return Extent{
		LogicalOffset: binary.LittleEndian.Uint64(buf[0:8]),
		BlockNum:      binary.LittleEndian.Uint32(buf[8:12]),
		NumBlocks:     binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// extentSpillBlock is the 4096-byte spill node from spec.md §6:
// "num_extents:u32, pad:u32, extents[254]". It lives outside the block
// allocator's data-block pool (it is metadata, not file content), kept
// in a growable slice owned by the ExtentMap and addressed by index.
type extentSpillBlock struct {
	extents []Extent
}

// ExtentMap operates on an inode's extent state (inline or spilled)
// together with the block allocator backing file data blocks, per
// spec.md §4.D. Extents are kept fully decoded here for correctness and
// speed; MarshalBinary support on Extent/Inode exists so the bit-exact
// inline/spill layout in §3/§6 can always be reconstructed from an
// inode's Data bytes.
type ExtentMap struct {
	inodes *InodeTable
	alloc  *BlockAllocator

	mu     sync.RWMutex
	byIno  map[uint32][]Extent
	spills []*extentSpillBlock
}

// NewExtentMap creates an extent map over the given inode table and
// block allocator. Mutating operations call the block allocator and
// InodeTable.mutate one after the other (allocator calls come first),
// never holding the inode table's lock and the allocator's lock at the
// same time.
func NewExtentMap(inodes *InodeTable, alloc *BlockAllocator) *ExtentMap {
	return &ExtentMap{
		inodes: inodes,
		alloc:  alloc,
		byIno:  make(map[uint32][]Extent),
	}
}

func (m *ExtentMap) blockSize() uint32 { return m.alloc.blockSize }

// extentsOf returns the cached decoded extent list for inodeNum (the
// cached slice itself, not a copy), initializing it from the live
// inode's inline/spill state on first touch. Must be called with m.mu
// held (read or write).
func (m *ExtentMap) extentsOf(inodeNum uint32) []Extent {
	if list, ok := m.byIno[inodeNum]; ok {
		return list
	}
	ino, ok := m.inodes.Lookup(inodeNum)
	if !ok {
		return nil
	}
	list := m.decodeInline(&ino)
	m.byIno[inodeNum] = list
	return list
}

// decodeInline reads the inline-or-spilled extent list directly from an
// inode's Data bytes, per the spillMarkerBlock tagging scheme above.
func (m *ExtentMap) decodeInline(ino *Inode) []Extent {
	slot0 := unmarshalExtent(ino.Data[0:16])
	if slot0.BlockNum == spillMarkerBlock {
		idx := int(slot0.NumBlocks)
		if idx < 0 || idx >= len(m.spills) || m.spills[idx] == nil {
			return nil
		}
		out := make([]Extent, len(m.spills[idx].extents))
		copy(out, m.spills[idx].extents)
		return out
	}

	var list []Extent
	if slot0.NumBlocks != 0 || slot0.BlockNum != 0 {
		list = append(list, slot0)
	}
	slot1 := unmarshalExtent(ino.Data[16:32])
	if slot1.NumBlocks != 0 || slot1.BlockNum != 0 {
		list = append(list, slot1)
	}
	return list
}

// persist writes list back into the inode's inline/spill representation
// and caches it. Must be called with m.mu held for writing.
func (m *ExtentMap) persist(inodeNum uint32, list []Extent) error {
	m.byIno[inodeNum] = list

	return m.inodes.mutate(inodeNum, func(ino *Inode) error {
		for i := range ino.Data {
			ino.Data[i] = 0
		}
		if len(list) <= maxInlineExtents {
			if len(list) > 0 {
				copy(ino.Data[0:16], list[0].MarshalBinary())
			}
			if len(list) > 1 {
				copy(ino.Data[16:32], list[1].MarshalBinary())
			}
			return nil
		}

		idx := m.spillIndexFor(inodeNum)
		block := &extentSpillBlock{extents: append([]Extent(nil), list...)}
		if idx >= 0 {
			m.spills[idx] = block
		} else {
			idx = len(m.spills)
			m.spills = append(m.spills, block)
		}
		marker := Extent{BlockNum: spillMarkerBlock, NumBlocks: uint32(idx)}
		copy(ino.Data[0:16], marker.MarshalBinary())
		return nil
	})
}

// spillIndexFor returns the existing spill block index for inodeNum, or
// -1 if it has none yet. Must be called with m.mu held.
func (m *ExtentMap) spillIndexFor(inodeNum uint32) int {
	ino, ok := m.inodes.Lookup(inodeNum)
	if !ok {
		return -1
	}
	slot0 := unmarshalExtent(ino.Data[0:16])
	if slot0.BlockNum != spillMarkerBlock {
		return -1
	}
	return int(slot0.NumBlocks)
}

// mergeSort sorts extents by LogicalOffset and merges adjacent runs
// whose block ranges (or hole status) continue one another, per the
// merge rule in spec.md §4.D — applied after every insert and split.
func mergeSort(list []Extent, blockSize uint32) []Extent {
	sort.Slice(list, func(i, j int) bool { return list[i].LogicalOffset < list[j].LogicalOffset })

	out := make([]Extent, 0, len(list))
	for _, e := range list {
		if len(out) == 0 {
			out = append(out, e)
			continue
		}
		last := &out[len(out)-1]
		contiguousOffset := last.End(blockSize) == e.LogicalOffset
		bothHoles := last.IsHole() && e.IsHole()
		continuation := !last.IsHole() && !e.IsHole() && last.BlockNum+last.NumBlocks == e.BlockNum
		if contiguousOffset && (bothHoles || continuation) {
			last.NumBlocks += e.NumBlocks
			continue
		}
		out = append(out, e)
	}
	return out
}

// Add inserts an extent covering [logicalOffset, logicalOffset+numBlocks*blockSize)
// for inodeNum, merging with adjacent extents (including hole-with-hole)
// per spec.md §4.D.
func (m *ExtentMap) Add(inodeNum uint32, logicalOffset uint64, blockNum uint32, numBlocks uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.extentsOf(inodeNum)
	list = removeRange(list, logicalOffset, logicalOffset+uint64(numBlocks)*uint64(m.blockSize()), m.blockSize())
	list = append(list, Extent{LogicalOffset: logicalOffset, BlockNum: blockNum, NumBlocks: numBlocks})
	list = mergeSort(list, m.blockSize())
	return m.persist(inodeNum, list)
}

// removeRange deletes (or truncates) any extents overlapping
// [start, end), splitting a straddling extent into the parts outside
// the range. Callers are responsible for freeing blocks of removed data
// extents; this helper only edits the logical partition.
func removeRange(list []Extent, start, end uint64, blockSize uint32) []Extent {
	out := make([]Extent, 0, len(list))
	for _, e := range list {
		eEnd := e.End(blockSize)
		if eEnd <= start || e.LogicalOffset >= end {
			out = append(out, e)
			continue
		}
		// Left remainder
		if e.LogicalOffset < start {
			leftBlocks := uint32((start - e.LogicalOffset) / uint64(blockSize))
			if leftBlocks > 0 {
				left := e
				left.NumBlocks = leftBlocks
				if !e.IsHole() {
					// BlockNum unchanged; shrinks from the tail.
				}
				out = append(out, left)
			}
		}
		// Right remainder
		if eEnd > end {
			rightBlocks := uint32((eEnd - end) / uint64(blockSize))
			if rightBlocks > 0 {
				right := e
				right.LogicalOffset = end
				right.NumBlocks = rightBlocks
				if !e.IsHole() {
					consumedBlocks := e.NumBlocks - rightBlocks
					right.BlockNum = e.BlockNum + consumedBlocks
				}
				out = append(out, right)
			}
		}
	}
	return out
}

// Map resolves a logical offset to (blockNum, withinBlockOffset).
// Returns (HoleBlock, off, nil) for a sparse region. Returns ErrNotFound
// if the offset is not covered by any extent (a gap past EOF that has
// never been written or holed).
func (m *ExtentMap) Map(inodeNum uint32, logicalOffset uint64) (uint32, uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.extentsOf(inodeNum)
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].End(m.blockSize()) > logicalOffset
	})
	if idx >= len(list) || list[idx].LogicalOffset > logicalOffset {
		return 0, 0, ErrNotFound
	}
	e := list[idx]
	if e.IsHole() {
		return HoleBlock, uint32(logicalOffset - e.LogicalOffset), nil
	}
	delta := logicalOffset - e.LogicalOffset
	block := e.BlockNum + uint32(delta/uint64(m.blockSize()))
	within := uint32(delta % uint64(m.blockSize()))
	return block, within, nil
}

// Write copies size bytes from buf into inodeNum's extents starting at
// offset, block-aligning each slice: existing extents are reused where
// present, new blocks are allocated (extending the last extent first)
// otherwise. A write landing entirely inside a hole replaces that hole
// with a freshly allocated data extent, per spec.md §4.D edge cases.
// Zero-length writes are no-ops.
func (m *ExtentMap) Write(inodeNum uint32, buf []byte, size int, offset uint64) error {
	if size == 0 {
		return nil
	}
	if size > len(buf) {
		size = len(buf)
	}

	bs := uint64(m.blockSize())

	// A write starting past the end of the last extent first records the
	// gap as a HOLE extent, so sparse regions appear in the extent list.
	m.mu.RLock()
	list := m.extentsOf(inodeNum)
	var mappedEnd uint64
	if len(list) > 0 {
		mappedEnd = list[len(list)-1].End(uint32(bs))
	}
	m.mu.RUnlock()
	if gapEnd := offset / bs * bs; gapEnd > mappedEnd {
		if err := m.Add(inodeNum, mappedEnd, HoleBlock, uint32((gapEnd-mappedEnd)/bs)); err != nil {
			return err
		}
	}

	written := 0
	for written < size {
		logical := offset + uint64(written)
		blockIdx := logical / bs
		within := uint32(logical % bs)
		blockStart := blockIdx * bs

		chunk := size - written
		if uint64(chunk) > bs-uint64(within) {
			chunk = int(bs - uint64(within))
		}

		blockNum, _, err := m.Map(inodeNum, blockStart)
		needAlloc := err == ErrNotFound || (err == nil && blockNum == HoleBlock)
		if needAlloc {
			nb, aerr := m.alloc.Alloc(1)
			if aerr != nil {
				return aerr
			}
			blockNum = nb
			if err := m.Add(inodeNum, blockStart, blockNum, 1); err != nil {
				return err
			}
		}

		if _, err := m.alloc.Write(blockNum, within, buf[written:written+chunk]); err != nil {
			return err
		}
		written += chunk
	}

	newEnd := offset + uint64(size)
	ino, ok := m.inodes.Lookup(inodeNum)
	if ok && newEnd > ino.Size {
		return m.inodes.Update(inodeNum, newEnd, uint32(time.Now().Unix()))
	}
	return nil
}

// Read fills buf[:size] starting at offset, zero-filling sparse ranges
// and never reading past the inode's recorded size.
func (m *ExtentMap) Read(inodeNum uint32, buf []byte, size int, offset uint64) (int, error) {
	ino, ok := m.inodes.Lookup(inodeNum)
	if !ok {
		return 0, ErrNotFound
	}
	if offset >= ino.Size {
		return 0, nil
	}
	if uint64(size) > ino.Size-offset {
		size = int(ino.Size - offset)
	}
	if size > len(buf) {
		size = len(buf)
	}

	bs := uint64(m.blockSize())
	read := 0
	for read < size {
		logical := offset + uint64(read)
		blockIdx := logical / bs
		within := uint32(logical % bs)
		blockStart := blockIdx * bs

		chunk := size - read
		if uint64(chunk) > bs-uint64(within) {
			chunk = int(bs - uint64(within))
		}

		blockNum, _, err := m.Map(inodeNum, blockStart)
		if err == ErrNotFound || (err == nil && blockNum == HoleBlock) {
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else if err != nil {
			return read, err
		} else {
			if _, err := m.alloc.Read(blockNum, within, buf[read:read+chunk]); err != nil {
				return read, err
			}
		}
		read += chunk
	}
	return read, nil
}

// Truncate frees extent bytes beyond newSize (splitting and freeing the
// tail blocks of a straddling extent) and updates inode.Size.
func (m *ExtentMap) Truncate(inodeNum uint32, newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.extentsOf(inodeNum)
	bs := m.blockSize()

	kept := make([]Extent, 0, len(list))
	for _, e := range list {
		if e.LogicalOffset >= newSize {
			m.freeExtentBlocks(e)
			continue
		}
		if e.End(bs) > newSize {
			keepBlocks := uint32((newSize - e.LogicalOffset + uint64(bs) - 1) / uint64(bs))
			if keepBlocks < e.NumBlocks && !e.IsHole() {
				if err := m.alloc.Free(e.BlockNum+keepBlocks, e.NumBlocks-keepBlocks); err != nil {
					return err
				}
			}
			e.NumBlocks = keepBlocks
		}
		if e.NumBlocks > 0 {
			kept = append(kept, e)
		}
	}

	if err := m.persist(inodeNum, mergeSort(kept, bs)); err != nil {
		return err
	}
	return m.inodes.Update(inodeNum, newSize, uint32(time.Now().Unix()))
}

func (m *ExtentMap) freeExtentBlocks(e Extent) {
	if e.IsHole() || e.NumBlocks == 0 {
		return
	}
	_ = m.alloc.Free(e.BlockNum, e.NumBlocks)
}

// PunchHole splits extents at [offset, offset+length), frees the
// interior data blocks, and replaces that range with a HOLE extent.
func (m *ExtentMap) PunchHole(inodeNum uint32, offset uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := m.blockSize()
	list := m.extentsOf(inodeNum)
	end := offset + length

	for _, e := range list {
		if e.IsHole() || e.End(bs) <= offset || e.LogicalOffset >= end {
			continue
		}
		loStart := e.LogicalOffset
		if loStart < offset {
			loStart = offset
		}
		loEnd := e.End(bs)
		if loEnd > end {
			loEnd = end
		}
		freeBlocks := uint32((loEnd - loStart) / uint64(bs))
		if freeBlocks > 0 {
			blockOff := uint32((loStart - e.LogicalOffset) / uint64(bs))
			_ = m.alloc.Free(e.BlockNum+blockOff, freeBlocks)
		}
	}

	list = removeRange(list, offset, end, bs)
	list = append(list, Extent{LogicalOffset: offset, BlockNum: HoleBlock, NumBlocks: uint32(length / uint64(bs))})
	return m.persist(inodeNum, mergeSort(list, bs))
}

// FreeAll frees every non-hole block owned by inodeNum and resets its
// extent state to empty.
func (m *ExtentMap) FreeAll(inodeNum uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.extentsOf(inodeNum)
	for _, e := range list {
		m.freeExtentBlocks(e)
	}
	return m.persist(inodeNum, nil)
}

// Iter returns a snapshot slice of inodeNum's extents in logical order.
// Per spec.md §4.D this sequence is "not restartable once the inode
// mutates" — callers get a point-in-time copy, not a live cursor, so
// mutating the inode after calling Iter does not retroactively change
// what was already returned, but nor does it reflect new state.
func (m *ExtentMap) Iter(inodeNum uint32) []Extent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.extentsOf(inodeNum)
	out := make([]Extent, len(list))
	copy(out, list)
	return out
}
