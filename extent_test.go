package memfscore

import "testing"

func newTestExtentMap(t *testing.T, blocks uint32, blockSize uint32) (*InodeTable, *BlockAllocator, *ExtentMap) {
	t.Helper()
	it := NewInodeTable(0, 0)
	al := NewBlockAllocator(blocks, blockSize, nil)
	em := NewExtentMap(it, al)
	return it, al, em
}

// TestExtentMapSeedScenario3 implements spec.md §8 seed scenario 3: write
// 4096B at offset 0, write 4096B at offset 8192 -> the extent map holds
// {[0,4096): data, [4096,8192): HOLE, [8192,12288): data}, and reading
// the hole returns zeros.
func TestExtentMapSeedScenario3(t *testing.T) {
	it, _, em := newTestExtentMap(t, 16, 4096)
	num := it.Alloc(0100644)

	a := make([]byte, 4096)
	for i := range a {
		a[i] = 'A'
	}
	b := make([]byte, 4096)
	for i := range b {
		b[i] = 'B'
	}

	if err := em.Write(num, a, len(a), 0); err != nil {
		t.Fatalf("Write A: %s", err)
	}
	if err := em.Write(num, b, len(b), 8192); err != nil {
		t.Fatalf("Write B: %s", err)
	}

	extents := em.Iter(num)
	if len(extents) != 3 {
		t.Fatalf("Iter returned %d extents; want 3: %+v", len(extents), extents)
	}
	if extents[0].LogicalOffset != 0 || extents[0].IsHole() {
		t.Errorf("extent[0] = %+v; want data at offset 0", extents[0])
	}
	if extents[1].LogicalOffset != 4096 || !extents[1].IsHole() {
		t.Errorf("extent[1] = %+v; want HOLE at offset 4096", extents[1])
	}
	if extents[2].LogicalOffset != 8192 || extents[2].IsHole() {
		t.Errorf("extent[2] = %+v; want data at offset 8192", extents[2])
	}

	zeros := make([]byte, 4096)
	n, err := em.Read(num, zeros, 4096, 4096)
	if err != nil {
		t.Fatalf("Read hole: %s", err)
	}
	if n != 4096 {
		t.Fatalf("Read hole returned %d bytes; want 4096", n)
	}
	for i, b := range zeros {
		if b != 0 {
			t.Fatalf("hole byte %d = %d; want 0", i, b)
		}
	}
}

func TestExtentMapWriteReadRoundTrip(t *testing.T) {
	it, _, em := newTestExtentMap(t, 8, 512)
	num := it.Alloc(0100644)

	payload := []byte("hello, extent map")
	if err := em.Write(num, payload, len(payload), 100); err != nil {
		t.Fatalf("Write: %s", err)
	}

	out := make([]byte, len(payload))
	n, err := em.Read(num, out, len(payload), 100)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if n != len(payload) || string(out) != string(payload) {
		t.Fatalf("Read = %q (%d bytes); want %q", out, n, payload)
	}
}

func TestExtentMapZeroLengthWriteIsNoop(t *testing.T) {
	it, _, em := newTestExtentMap(t, 4, 512)
	num := it.Alloc(0100644)

	if err := em.Write(num, []byte{}, 0, 0); err != nil {
		t.Fatalf("zero-length write: %s", err)
	}
	if len(em.Iter(num)) != 0 {
		t.Fatalf("zero-length write created extents: %+v", em.Iter(num))
	}
}

func TestExtentMapTruncateFreesTailBlocks(t *testing.T) {
	it, al, em := newTestExtentMap(t, 4, 512)
	num := it.Alloc(0100644)

	payload := make([]byte, 1024)
	if err := em.Write(num, payload, len(payload), 0); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if got := al.Stats().Used; got != 2 {
		t.Fatalf("allocator used = %d; want 2", got)
	}

	if err := em.Truncate(num, 512); err != nil {
		t.Fatalf("Truncate: %s", err)
	}
	if got := al.Stats().Used; got != 1 {
		t.Fatalf("after truncate, allocator used = %d; want 1", got)
	}

	ino, _ := it.Lookup(num)
	if ino.Size != 512 {
		t.Fatalf("inode size = %d; want 512", ino.Size)
	}
}

func TestExtentMapPunchHole(t *testing.T) {
	it, al, em := newTestExtentMap(t, 4, 512)
	num := it.Alloc(0100644)

	payload := make([]byte, 2048)
	for i := range payload {
		payload[i] = 1
	}
	if err := em.Write(num, payload, len(payload), 0); err != nil {
		t.Fatalf("Write: %s", err)
	}
	usedBefore := al.Stats().Used

	if err := em.PunchHole(num, 512, 512); err != nil {
		t.Fatalf("PunchHole: %s", err)
	}
	if got := al.Stats().Used; got != usedBefore-1 {
		t.Fatalf("allocator used after punch = %d; want %d", got, usedBefore-1)
	}

	zeros := make([]byte, 512)
	if _, err := em.Read(num, zeros, 512, 512); err != nil {
		t.Fatalf("Read punched range: %s", err)
	}
	for _, b := range zeros {
		if b != 0 {
			t.Fatalf("punched range not zero: %v", zeros)
		}
	}
}

func TestExtentMapFreeAll(t *testing.T) {
	it, al, em := newTestExtentMap(t, 4, 512)
	num := it.Alloc(0100644)

	if err := em.Write(num, make([]byte, 1024), 1024, 0); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if err := em.FreeAll(num); err != nil {
		t.Fatalf("FreeAll: %s", err)
	}
	if got := al.Stats().Used; got != 0 {
		t.Fatalf("allocator used after FreeAll = %d; want 0", got)
	}
	if len(em.Iter(num)) != 0 {
		t.Fatalf("extents remain after FreeAll: %+v", em.Iter(num))
	}
}

func TestExtentMapSpillsPastInlineLimit(t *testing.T) {
	it, _, em := newTestExtentMap(t, 64, 256)
	num := it.Alloc(0100644)

	// Five one-byte writes 4096 bytes apart (16 blocks of 256 B): each
	// gets its own data block and each gap between them is recorded as a
	// hole extent, so 5 data + 4 hole extents force a spill past the 2
	// inline slots.
	for i := 0; i < 5; i++ {
		off := uint64(i) * 4096
		if err := em.Write(num, []byte{byte(i)}, 1, off); err != nil {
			t.Fatalf("Write #%d: %s", i, err)
		}
	}

	extents := em.Iter(num)
	if len(extents) != 9 {
		t.Fatalf("Iter returned %d extents; want 9", len(extents))
	}

	ino, _ := it.Lookup(num)
	slot0 := unmarshalExtent(ino.Data[0:16])
	if slot0.BlockNum != spillMarkerBlock {
		t.Fatalf("expected inode to carry a spill marker, got %+v", slot0)
	}
}

func TestExtentMapMergeAdjacentHoles(t *testing.T) {
	it, _, em := newTestExtentMap(t, 8, 512)
	num := it.Alloc(0100644)

	if err := em.PunchHole(num, 0, 512); err != nil {
		// PunchHole on a zero-size file: nothing to split, but the hole
		// extent should still be recorded.
		t.Fatalf("PunchHole: %s", err)
	}
	if err := em.PunchHole(num, 512, 512); err != nil {
		t.Fatalf("PunchHole 2: %s", err)
	}

	extents := em.Iter(num)
	if len(extents) != 1 {
		t.Fatalf("adjacent holes did not merge: %+v", extents)
	}
	if extents[0].NumBlocks != 2 {
		t.Fatalf("merged hole NumBlocks = %d; want 2", extents[0].NumBlocks)
	}
}
