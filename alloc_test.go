package memfscore

import "testing"

func TestBlockAllocatorBasic(t *testing.T) {
	a := NewBlockAllocator(16, 512, nil)

	b, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc(3) failed: %s", err)
	}
	if b != 0 {
		t.Fatalf("Alloc(3) = %d; want 0", b)
	}

	stats := a.Stats()
	if stats.Free != 13 || stats.Used != 3 {
		t.Fatalf("Stats = %+v; want Free=13 Used=3", stats)
	}
}

// TestBlockAllocatorSeedScenario2 implements spec.md §8 seed scenario 2:
// allocate 3 contiguous blocks, free the middle, allocate 2 -> returns a
// new run at the former tail, not in the hole.
func TestBlockAllocatorSeedScenario2(t *testing.T) {
	a := NewBlockAllocator(16, 512, nil)

	start, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc(3): %s", err)
	}

	// Free the middle block only.
	if err := a.Free(start+1, 1); err != nil {
		t.Fatalf("Free middle: %s", err)
	}

	next, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc(2): %s", err)
	}
	if next == start+1 {
		t.Fatalf("Alloc(2) landed in the 1-block hole at %d; want the tail run", start+1)
	}
	if next != start+3 {
		t.Fatalf("Alloc(2) = %d; want %d (former tail)", next, start+3)
	}
}

func TestBlockAllocatorDoubleFreeRejected(t *testing.T) {
	a := NewBlockAllocator(4, 512, nil)
	b, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %s", err)
	}
	if err := a.Free(b, 2); err != nil {
		t.Fatalf("Free: %s", err)
	}
	if err := a.Free(b, 2); err != ErrInvalid {
		t.Fatalf("double Free = %v; want ErrInvalid", err)
	}
}

func TestBlockAllocatorExhaustion(t *testing.T) {
	a := NewBlockAllocator(4, 512, nil)
	if _, err := a.Alloc(5); err != ErrNoSpace {
		t.Fatalf("Alloc(5) on a 4-block pool = %v; want ErrNoSpace", err)
	}
	if _, err := a.Alloc(4); err != nil {
		t.Fatalf("Alloc(4): %s", err)
	}
	if _, err := a.Alloc(1); err != ErrNoSpace {
		t.Fatalf("Alloc(1) on exhausted pool = %v; want ErrNoSpace", err)
	}
}

func TestBlockAllocatorReadWrite(t *testing.T) {
	a := NewBlockAllocator(2, 16, nil)
	n, err := a.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %s", err)
	}

	payload := []byte("hello")
	if written, err := a.Write(n, 0, payload); err != nil || written != len(payload) {
		t.Fatalf("Write = %d, %v; want %d, nil", written, err, len(payload))
	}

	out := make([]byte, len(payload))
	if read, err := a.Read(n, 0, out); err != nil || read != len(payload) {
		t.Fatalf("Read = %d, %v; want %d, nil", read, err, len(payload))
	}
	if string(out) != "hello" {
		t.Fatalf("Read back %q; want hello", out)
	}
}
