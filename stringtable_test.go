package memfscore

import "testing"

func TestStringTableInternGet(t *testing.T) {
	st := NewStringTable(0)

	off, err := st.Intern("hello.txt")
	if err != nil {
		t.Fatalf("Intern failed: %s", err)
	}

	got, ok := st.Get(off)
	if !ok || got != "hello.txt" {
		t.Fatalf("Get(%d) = %q, %v; want hello.txt, true", off, got, ok)
	}
}

func TestStringTableInternIdempotent(t *testing.T) {
	st := NewStringTable(0)

	a, err := st.Intern("a")
	if err != nil {
		t.Fatalf("Intern a: %s", err)
	}
	b, err := st.Intern("b")
	if err != nil {
		t.Fatalf("Intern b: %s", err)
	}
	a2, err := st.Intern("a")
	if err != nil {
		t.Fatalf("Intern a again: %s", err)
	}

	if a != a2 {
		t.Errorf("Intern(a) offsets differ: %d vs %d", a, a2)
	}
	if a == b {
		t.Errorf("distinct names got the same offset %d", a)
	}
}

func TestStringTableNameTooLong(t *testing.T) {
	st := NewStringTable(0)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := st.Intern(string(long)); err != ErrNameTooLong {
		t.Fatalf("Intern(256 bytes) = %v; want ErrNameTooLong", err)
	}
}

func TestStringTableGrowthPreservesOffsets(t *testing.T) {
	st := NewStringTable(8)

	offsets := make([]uint32, 0, 64)
	names := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		name := string(rune('a'+i%26)) + string(rune('A'+i%26)) + "_entry"
		off, err := st.Intern(name)
		if err != nil {
			t.Fatalf("Intern(%q) failed: %s", name, err)
		}
		offsets = append(offsets, off)
		names = append(names, name)
	}

	for i, off := range offsets {
		got, ok := st.Get(off)
		if !ok || got != names[i] {
			t.Fatalf("after growth, Get(%d) = %q, %v; want %q, true", off, got, ok, names[i])
		}
	}
}

func TestStringTableFull(t *testing.T) {
	st := NewStringTable(0)
	// Fabricate a table that is already at the 16MiB growth ceiling so
	// the next distinct Intern must fail without actually writing 16MiB
	// of names through the linear-scan dedup path. A single trailing
	// NUL keeps the dedup scan to one pass instead of millions of
	// zero-length entries.
	st.buf = make([]byte, stringTableMaxCap, stringTableMaxCap)
	for i := range st.buf {
		st.buf[i] = 'x'
	}
	st.buf[len(st.buf)-1] = 0
	st.cap = stringTableMaxCap

	if _, err := st.Intern("one-more-name"); err != ErrTableFull {
		t.Fatalf("Intern on a full table = %v; want ErrTableFull", err)
	}
}
