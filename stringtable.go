package memfscore

import "sync"

const (
	maxNameLen        = 255
	stringTableMaxCap = 16 << 20 // 16 MiB, §4.A growth cap
)

// StringTable interns file-name bytes into a grow-only buffer and hands
// back stable 32-bit offsets. Intern is idempotent: the same input always
// yields the same offset, even across resizes, because offsets index into
// a buffer that only ever grows by copying its old contents into a larger
// one (the buffer's contents, and therefore every previously returned
// offset, never move relative to offset 0).
//
// Dedup is a linear scan over existing entries, as spec.md §4.A requires
// (not a hash map), so Intern is O(n) in the number of distinct names
// already stored.
type StringTable struct {
	mu   sync.RWMutex
	buf  []byte
	cap  int // current capacity ceiling before the next doubling
	full bool
}

// NewStringTable creates a string table with an initial capacity. A zero
// or negative initial capacity defaults to 4096 bytes.
func NewStringTable(initialCap int) *StringTable {
	if initialCap <= 0 {
		initialCap = 4096
	}
	if initialCap > stringTableMaxCap {
		initialCap = stringTableMaxCap
	}
	return &StringTable{
		buf: make([]byte, 0, initialCap),
		cap: initialCap,
	}
}

// Intern returns the stable offset for s, inserting it if not already
// present. Names longer than 255 bytes are rejected with ErrNameTooLong.
func (st *StringTable) Intern(s string) (uint32, error) {
	if len(s) > maxNameLen {
		return 0, ErrNameTooLong
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Linear scan dedup: walk null-terminated entries looking for a
	// byte-for-byte match before appending.
	var off uint32
	for off = 0; int(off) < len(st.buf); {
		end := off
		for int(end) < len(st.buf) && st.buf[end] != 0 {
			end++
		}
		if string(st.buf[off:end]) == s {
			return off, nil
		}
		off = end + 1
	}

	needed := len(s) + 1
	if len(st.buf)+needed > cap(st.buf) {
		if err := st.grow(len(st.buf) + needed); err != nil {
			return 0, err
		}
	}

	newOff := uint32(len(st.buf))
	st.buf = append(st.buf, s...)
	st.buf = append(st.buf, 0)
	return newOff, nil
}

// grow doubles the buffer's capacity (at least until it can fit
// minNeeded), capped at 16 MiB.
func (st *StringTable) grow(minNeeded int) error {
	newCap := cap(st.buf)
	if newCap == 0 {
		newCap = 4096
	}
	for newCap < minNeeded {
		if newCap >= stringTableMaxCap {
			st.full = true
			return ErrTableFull
		}
		newCap *= 2
		if newCap > stringTableMaxCap {
			newCap = stringTableMaxCap
		}
	}
	if newCap < minNeeded {
		st.full = true
		return ErrTableFull
	}
	grown := make([]byte, len(st.buf), newCap)
	copy(grown, st.buf)
	st.buf = grown
	st.cap = newCap
	return nil
}

// Get returns the null-terminated name starting at offset off, or
// ("", false) if off does not point at a valid entry start.
func (st *StringTable) Get(off uint32) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if int(off) >= len(st.buf) {
		return "", false
	}
	end := off
	for int(end) < len(st.buf) && st.buf[end] != 0 {
		end++
	}
	return string(st.buf[off:end]), true
}

// StringTableStats reports occupancy of the table, per spec.md's
// "expose via an explicit stats object" design note (§9).
type StringTableStats struct {
	Used     int
	Capacity int
	Full     bool
}

func (st *StringTable) Stats() StringTableStats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return StringTableStats{
		Used:     len(st.buf),
		Capacity: cap(st.buf),
		Full:     st.full,
	}
}
