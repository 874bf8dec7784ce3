package memfscore

import "testing"

func TestWALBeginLogCommitRoundTrip(t *testing.T) {
	w, err := NewWAL(4096)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(txID, []byte("payload")); err != nil {
		t.Fatalf("LogInsert: %s", err)
	}
	if err := w.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %s", err)
	}

	records := w.Records()
	if len(records) != 3 {
		t.Fatalf("len(records) = %d; want 3 (BEGIN, INSERT, COMMIT)", len(records))
	}
	if records[0].OpType != opBegin || records[1].OpType != opInsert || records[2].OpType != opCommit {
		t.Fatalf("unexpected op sequence: %+v", records)
	}
	if string(records[1].Data) != "payload" {
		t.Fatalf("records[1].Data = %q; want payload", records[1].Data)
	}
}

func TestWALAbortRecorded(t *testing.T) {
	w, err := NewWAL(4096)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogDelete(txID, []byte("x")); err != nil {
		t.Fatalf("LogDelete: %s", err)
	}
	if err := w.AbortTx(txID); err != nil {
		t.Fatalf("AbortTx: %s", err)
	}
	records := w.Records()
	if len(records) != 3 || records[2].OpType != opAbort {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestWALNeedsRecoveryBeforeAndAfterCheckpoint(t *testing.T) {
	w, err := NewWAL(4096)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	if w.NeedsRecovery() {
		t.Fatalf("fresh WAL should not need recovery")
	}

	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(txID, []byte("a")); err != nil {
		t.Fatalf("LogInsert: %s", err)
	}
	if !w.NeedsRecovery() {
		t.Fatalf("WAL with uncommitted records should need recovery")
	}
	if err := w.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %s", err)
	}
	if !w.NeedsRecovery() {
		t.Fatalf("WAL with a committed-but-not-checkpointed tx should still need recovery")
	}

	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %s", err)
	}
	if w.NeedsRecovery() {
		t.Fatalf("WAL should not need recovery right after a clean checkpoint")
	}

	stats := w.Stats()
	if stats.EntryCount != 1 {
		t.Fatalf("EntryCount after checkpoint = %d; want 1", stats.EntryCount)
	}
	if stats.TailOffset != stats.HeadOffset {
		t.Fatalf("TailOffset = %d; want == HeadOffset (%d) per checkpoint's tail_offset=head_offset", stats.TailOffset, stats.HeadOffset)
	}
}

// TestWALPadAndWrap exercises the pad-and-wrap path. Wrapping only ever
// reclaims space at the *start* of the data region (offset WALHeaderSize),
// which only becomes free once tail_offset has advanced past it — so a
// checkpoint must run first to create room before a wrap can succeed.
func TestWALPadAndWrap(t *testing.T) {
	w, err := NewWAL(300)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	tx1, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(tx1, make([]byte, 50)); err != nil {
		t.Fatalf("LogInsert: %s", err)
	}
	if err := w.CommitTx(tx1); err != nil {
		t.Fatalf("CommitTx: %s", err)
	}
	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %s", err)
	}
	// head is now near the buffer's end relative to its start; tail caught
	// up to head, freeing [WALHeaderSize, tail) for a future wrap.
	headBeforeWrap := w.headOffset

	tx2, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx (tx2): %s", err)
	}
	if _, err := w.LogInsert(tx2, make([]byte, 8)); err != nil {
		t.Fatalf("LogInsert (tx2), expected to force pad-and-wrap: %s", err)
	}

	if w.headOffset >= headBeforeWrap {
		t.Fatalf("headOffset %d did not wrap back toward the buffer start (was %d)", w.headOffset, headBeforeWrap)
	}
	if w.headOffset < WALHeaderSize {
		t.Fatalf("headOffset %d wrapped before the data region start %d", w.headOffset, WALHeaderSize)
	}

	records := w.Records()
	if len(records) != 2 {
		t.Fatalf("len(records) = %d; want 2 (BEGIN, INSERT) for tx2 across the wrap", len(records))
	}
	if records[0].OpType != opBegin || records[1].OpType != opInsert {
		t.Fatalf("unexpected op sequence after wrap: %+v", records)
	}
}

func TestWALLogFullReturnsErrLogFull(t *testing.T) {
	w, err := NewWAL(WALHeaderSize + WALEntrySize) // room for exactly one bare entry
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(txID, []byte("overflow")); err != ErrLogFull {
		t.Fatalf("LogInsert on full log = %v; want ErrLogFull", err)
	}
}

func TestWALScanStopsOnChecksumCorruption(t *testing.T) {
	w, err := NewWAL(4096)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(txID, []byte("good")); err != nil {
		t.Fatalf("LogInsert: %s", err)
	}
	// Corrupt the second record's payload after it was written and checksummed.
	second := w.Records()
	if len(second) < 2 {
		t.Fatalf("expected at least 2 records before corruption")
	}
	corruptAt := second[1].Offset + WALEntrySize
	w.buf[corruptAt] ^= 0xFF

	records := w.Records()
	if len(records) != 1 {
		t.Fatalf("scan after corruption returned %d records; want 1 (only BEGIN survives)", len(records))
	}
}

func TestWALLoadWALRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 128)
	if _, err := LoadWAL(buf); err != ErrCorrupt {
		t.Fatalf("LoadWAL(zeroed buf) = %v; want ErrCorrupt", err)
	}
}

func TestWALLoadWALRoundTripsAfterCheckpoint(t *testing.T) {
	w, err := NewWAL(4096)
	if err != nil {
		t.Fatalf("NewWAL: %s", err)
	}
	txID, err := w.BeginTx()
	if err != nil {
		t.Fatalf("BeginTx: %s", err)
	}
	if _, err := w.LogInsert(txID, []byte("a")); err != nil {
		t.Fatalf("LogInsert: %s", err)
	}
	if err := w.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %s", err)
	}
	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %s", err)
	}

	reloaded, err := LoadWAL(w.Bytes())
	if err != nil {
		t.Fatalf("LoadWAL: %s", err)
	}
	if reloaded.NeedsRecovery() {
		t.Fatalf("reloaded WAL after clean checkpoint should not need recovery")
	}
}
