package memfscore

import (
	"encoding/binary"
	"sync"
	"time"
)

// walMagic/walVersion identify the WAL header format, per spec.md §3.
const (
	walMagic   = 0x574C4F47
	walVersion = 1
)

// WALHeaderSize/WALEntrySize are the fixed, packed record sizes from
// spec.md §3.
const (
	WALHeaderSize = 64
	WALEntrySize  = 32
)

const entryChecksumOffset = 26 // offset of the checksum field within a packed entry

// opType is a WAL record's operation tag.
type opType uint16

const (
	opPad opType = iota // internal-only: tail padding, never counted in entry_count
	opBegin
	opInsert
	opDelete
	opUpdate
	opWrite
	opCommit
	opAbort
	opCheckpoint
)

// walEntry is the 32-byte fixed entry header preceding a record's
// variable-length data, per spec.md §3.
type walEntry struct {
	TxID      uint64
	LSN       uint64
	OpType    opType
	DataLen   uint32
	Timestamp uint32
	Checksum  uint32
}

func (e *walEntry) MarshalBinary() []byte {
	buf := make([]byte, WALEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.TxID)
	binary.LittleEndian.PutUint64(buf[8:16], e.LSN)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(e.OpType))
	binary.LittleEndian.PutUint32(buf[18:22], e.DataLen)
	binary.LittleEndian.PutUint32(buf[22:26], e.Timestamp)
	binary.LittleEndian.PutUint32(buf[26:30], e.Checksum)
	return buf
}

func unmarshalWALEntry(buf []byte) walEntry {
	return walEntry{
		TxID:      binary.LittleEndian.Uint64(buf[0:8]),
		LSN:       binary.LittleEndian.Uint64(buf[8:16]),
		OpType:    opType(binary.LittleEndian.Uint16(buf[16:18])),
		DataLen:   binary.LittleEndian.Uint32(buf[18:22]),
		Timestamp: binary.LittleEndian.Uint32(buf[22:26]),
		Checksum:  binary.LittleEndian.Uint32(buf[26:30]),
	}
}

// WALRecord is a decoded, checksum-verified WAL entry returned by a scan.
type WALRecord struct {
	TxID   uint64
	LSN    uint64
	OpType opType
	Data   []byte
	Offset uint32
}

// WAL is the fixed circular byte buffer of spec.md §4.F: a 64-byte
// header at offset 0, records starting immediately after, never
// straddling the buffer end (pad-and-wrap instead).
type WAL struct {
	txLock  sync.Mutex
	logLock sync.Mutex

	buf []byte

	nextTxID      uint64
	nextLSN       uint64
	headOffset    uint32
	tailOffset    uint32
	checkpointLSN uint64
	entryCount    uint32
	lastOp        opType
}

// NewWAL allocates a circular buffer of size bytes (including the
// 64-byte header) and initializes a fresh, empty log.
func NewWAL(size int) (*WAL, error) {
	if size <= WALHeaderSize {
		return nil, ErrInvalid
	}
	buf, err := mmapAlloc(size)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		buf:        buf,
		nextTxID:   1,
		nextLSN:    1,
		headOffset: WALHeaderSize,
		tailOffset: WALHeaderSize,
	}
	w.writeHeaderLocked()
	return w, nil
}

// LoadWAL reconstructs a WAL from an existing backing buffer (e.g. one
// handed back across a simulated crash/restart in tests), validating
// the header's magic and version.
func LoadWAL(buf []byte) (*WAL, error) {
	if len(buf) < WALHeaderSize {
		return nil, ErrCorrupt
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint32(buf[4:8])
	if magic != walMagic || version != walVersion {
		return nil, ErrCorrupt
	}
	w := &WAL{
		buf:           buf,
		nextTxID:      binary.LittleEndian.Uint64(buf[8:16]),
		nextLSN:       binary.LittleEndian.Uint64(buf[16:24]),
		headOffset:    binary.LittleEndian.Uint32(buf[24:28]),
		tailOffset:    binary.LittleEndian.Uint32(buf[28:32]),
		checkpointLSN: binary.LittleEndian.Uint64(buf[32:40]),
		entryCount:    binary.LittleEndian.Uint32(buf[40:44]),
		lastOp:        opType(binary.LittleEndian.Uint16(buf[48:50])),
	}
	return w, nil
}

// Bytes exposes the WAL's backing buffer, for snapshotting it across a
// simulated crash (see LoadWAL) or for a checkpoint-compression pass.
func (w *WAL) Bytes() []byte { return w.buf }

func (w *WAL) writeHeaderLocked() {
	buf := w.buf[0:WALHeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint32(buf[4:8], walVersion)
	binary.LittleEndian.PutUint64(buf[8:16], w.nextTxID)
	binary.LittleEndian.PutUint64(buf[16:24], w.nextLSN)
	binary.LittleEndian.PutUint32(buf[24:28], w.headOffset)
	binary.LittleEndian.PutUint32(buf[28:32], w.tailOffset)
	binary.LittleEndian.PutUint64(buf[32:40], w.checkpointLSN)
	binary.LittleEndian.PutUint32(buf[40:44], w.entryCount)
	binary.LittleEndian.PutUint32(buf[44:48], 0) // checksum, zeroed before recompute
	binary.LittleEndian.PutUint16(buf[48:50], uint16(w.lastOp))
	checksum := crc32Of(buf)
	binary.LittleEndian.PutUint32(buf[44:48], checksum)
}

// availableLocked returns the number of free bytes in the circular data
// region (the buffer past the header).
func (w *WAL) availableLocked() uint32 {
	capacity := uint32(len(w.buf)) - WALHeaderSize
	// An empty log, or one whose latest record is the CHECKPOINT that
	// moved tail_offset up to head_offset, has the whole region free.
	if w.entryCount == 0 || (w.lastOp == opCheckpoint && w.headOffset == w.tailOffset) {
		return capacity
	}
	if w.headOffset > w.tailOffset {
		return capacity - (w.headOffset - w.tailOffset)
	}
	if w.headOffset < w.tailOffset {
		return w.tailOffset - w.headOffset
	}
	return 0
}

// appendLocked implements the append protocol of spec.md §4.F under
// log_lock: check space, copy header (checksum=0) then data, compute
// checksum = CRC32(header) XOR CRC32(data), advance head_offset and
// entry_count. Must be called with both txLock and logLock held.
func (w *WAL) appendLocked(txID uint64, op opType, data []byte) (lsn uint64, offset uint32, err error) {
	need := uint32(WALEntrySize + len(data))
	tailSpace := uint32(len(w.buf)) - w.headOffset
	willWrap := tailSpace < need

	totalNeeded := need
	if willWrap {
		totalNeeded += tailSpace
	}
	if totalNeeded > w.availableLocked() {
		return 0, 0, ErrLogFull
	}
	if willWrap {
		w.padToEndLocked(tailSpace)
	}

	lsn = w.nextLSN
	w.nextLSN++

	entry := walEntry{
		TxID:      txID,
		LSN:       lsn,
		OpType:    op,
		DataLen:   uint32(len(data)),
		Timestamp: uint32(time.Now().Unix()),
	}
	hdr := entry.MarshalBinary()
	checksum := crc32Of(hdr) ^ crc32Of(data)
	binary.LittleEndian.PutUint32(hdr[entryChecksumOffset:entryChecksumOffset+4], checksum)

	offset = w.headOffset
	copy(w.buf[offset:], hdr)
	copy(w.buf[offset+WALEntrySize:], data)

	w.headOffset = offset + need
	w.entryCount++
	w.lastOp = op
	w.writeHeaderLocked()
	return lsn, offset, nil
}

// padToEndLocked writes an internal pad marker (if the remaining tail
// space can hold one) covering [head_offset, len(buf)) and wraps
// head_offset to the start of the data region, per §4.F's "pad to end
// and wrap to 0".
func (w *WAL) padToEndLocked(tailSpace uint32) {
	if tailSpace >= WALEntrySize {
		pad := walEntry{OpType: opPad, DataLen: tailSpace - WALEntrySize}
		copy(w.buf[w.headOffset:], pad.MarshalBinary())
	}
	w.headOffset = WALHeaderSize
}

func (w *WAL) append(txID uint64, op opType, data []byte) (uint64, error) {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	w.logLock.Lock()
	defer w.logLock.Unlock()

	lsn, _, err := w.appendLocked(txID, op, data)
	return lsn, err
}

// BeginTx assigns a fresh tx_id and appends a BEGIN record.
func (w *WAL) BeginTx() (uint64, error) {
	w.txLock.Lock()
	defer w.txLock.Unlock()

	txID := w.nextTxID
	w.nextTxID++
	w.writeHeaderLocked() // nextTxID changed independent of an append; persist it now

	w.logLock.Lock()
	_, _, err := w.appendLocked(txID, opBegin, nil)
	w.logLock.Unlock()
	if err != nil {
		return 0, err
	}
	return txID, nil
}

func (w *WAL) LogInsert(txID uint64, data []byte) (uint64, error) { return w.append(txID, opInsert, data) }
func (w *WAL) LogDelete(txID uint64, data []byte) (uint64, error) { return w.append(txID, opDelete, data) }
func (w *WAL) LogUpdate(txID uint64, data []byte) (uint64, error) { return w.append(txID, opUpdate, data) }
func (w *WAL) LogWrite(txID uint64, data []byte) (uint64, error)  { return w.append(txID, opWrite, data) }

// CommitTx appends a COMMIT record and flushes to the durability
// boundary (msync-equivalent) before returning success, per §4.F.
func (w *WAL) CommitTx(txID uint64) error {
	if _, err := w.append(txID, opCommit, nil); err != nil {
		return err
	}
	return msyncFlush(w.buf)
}

// AbortTx appends an ABORT record; no flush guarantee is required.
func (w *WAL) AbortTx(txID uint64) error {
	_, err := w.append(txID, opAbort, nil)
	return err
}

// Checkpoint appends a CHECKPOINT record, then advances tail_offset to
// head_offset per §4.F's literal protocol, reclaiming every prior
// record's space including the checkpoint entry itself. entry_count is
// reset to 1: not a count of bytes still occupying [tail,head) (that
// range is now empty) but a logical count of the CHECKPOINT event
// NeedsRecovery checks for, tracked via lastOp rather than a rescan.
func (w *WAL) Checkpoint() error {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	w.logLock.Lock()
	defer w.logLock.Unlock()

	lsn, _, err := w.appendLocked(0, opCheckpoint, nil)
	if err != nil {
		return err
	}
	w.tailOffset = w.headOffset
	w.checkpointLSN = lsn
	w.entryCount = 1
	w.writeHeaderLocked()
	return msyncFlush(w.buf)
}

// scan walks records from tail_offset toward head_offset, stopping on a
// checksum failure or after including a CHECKPOINT record, per §4.G
// Phase 1's analysis scan. Internal pad markers are skipped silently.
func (w *WAL) scan() []WALRecord {
	var records []WALRecord
	current := w.tailOffset
	for current != w.headOffset {
		if uint32(len(w.buf))-current < WALEntrySize {
			current = WALHeaderSize
			if current == w.headOffset {
				break
			}
		}

		hdrBuf := w.buf[current : current+WALEntrySize]
		entry := unmarshalWALEntry(hdrBuf)

		if entry.OpType == opPad {
			current += WALEntrySize + entry.DataLen
			continue
		}
		if entry.OpType > opCheckpoint {
			break // garbage region past the live log: stop the scan
		}

		dataStart := current + WALEntrySize
		dataEnd := dataStart + entry.DataLen
		if dataEnd > uint32(len(w.buf)) || dataEnd < dataStart {
			break
		}
		data := w.buf[dataStart:dataEnd]

		checkHdr := append([]byte(nil), hdrBuf...)
		binary.LittleEndian.PutUint32(checkHdr[entryChecksumOffset:entryChecksumOffset+4], 0)
		want := crc32Of(checkHdr) ^ crc32Of(data)
		if want != entry.Checksum {
			break // corrupt record terminates the scan; everything before is durable
		}

		records = append(records, WALRecord{
			TxID:   entry.TxID,
			LSN:    entry.LSN,
			OpType: entry.OpType,
			Data:   append([]byte(nil), data...),
			Offset: current,
		})
		current = dataEnd

		if entry.OpType == opCheckpoint {
			break
		}
	}
	return records
}

// NeedsRecovery reports spec.md §4.G's needs_recovery(): true iff
// entry_count > 0 and the sole entry is not a CHECKPOINT. Since
// Checkpoint collapses [tail,head) to empty, that sole surviving
// "entry" is tracked via lastOp rather than found by scanning.
func (w *WAL) NeedsRecovery() bool {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	w.logLock.Lock()
	defer w.logLock.Unlock()

	if w.entryCount == 0 {
		return false
	}
	return !(w.entryCount == 1 && w.lastOp == opCheckpoint)
}

// Records returns a snapshot of the analysis scan, for recovery.go.
func (w *WAL) Records() []WALRecord {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	w.logLock.Lock()
	defer w.logLock.Unlock()
	return w.scan()
}

// WALStats reports log occupancy, per §9's explicit stats object.
type WALStats struct {
	NextTxID      uint64
	NextLSN       uint64
	HeadOffset    uint32
	TailOffset    uint32
	CheckpointLSN uint64
	EntryCount    uint32
	Capacity      uint32
}

func (w *WAL) Stats() WALStats {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	w.logLock.Lock()
	defer w.logLock.Unlock()
	return WALStats{
		NextTxID:      w.nextTxID,
		NextLSN:       w.nextLSN,
		HeadOffset:    w.headOffset,
		TailOffset:    w.tailOffset,
		CheckpointLSN: w.checkpointLSN,
		EntryCount:    w.entryCount,
		Capacity:      uint32(len(w.buf)) - WALHeaderSize,
	}
}
