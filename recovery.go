package memfscore

import (
	"context"
	"encoding/binary"
	"log"

	"golang.org/x/sync/errgroup"
)

// TxState is a transaction's state in the Analysis phase's FSM.
type TxState int

const (
	TxUnknown TxState = iota
	TxActive
	TxCommitted
	TxAborted
)

// TxInfo tracks one transaction's progress through the WAL, per
// spec.md §4.G Phase 1.
type TxInfo struct {
	State    TxState
	FirstLSN uint64
	LastLSN  uint64
	OpCount  int
}

// decodedOp is one WAL record paired with its parsed payload, produced
// by the Analysis phase's decode pass and consumed in order by Redo.
type decodedOp struct {
	record WALRecord
	insert *insertPayload
	del    *deletePayload
	update *updatePayload
}

type insertPayload struct {
	ParentIdx uint32
	Mode      uint16
	Name      string
}

type deletePayload struct {
	ParentIdx uint32
	Name      string
}

type updatePayload struct {
	ParentIdx uint32
	Name      string
	Size      uint32
	Timestamp uint32
	Mode      uint16
}

// EncodeInsertPayload builds the WAL payload logged alongside a tree
// Insert, so Redo can later reapply the same operation idempotently.
func EncodeInsertPayload(parentIdx uint32, mode uint16, name string) []byte {
	buf := make([]byte, 4+2+2+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], parentIdx)
	binary.LittleEndian.PutUint16(buf[4:6], mode)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(name)))
	copy(buf[8:], name)
	return buf
}

func decodeInsertPayload(data []byte) (*insertPayload, bool) {
	if len(data) < 8 {
		return nil, false
	}
	nameLen := int(binary.LittleEndian.Uint16(data[6:8]))
	if len(data) < 8+nameLen {
		return nil, false
	}
	return &insertPayload{
		ParentIdx: binary.LittleEndian.Uint32(data[0:4]),
		Mode:      binary.LittleEndian.Uint16(data[4:6]),
		Name:      string(data[8 : 8+nameLen]),
	}, true
}

// EncodeDeletePayload builds the WAL payload logged alongside a tree
// Delete, addressed by (parent, name) rather than raw node index so
// replay resolves the live node at redo time instead of trusting a
// pre-crash array position.
func EncodeDeletePayload(parentIdx uint32, name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], parentIdx)
	copy(buf[4:], name)
	return buf
}

func decodeDeletePayload(data []byte) (*deletePayload, bool) {
	if len(data) < 4 {
		return nil, false
	}
	return &deletePayload{
		ParentIdx: binary.LittleEndian.Uint32(data[0:4]),
		Name:      string(data[4:]),
	}, true
}

// EncodeUpdatePayload builds the WAL payload logged alongside a size/
// mtime/mode change (write, truncate, chmod-equivalent).
func EncodeUpdatePayload(parentIdx uint32, name string, size uint32, timestamp uint32, mode uint16) []byte {
	buf := make([]byte, 4+4+4+2+2+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], parentIdx)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	binary.LittleEndian.PutUint32(buf[8:12], timestamp)
	binary.LittleEndian.PutUint16(buf[12:14], mode)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(len(name)))
	copy(buf[16:], name)
	return buf
}

func decodeUpdatePayload(data []byte) (*updatePayload, bool) {
	if len(data) < 16 {
		return nil, false
	}
	nameLen := int(binary.LittleEndian.Uint16(data[14:16]))
	if len(data) < 16+nameLen {
		return nil, false
	}
	return &updatePayload{
		ParentIdx: binary.LittleEndian.Uint32(data[0:4]),
		Size:      binary.LittleEndian.Uint32(data[4:8]),
		Timestamp: binary.LittleEndian.Uint32(data[8:12]),
		Mode:      binary.LittleEndian.Uint16(data[12:14]),
		Name:      string(data[16 : 16+nameLen]),
	}, true
}

// RecoveryReport summarizes one Run, for stats.go/cmd/memfsutil fsck.
type RecoveryReport struct {
	Transactions map[uint64]*TxInfo
	Redone       int
	Skipped      int
	Discarded    int // ACTIVE transactions whose ops were never applied
}

// Recovery is the three-phase Analysis/Redo/Undo FSM of spec.md §4.G,
// operating a WAL against a DirectoryTree. Redo replays only the tree
// shape (INSERT/DELETE/UPDATE); WRITE records are not replayed, and
// Recovery restores neither extent state nor file contents.
type Recovery struct {
	wal  *WAL
	tree *DirectoryTree
}

// NewRecovery builds a Recovery FSM over wal and tree.
func NewRecovery(wal *WAL, tree *DirectoryTree) *Recovery {
	return &Recovery{wal: wal, tree: tree}
}

// Run executes Analysis, then Redo, then Undo, replacing the goto-based
// control flow of the system this is modeled on with an explicit state
// machine whose transitions are the WAL op types, terminating on
// CHECKPOINT or checksum failure (spec.md §9).
func (r *Recovery) Run(ctx context.Context) (*RecoveryReport, error) {
	records := r.wal.Records()

	txs := r.analyze(records)
	decoded, err := r.decode(ctx, records, txs)
	if err != nil {
		return nil, err
	}
	redone, skipped := r.redo(decoded, txs)
	discarded := r.undo(txs)

	return &RecoveryReport{
		Transactions: txs,
		Redone:       redone,
		Skipped:      skipped,
		Discarded:    discarded,
	}, nil
}

// analyze is Phase 1: walk records tail-to-head building a TxInfo per
// tx_id via the BEGIN/COMMIT/ABORT/op transitions.
func (r *Recovery) analyze(records []WALRecord) map[uint64]*TxInfo {
	txs := make(map[uint64]*TxInfo)
	infoFor := func(txID uint64) *TxInfo {
		info, ok := txs[txID]
		if !ok {
			info = &TxInfo{}
			txs[txID] = info
		}
		return info
	}

	for _, rec := range records {
		switch rec.OpType {
		case opBegin:
			info := infoFor(rec.TxID)
			info.State = TxActive
			info.FirstLSN = rec.LSN
			info.LastLSN = rec.LSN
		case opCommit:
			info := infoFor(rec.TxID)
			info.State = TxCommitted
			info.LastLSN = rec.LSN
		case opAbort:
			info := infoFor(rec.TxID)
			info.State = TxAborted
			info.LastLSN = rec.LSN
		case opInsert, opDelete, opUpdate, opWrite:
			info := infoFor(rec.TxID)
			info.OpCount++
			info.LastLSN = rec.LSN
		case opCheckpoint, opPad:
			// Boundary markers, not part of any transaction.
		}
	}
	return txs
}

// decode is the order-independent part of Redo: parse each committed
// transaction's op payload concurrently, bounded by errgroup, since
// decoding one record has no dependency on any other's outcome. The
// result is returned in original record order for the sequential apply
// pass, which does depend on order (later inserts may reference
// earlier ones' parents).
func (r *Recovery) decode(ctx context.Context, records []WALRecord, txs map[uint64]*TxInfo) ([]decodedOp, error) {
	out := make([]decodedOp, len(records))
	var g errgroup.Group
	g.SetLimit(8)

	for i, rec := range records {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = decodedOp{record: rec} // preserved even for records skipped below

		i, rec := i, rec
		info := txs[rec.TxID]
		if info == nil || info.State != TxCommitted {
			continue
		}
		switch rec.OpType {
		case opInsert, opDelete, opUpdate:
			g.Go(func() error {
				out[i] = decodeRecord(rec)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRecord(rec WALRecord) decodedOp {
	op := decodedOp{record: rec}
	switch rec.OpType {
	case opInsert:
		op.insert, _ = decodeInsertPayload(rec.Data)
	case opDelete:
		op.del, _ = decodeDeletePayload(rec.Data)
	case opUpdate:
		op.update, _ = decodeUpdatePayload(rec.Data)
	}
	return op
}

// redo is Phase 2: apply each committed transaction's decoded ops to
// the tree in original WAL order, idempotently.
func (r *Recovery) redo(decoded []decodedOp, txs map[uint64]*TxInfo) (redone, skipped int) {
	for _, op := range decoded {
		info := txs[op.record.TxID]
		if info == nil || info.State != TxCommitted {
			continue
		}
		applied, err := r.applyOne(op)
		if err != nil {
			log.Printf("memfscore: recovery redo lsn=%d tx=%d: %s", op.record.LSN, op.record.TxID, err)
			continue
		}
		if applied {
			redone++
		} else {
			skipped++
		}
	}
	return redone, skipped
}

// applyOne applies a single decoded op, returning whether it changed
// anything (false means the idempotency check found the op already
// reflected in tree state).
func (r *Recovery) applyOne(op decodedOp) (bool, error) {
	switch op.record.OpType {
	case opInsert:
		return r.redoInsert(op.insert)
	case opDelete:
		return r.redoDelete(op.del)
	case opUpdate:
		return r.redoUpdate(op.update)
	case opWrite:
		return false, nil // advisory only; extent state is not WAL-derived
	default:
		return false, nil
	}
}

func (r *Recovery) redoInsert(p *insertPayload) (bool, error) {
	if p == nil {
		return false, ErrCorrupt
	}
	if _, err := r.tree.FindChild(p.ParentIdx, p.Name); err == nil {
		return false, nil // skip-if-exists
	}
	if _, err := r.tree.Insert(p.ParentIdx, p.Name, p.Mode); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Recovery) redoDelete(p *deletePayload) (bool, error) {
	if p == nil {
		return false, ErrCorrupt
	}
	idx, err := r.tree.FindChild(p.ParentIdx, p.Name)
	if err == ErrNotFound {
		return false, nil // skip-if-empty: already gone
	}
	if err != nil {
		return false, err
	}
	if err := r.tree.Delete(idx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Recovery) redoUpdate(p *updatePayload) (bool, error) {
	if p == nil {
		return false, ErrCorrupt
	}
	idx, err := r.tree.FindChild(p.ParentIdx, p.Name)
	if err == ErrNotFound {
		return false, nil // skip-if-empty
	}
	if err != nil {
		return false, err
	}
	node, _, err := r.tree.Node(idx)
	if err != nil {
		return false, err
	}
	if node.Timestamp >= p.Timestamp {
		return false, nil // skip-if-mtime-not-newer
	}
	if err := r.tree.ApplyUpdate(idx, p.Size, p.Timestamp, p.Mode); err != nil {
		return false, err
	}
	return true, nil
}

// undo is Phase 3: transactions left ACTIVE at crash time never had
// their ops applied during Redo (only COMMITTED transactions are
// replayed), so there is nothing to roll back in the tree — discarding
// them is bookkeeping, not state mutation, per spec.md §4.G's "no full
// rollback needed".
func (r *Recovery) undo(txs map[uint64]*TxInfo) int {
	discarded := 0
	for txID, info := range txs {
		if info.State == TxActive {
			log.Printf("memfscore: recovery discarding incomplete tx=%d (op_count=%d)", txID, info.OpCount)
			discarded++
		}
	}
	return discarded
}
