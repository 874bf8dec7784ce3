package memfscore

import "fmt"

// SnapshotCodec identifies how CheckpointSnapshot's bytes are packed.
// Non-zstd codecs are out of scope (file-data compression entirely, per
// DESIGN.md): this only ever compresses a checkpointed WAL image for a
// caller that wants to persist it, never file content.
type SnapshotCodec uint16

const (
	CodecNone SnapshotCodec = 0
	CodecZstd SnapshotCodec = 1
)

func (c SnapshotCodec) String() string {
	switch c {
	case CodecNone:
		return "None"
	case CodecZstd:
		return "Zstd"
	}
	return fmt.Sprintf("SnapshotCodec(%d)", c)
}

type snapshotCodecFuncs struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

var snapshotCodecs = map[SnapshotCodec]snapshotCodecFuncs{
	CodecNone: {
		compress:   func(b []byte) ([]byte, error) { return b, nil },
		decompress: func(b []byte) ([]byte, error) { return b, nil },
	},
}

// RegisterSnapshotCodec installs compress/decompress functions for a
// codec, the way the teacher's comp_zstd.go registers a decompressor
// behind a build tag instead of linking every codec unconditionally.
func RegisterSnapshotCodec(codec SnapshotCodec, compress, decompress func([]byte) ([]byte, error)) {
	snapshotCodecs[codec] = snapshotCodecFuncs{compress: compress, decompress: decompress}
}

// CompressSnapshot encodes data with codec, failing with ErrInvalid if
// that codec was never registered (e.g. built without the zstd tag).
func CompressSnapshot(codec SnapshotCodec, data []byte) ([]byte, error) {
	funcs, ok := snapshotCodecs[codec]
	if !ok {
		return nil, ErrInvalid
	}
	return funcs.compress(data)
}

// DecompressSnapshot reverses CompressSnapshot.
func DecompressSnapshot(codec SnapshotCodec, data []byte) ([]byte, error) {
	funcs, ok := snapshotCodecs[codec]
	if !ok {
		return nil, ErrInvalid
	}
	return funcs.decompress(data)
}

// CheckpointSnapshot runs Checkpoint and returns the resulting WAL
// image, compressed with codec when the Core was built with
// WithCheckpointCompression(true) (CodecNone is used verbatim
// otherwise), for a caller that wants to persist it across restarts.
func (c *Core) CheckpointSnapshot(codec SnapshotCodec) ([]byte, error) {
	if err := c.Checkpoint(); err != nil {
		return nil, err
	}
	if !c.cfg.checkpointCompression {
		codec = CodecNone
	}
	return CompressSnapshot(codec, c.wal.Bytes())
}

// OpenSnapshot reverses CheckpointSnapshot: decompress, then rebuild a
// Core from the recovered WAL image exactly as OpenWithWAL does.
func OpenSnapshot(data []byte, codec SnapshotCodec, opts ...Option) (*Core, *RecoveryReport, error) {
	raw, err := DecompressSnapshot(codec, data)
	if err != nil {
		return nil, nil, err
	}
	return OpenWithWAL(raw, opts...)
}
