//go:build zstd

package memfscore

import "github.com/klauspost/compress/zstd"

// Pulling in zstd support is opt-in via build tag, the same way the
// teacher keeps its decompressors behind per-codec build tags instead
// of linking every one unconditionally.
func init() {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}

	RegisterSnapshotCodec(CodecZstd,
		func(b []byte) ([]byte, error) {
			return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
		},
		func(b []byte) ([]byte, error) {
			return dec.DecodeAll(b, nil)
		},
	)
}
