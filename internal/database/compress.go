package database

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zDec, _ = zstd.NewReader(nil)
)

func CompressTx(raw []byte) []byte {
	return zEnc.EncodeAll(raw, make([]byte, 0, len(raw)))
}

func DecompressTx(v []byte) ([]byte, error) {
	raw, err := zDec.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}
