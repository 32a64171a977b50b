package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const SizeRawHeader = wire.MaxBlockHeaderPayload

var ErrBadHeader = errors.New("bad block header")

// BlockHeader holds the indexed header data. Raw is the 80-byte wire
// serialisation served to electrum clients.
type BlockHeader struct {
	Hash       chainhash.Hash
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  time.Time
	Height     uint32
	Raw        [SizeRawHeader]byte
}

func NewBlockHeader(h *wire.BlockHeader, height uint32) (*BlockHeader, error) {
	var buf bytes.Buffer
	buf.Grow(SizeRawHeader)
	if err := h.Serialize(&buf); err != nil {
		return nil, err
	}
	if buf.Len() != SizeRawHeader {
		return nil, ErrBadHeader
	}

	out := &BlockHeader{
		Hash:       h.BlockHash(),
		PrevHash:   h.PrevBlock,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Height:     height,
	}
	copy(out.Raw[:], buf.Bytes())
	return out, nil
}

// ParseBlockHeader rebuilds a header from its raw serialisation as stored in the index.
func ParseBlockHeader(raw []byte, height uint32) (*BlockHeader, error) {
	if len(raw) != SizeRawHeader {
		return nil, ErrBadHeader
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return NewBlockHeader(&h, height)
}

func (h *BlockHeader) Hex() string {
	return hex.EncodeToString(h.Raw[:])
}

// Tip is the most recent fully applied block.
type Tip struct {
	Height uint32
	Hash   chainhash.Hash
}
