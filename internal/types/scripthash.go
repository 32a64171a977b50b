package types

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ScriptHash is the sha256 of an output script. Its string form is byte
// reversed, the way electrum clients send it.
type ScriptHash chainhash.Hash

func NewScriptHash(pkScript []byte) ScriptHash {
	return ScriptHash(sha256.Sum256(pkScript))
}

func ScriptHashFromHex(s string) (ScriptHash, error) {
	if len(s) != chainhash.MaxHashStringSize {
		return ScriptHash{}, chainhash.ErrHashStrSize
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return ScriptHash{}, err
	}
	return ScriptHash(*h), nil
}

func (s ScriptHash) String() string {
	return chainhash.Hash(s).String()
}

func (s ScriptHash) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
