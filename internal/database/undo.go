package database

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UndoOp is one inverse mutation recorded while applying a block.
// It is either UndoPut or UndoDelete.
type UndoOp interface {
	apply(b *Batch)
	tag() byte
}

// UndoPut restores Key to the value it held before the block.
type UndoPut struct {
	Key []byte
	Old []byte
}

// UndoDelete removes Key, which did not exist before the block.
type UndoDelete struct {
	Key []byte
}

func (u UndoPut) apply(b *Batch)    { b.Put(u.Key, u.Old) }
func (u UndoPut) tag() byte         { return undoTagPut }
func (u UndoDelete) apply(b *Batch) { b.Delete(u.Key) }
func (u UndoDelete) tag() byte      { return undoTagDelete }

const (
	undoTagPut    = 0x01
	undoTagDelete = 0x02
)

// UndoLog holds the inverse mutations of the block applied at Height, in application order.
type UndoLog struct {
	Height uint32
	Hash   chainhash.Hash
	Ops    []UndoOp
}

// Revert appends the inverse of the logged block to b, last mutation first,
// and removes the log itself.
func (u *UndoLog) Revert(b *Batch) {
	for i := len(u.Ops) - 1; i >= 0; i-- {
		u.Ops[i].apply(b)
	}
	b.Delete(KeyUndo(u.Height))
}

// [32 hash][4 count] then per op [1 tag][4 keyLen][key] and for puts [4 valLen][val]
func (u *UndoLog) Encode() []byte {
	size := SizeHash + 4
	for _, op := range u.Ops {
		switch o := op.(type) {
		case UndoPut:
			size += 1 + 4 + len(o.Key) + 4 + len(o.Old)
		case UndoDelete:
			size += 1 + 4 + len(o.Key)
		}
	}

	out := make([]byte, 0, size)
	out = append(out, u.Hash[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(u.Ops)))
	for _, op := range u.Ops {
		out = append(out, op.tag())
		switch o := op.(type) {
		case UndoPut:
			out = binary.BigEndian.AppendUint32(out, uint32(len(o.Key)))
			out = append(out, o.Key...)
			out = binary.BigEndian.AppendUint32(out, uint32(len(o.Old)))
			out = append(out, o.Old...)
		case UndoDelete:
			out = binary.BigEndian.AppendUint32(out, uint32(len(o.Key)))
			out = append(out, o.Key...)
		}
	}
	return out
}

func DecodeUndoLog(height uint32, v []byte) (*UndoLog, error) {
	if len(v) < SizeHash+4 {
		return nil, corrupt("undo log", v)
	}
	u := &UndoLog{Height: height, Hash: chainhash.Hash(v[:SizeHash])}
	count := binary.BigEndian.Uint32(v[SizeHash : SizeHash+4])
	rest := v[SizeHash+4:]

	readChunk := func() ([]byte, error) {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated undo log at height %d", ErrCorrupt, height)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(len(rest)-4) < uint64(n) {
			return nil, fmt.Errorf("%w: truncated undo log at height %d", ErrCorrupt, height)
		}
		chunk := make([]byte, n)
		copy(chunk, rest[4:4+n])
		rest = rest[4+n:]
		return chunk, nil
	}

	u.Ops = make([]UndoOp, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: truncated undo log at height %d", ErrCorrupt, height)
		}
		tag := rest[0]
		rest = rest[1:]
		key, err := readChunk()
		if err != nil {
			return nil, err
		}
		switch tag {
		case undoTagPut:
			old, err := readChunk()
			if err != nil {
				return nil, err
			}
			u.Ops = append(u.Ops, UndoPut{Key: key, Old: old})
		case undoTagDelete:
			u.Ops = append(u.Ops, UndoDelete{Key: key})
		default:
			return nil, fmt.Errorf("%w: unknown undo tag %#x", ErrCorrupt, tag)
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in undo log at height %d", ErrCorrupt, height)
	}
	return u, nil
}

// Stage records the mutations of one block on top of a Reader. Reads see
// staged writes. The first write to a key records its prior state, so the
// resulting undo log restores the pre-block store exactly.
type Stage struct {
	r       Reader
	batch   *Batch
	overlay map[string][]byte // nil value marks a staged delete
	ops     []UndoOp
}

func NewStage(r Reader) *Stage {
	return &Stage{
		r:       r,
		batch:   NewBatch(),
		overlay: make(map[string][]byte),
	}
}

func (s *Stage) Get(key []byte) ([]byte, error) {
	if v, ok := s.overlay[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return s.r.Get(key)
}

func (s *Stage) record(key []byte) error {
	if _, ok := s.overlay[string(key)]; ok {
		return nil
	}
	old, err := s.r.Get(key)
	switch {
	case err == nil:
		s.ops = append(s.ops, UndoPut{Key: key, Old: old})
	case errors.Is(err, ErrNotFound):
		s.ops = append(s.ops, UndoDelete{Key: key})
	default:
		return err
	}
	return nil
}

func (s *Stage) Put(key, value []byte) error {
	if err := s.record(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	s.overlay[string(key)] = value
	s.batch.Put(key, value)
	return nil
}

func (s *Stage) Delete(key []byte) error {
	if _, err := s.Get(key); errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := s.record(key); err != nil {
		return err
	}
	s.overlay[string(key)] = nil
	s.batch.Delete(key)
	return nil
}

// Finish returns the batch and writes the undo log for the block into it.
// The undo log key itself is not part of the log, Revert removes it.
func (s *Stage) Finish(height uint32, hash chainhash.Hash) (*Batch, *UndoLog) {
	u := &UndoLog{Height: height, Hash: hash, Ops: s.ops}
	s.batch.Put(KeyUndo(height), u.Encode())
	return s.batch, u
}
