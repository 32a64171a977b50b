// database defines the interfaces and the key schema for the index store
package database

import (
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCorrupt marks a stored record that cannot be decoded, the index can no longer be trusted.
	ErrCorrupt = errors.New("index corrupt")
)

// Reader is the read side shared by a Store and its snapshots.
type Reader interface {
	// Get returns a copy of the value stored under key or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Scan returns an ordered lazy iterator over all keys starting with prefix.
	// The iterator reads from a point-in-time view.
	Scan(prefix []byte) Iterator
}

// Iterator walks keys in ascending order. Next must be called before the first Key/Value.
// Key and Value are only valid until the next call to Next or Seek.
type Iterator interface {
	Next() bool
	// Seek positions the iterator on the first key >= key within the prefix.
	Seek(key []byte) bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Snapshot is a consistent read view. Must be closed.
type Snapshot interface {
	Reader
	Close() error
}

// Store is an ordered key value store with atomic batch writes.
// There must only be one writer.
type Store interface {
	Reader
	// Write commits all ops of b or none of them.
	Write(b *Batch) error
	Snapshot() (Snapshot, error)
	Close() error
}

type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batch collects puts and deletes, applied in insertion order.
type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Key: key, Delete: true})
}

func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// PrefixUpperBound returns the smallest key greater than every key with the given prefix,
// nil if there is none.
func PrefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		ub[i]++
		if ub[i] != 0 {
			return ub[:i+1]
		}
	}
	return nil
}

// ErrIterator is returned by Scan implementations that failed to open an iterator.
type ErrIterator struct {
	E error
}

func (e ErrIterator) Next() bool         { return false }
func (e ErrIterator) Seek(_ []byte) bool { return false }
func (e ErrIterator) Key() []byte        { return nil }
func (e ErrIterator) Value() []byte      { return nil }
func (e ErrIterator) Err() error         { return e.E }
func (e ErrIterator) Close() error       { return nil }
