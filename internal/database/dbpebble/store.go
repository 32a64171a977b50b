package dbpebble

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
)

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type Store struct {
	DB *pebble.DB
}

var _ database.Store = (*Store)(nil)

func NewStore(db *pebble.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	return get(s.DB, key)
}

func (s *Store) Scan(prefix []byte) database.Iterator {
	return scan(s.DB, prefix)
}

func (s *Store) Write(b *database.Batch) error {
	writeStart := time.Now()

	batch := s.DB.NewBatch()
	defer batch.Close()

	for _, op := range b.Ops() {
		var err error
		if op.Delete {
			err = batch.Delete(op.Key, nil)
		} else {
			err = batch.Set(op.Key, op.Value, nil)
		}
		if err != nil {
			logging.L.Err(err).Msg("failed to build batch")
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		logging.L.Err(err).Msg("failed to commit batch")
		return err
	}
	logging.L.Trace().
		Dur("write_batch_duration", time.Since(writeStart)).
		Int("ops", b.Len()).
		Msg("batch committed")
	return nil
}

func (s *Store) Snapshot() (database.Snapshot, error) {
	return &Snapshot{snap: s.DB.NewSnapshot()}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

type Snapshot struct {
	snap *pebble.Snapshot
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return get(s.snap, key)
}

func (s *Snapshot) Scan(prefix []byte) database.Iterator {
	return scan(s.snap, prefix)
}

func (s *Snapshot) Close() error {
	return s.snap.Close()
}

func get(r reader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func scan(r reader, prefix []byte) database.Iterator {
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: database.PrefixUpperBound(prefix),
	})
	if err != nil {
		return database.ErrIterator{E: fmt.Errorf("pebble iter: %w", err)}
	}
	return &Iterator{it: it}
}

// Iterator adapts pebble's First/Next to the Next-before-read convention.
type Iterator struct {
	it      *pebble.Iterator
	started bool
}

func (i *Iterator) Next() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

func (i *Iterator) Seek(key []byte) bool {
	i.started = true
	return i.it.SeekGE(key)
}

func (i *Iterator) Key() []byte   { return i.it.Key() }
func (i *Iterator) Value() []byte { return i.it.Value() }
func (i *Iterator) Err() error    { return i.it.Error() }
func (i *Iterator) Close() error  { return i.it.Close() }
