// dblevel is the goleveldb backend of the index store
package dblevel

import (
	"errors"
	"fmt"

	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type Store struct {
	DB *leveldb.DB
}

var _ database.Store = (*Store)(nil)

// OpenDBConnection opens a connection to the through path specified db instance
func OpenDBConnection(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		logging.L.Err(err).Str("path", path).Msg("error opening db connection")
		return nil, err
	}
	return &Store{DB: db}, nil
}

// OpenMem is an in-memory store for tests.
func OpenMem() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func (s *Store) Get(key []byte) ([]byte, error) {
	return get(s.DB, key)
}

func (s *Store) Scan(prefix []byte) database.Iterator {
	return scan(s.DB, prefix)
}

func (s *Store) Write(b *database.Batch) error {
	batch := new(leveldb.Batch)
	for _, op := range b.Ops() {
		if op.Delete {
			batch.Delete(op.Key)
		} else {
			batch.Put(op.Key, op.Value)
		}
	}

	err := s.DB.Write(batch, &opt.WriteOptions{Sync: true})
	if err != nil {
		logging.L.Err(err).Msg("error inserting batch")
		return err
	}
	return nil
}

func (s *Store) Snapshot() (database.Snapshot, error) {
	snap, err := s.DB.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{snap: snap}, nil
}

func (s *Store) Close() error {
	err := s.DB.Close()
	if err != nil {
		logging.L.Err(err).Msg("error closing db")
		return err
	}
	logging.L.Info().Msg("DB closed")
	return nil
}

type Snapshot struct {
	snap *leveldb.Snapshot
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return get(s.snap, key)
}

func (s *Snapshot) Scan(prefix []byte) database.Iterator {
	return scan(s.snap, prefix)
}

func (s *Snapshot) Close() error {
	s.snap.Release()
	return nil
}

func get(r reader, key []byte) ([]byte, error) {
	data, err := r.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return data, nil
}

func scan(r reader, prefix []byte) database.Iterator {
	return &Iterator{it: r.NewIterator(util.BytesPrefix(prefix), nil)}
}

type Iterator struct {
	it iterator.Iterator
}

func (i *Iterator) Next() bool          { return i.it.Next() }
func (i *Iterator) Seek(key []byte) bool { return i.it.Seek(key) }
func (i *Iterator) Key() []byte          { return i.it.Key() }
func (i *Iterator) Value() []byte        { return i.it.Value() }
func (i *Iterator) Err() error           { return i.it.Error() }

func (i *Iterator) Close() error {
	i.it.Release()
	return nil
}
