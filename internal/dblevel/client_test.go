package dblevel

import (
	"path/filepath"
	"testing"

	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbtest"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	dbtest.RunStoreTests(t, func(t *testing.T) database.Store {
		s, err := OpenMem()
		require.NoError(t, err)
		return s
	})
}

func TestOpenDBConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	s, err := OpenDBConnection(path)
	require.NoError(t, err)

	b := database.NewBatch()
	b.Put([]byte("x"), []byte("y"))
	require.NoError(t, s.Write(b))
	require.NoError(t, s.Close())

	s, err = OpenDBConnection(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), v)
}
