// dbtest holds the behaviour every database.Store backend must show.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Dump reads every key of r into a map.
func Dump(t *testing.T, r database.Reader) map[string][]byte {
	t.Helper()
	it := r.Scan(nil)
	defer it.Close()

	out := make(map[string][]byte)
	for it.Next() {
		out[string(it.Key())] = append([]byte{}, it.Value()...)
	}
	require.NoError(t, it.Err())
	return out
}

func RunStoreTests(t *testing.T, open func(t *testing.T) database.Store) {
	tests := []struct {
		name string
		run  func(t *testing.T, s database.Store)
	}{
		{"GetWriteDelete", testGetWriteDelete},
		{"ScanOrderAndBounds", testScanOrderAndBounds},
		{"ScanSeekRestart", testScanSeekRestart},
		{"SnapshotIsolation", testSnapshotIsolation},
		{"ScanBeforeCommitSeesOldState", testScanBeforeCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.run(t, s)
		})
	}
}

func testGetWriteDelete(t *testing.T, s database.Store) {
	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, database.ErrNotFound)

	b := database.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("b"))
	require.NoError(t, s.Write(b))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = s.Get([]byte("b"))
	require.ErrorIs(t, err, database.ErrNotFound)
}

func testScanOrderAndBounds(t *testing.T, s database.Store) {
	b := database.NewBatch()
	b.Put([]byte{0x01, 0xff}, []byte("outside"))
	b.Put([]byte{0x02, 0x03}, []byte("c"))
	b.Put([]byte{0x02, 0x01}, []byte("a"))
	b.Put([]byte{0x02, 0x02}, []byte("b"))
	b.Put([]byte{0x03}, []byte("outside"))
	require.NoError(t, s.Write(b))

	it := s.Scan([]byte{0x02})
	defer it.Close()
	var got []string
	for it.Next() {
		got = append(got, string(it.Value()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func testScanSeekRestart(t *testing.T, s database.Store) {
	b := database.NewBatch()
	for i := byte(0); i < 5; i++ {
		b.Put([]byte{0x07, i}, []byte{i})
	}
	require.NoError(t, s.Write(b))

	it := s.Scan([]byte{0x07})
	defer it.Close()

	require.True(t, it.Seek([]byte{0x07, 0x03}))
	assert.Equal(t, []byte{0x03}, it.Value())
	require.True(t, it.Next())
	assert.Equal(t, []byte{0x04}, it.Value())
	assert.False(t, it.Next())

	// restart from the beginning of the prefix
	require.True(t, it.Seek([]byte{0x07}))
	assert.Equal(t, []byte{0x00}, it.Value())
}

func testSnapshotIsolation(t *testing.T, s database.Store) {
	b := database.NewBatch()
	b.Put([]byte("k"), []byte("old"))
	require.NoError(t, s.Write(b))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	b = database.NewBatch()
	b.Put([]byte("k"), []byte("new"))
	b.Put([]byte("k2"), []byte("new"))
	require.NoError(t, s.Write(b))

	v, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	_, err = snap.Get([]byte("k2"))
	require.ErrorIs(t, err, database.ErrNotFound)

	v, err = s.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

// A scan opened before a batch commit must see the complete old state even
// when the batch rewrites every key the scan is about to visit.
func testScanBeforeCommit(t *testing.T, s database.Store) {
	const n = 100
	b := database.NewBatch()
	for i := 0; i < n; i++ {
		b.Put([]byte(fmt.Sprintf("s%03d", i)), []byte("old"))
	}
	require.NoError(t, s.Write(b))

	it := s.Scan([]byte("s"))
	defer it.Close()
	require.True(t, it.Next())

	b = database.NewBatch()
	for i := 0; i < n; i++ {
		b.Put([]byte(fmt.Sprintf("s%03d", i)), []byte("new"))
	}
	b.Put([]byte("s999"), []byte("new"))
	require.NoError(t, s.Write(b))

	count := 1
	assert.Equal(t, []byte("old"), it.Value())
	for it.Next() {
		assert.Equal(t, []byte("old"), it.Value())
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, count)

	after := s.Scan([]byte("s"))
	defer after.Close()
	count = 0
	for after.Next() {
		assert.Equal(t, []byte("new"), after.Value())
		count++
	}
	assert.Equal(t, n+1, count)
}
