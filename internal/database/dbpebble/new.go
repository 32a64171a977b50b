package dbpebble

import (
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type Options struct {
	// CacheSize in bytes, 0 keeps the pebble default
	CacheSize int64
	// InMemory keeps everything in a vfs.NewMem filesystem
	InMemory bool
}

// OpenDB opens (or creates) the pebble database under dataDir.
func OpenDB(dataDir string, o Options) (*Store, error) {
	dbPath := filepath.Join(dataDir, "pebbledb", "db")

	opts := (&pebble.Options{}).EnsureDefaults()
	if o.CacheSize > 0 {
		cache := pebble.NewCache(o.CacheSize)
		defer cache.Unref()
		opts.Cache = cache
	}
	opts.BytesPerSync = 1 << 20 // smoother background flushes (1 MiB)
	opts.MaxConcurrentCompactions = func() int { return 4 }
	if o.InMemory {
		opts.FS = vfs.NewMem()
		dbPath = ""
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// OpenMem is an in-memory store for tests.
func OpenMem() (*Store, error) {
	return OpenDB("", Options{InMemory: true})
}
