// dataexport dumps parts of the index to csv files.
package dataexport

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/logging"
)

// ExportAll writes the utxo set and the headers from one store snapshot into dir.
func ExportAll(store database.Store, dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	snap, err := store.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	logging.L.Info().Msg("Exporting data")
	timestamp := time.Now().Unix()

	exports := []struct {
		name string
		fn   func(database.Reader, io.Writer) (int, error)
	}{
		{"utxos", ExportUTXOs},
		{"headers", ExportHeaders},
	}
	for _, e := range exports {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.csv", e.name, timestamp))
		if err := exportFile(path, snap, e.fn); err != nil {
			logging.L.Err(err).Str("export", e.name).Msg("export failed")
			return err
		}
	}
	logging.L.Info().Msg("Export Done")
	return nil
}

func exportFile(path string, r database.Reader, fn func(database.Reader, io.Writer) (int, error)) error {
	logging.L.Info().Msgf("Writing to %s", path)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed creating file: %w", err)
	}
	n, err := fn(r, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logging.L.Info().Int("records", n).Str("path", path).Msg("export finished")
	return nil
}
