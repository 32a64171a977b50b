package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/setavenger/blindbit-electrum/internal/app"
	"github.com/setavenger/blindbit-electrum/internal/config"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/dataexport"
)

var keyTypeNames = map[byte]string{
	database.KHeaderByHeight: "header-height",
	database.KHeaderByHash:   "header-hash",
	database.KFunding:        "funding",
	database.KSpending:       "spending",
	database.KOutpoint:       "outpoint",
	database.KSpender:        "spender",
	database.KRawTx:          "tx",
	database.KTxConf:         "tx-conf",
	database.KBlockTxid:      "block-txid",
	database.KUndo:           "undo",
	database.KTip:            "tip",
}

func keyTypeByName(name string) (byte, bool) {
	for tag, n := range keyTypeNames {
		if n == name {
			return tag, true
		}
	}
	return 0, false
}

// explorer reads index statistics straight from the store.
type explorer struct {
	store database.Store
}

func (e *explorer) countKeys(tag byte) (int, error) {
	it := e.store.Scan([]byte{tag})
	defer it.Close()
	count := 0
	for it.Next() {
		count++
	}
	return count, it.Err()
}

// keyTypeCounts counts the keys under every known tag.
func (e *explorer) keyTypeCounts() (map[byte]int, error) {
	counts := make(map[byte]int, len(keyTypeNames))
	for tag := range keyTypeNames {
		n, err := e.countKeys(tag)
		if err != nil {
			return nil, err
		}
		counts[tag] = n
	}
	return counts, nil
}

// heightRange returns the lowest and highest indexed header heights.
func (e *explorer) heightRange() (lo, hi uint32, ok bool, err error) {
	it := e.store.Scan([]byte{database.KHeaderByHeight})
	defer it.Close()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+database.SizeHeight {
			continue
		}
		h := binary.BigEndian.Uint32(key[1:])
		if !ok {
			lo, ok = h, true
		}
		hi = h
	}
	return lo, hi, ok, it.Err()
}

func (e *explorer) printKeyTypeSummary(w io.Writer) error {
	counts, err := e.keyTypeCounts()
	if err != nil {
		return err
	}
	tags := make([]byte, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	fmt.Fprintln(w, "Database Key Type Summary:")
	fmt.Fprintln(w, "=========================")
	total := 0
	for _, tag := range tags {
		fmt.Fprintf(w, "%-25s: %d keys\n", keyTypeNames[tag], counts[tag])
		total += counts[tag]
	}
	fmt.Fprintf(w, "%-25s: %d keys\n", "TOTAL", total)
	return nil
}

func (e *explorer) printInfo(w io.Writer) error {
	fmt.Fprintln(w, "blindbit-electrum Database Information")
	fmt.Fprintln(w, "======================================")

	tip, err := database.ReadTip(e.store)
	switch {
	case err == nil:
		fmt.Fprintf(w, "Tip: %d %s\n", tip.Height, tip.Hash)
	default:
		fmt.Fprintf(w, "Tip: none (%v)\n", err)
	}
	lo, hi, ok, err := e.heightRange()
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(w, "Height Range: %d - %d (%d blocks)\n", lo, hi, hi-lo+1)
	}
	fmt.Fprintln(w)

	if err := e.printKeyTypeSummary(w); err != nil {
		return fmt.Errorf("failed to print key type summary: %w", err)
	}

	if ps, ok := e.store.(*dbpebble.Store); ok {
		m := ps.DB.Metrics()
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Database Metrics:")
		fmt.Fprintf(w, "  Tombstones: %d\n", m.Keys.TombstoneCount)
		fmt.Fprintf(w, "  Memtable Size: %d bytes\n", m.MemTable.Size)
		fmt.Fprintf(w, "  Block Cache Size: %d bytes\n", m.BlockCache.Size)
		fmt.Fprintf(w, "  WAL Size: %d bytes\n", m.WAL.Size)
	}
	return nil
}

func dbCmd() *cobra.Command {
	var backend string
	var store database.Store

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Explore the index database",
		Long: `Explore the index database of a stopped blindbit-electrum instance.
The database is opened from <datadir>/data with the given backend.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default(baseDirectory)
			cfg.Backend = config.Backend(backend)
			var err error
			store, err = app.OpenStore(cfg)
			if err != nil {
				return fmt.Errorf("error opening database: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Opening database at: %s\n", cfg.DBPath)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return store.Close()
		},
	}
	cmd.PersistentFlags().StringVar(&backend, "backend", string(config.BackendPebble), "database backend: pebble or leveldb")

	info := &cobra.Command{
		Use:   "info",
		Short: "Show tip, height range, key counts and backend metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return (&explorer{store: store}).printInfo(cmd.OutOrStdout())
		},
	}

	listKeys := &cobra.Command{
		Use:   "list-keys",
		Short: "List all key types in the database with their counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return (&explorer{store: store}).printKeyTypeSummary(cmd.OutOrStdout())
		},
	}

	var keyType string
	count := &cobra.Command{
		Use:   "count",
		Short: "Count keys of one type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tag, ok := keyTypeByName(keyType)
			if !ok {
				return fmt.Errorf("unsupported key type: %s", keyType)
			}
			n, err := (&explorer{store: store}).countKeys(tag)
			if err != nil {
				return fmt.Errorf("error counting keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Found %d %s keys\n", n, keyType)
			return nil
		},
	}
	count.Flags().StringVar(&keyType, "key-type", "funding",
		"Type of keys to count: header-height, header-hash, funding, spending, outpoint, spender, tx, tx-conf, block-txid, undo, tip")

	var outDir string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export the utxo set and the headers as csv",
		RunE: func(*cobra.Command, []string) error {
			dir := outDir
			if dir == "" {
				dir = filepath.Join(config.ResolvePath(baseDirectory), "data-export")
			}
			return dataexport.ExportAll(store, dir)
		},
	}
	export.Flags().StringVar(&outDir, "out", "", "output directory, defaults to <datadir>/data-export")

	cmd.AddCommand(info, listKeys, count, export)
	return cmd
}
