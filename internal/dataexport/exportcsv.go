package dataexport

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/database"
)

// rows are streamed and flushed every flushEvery records
const flushEvery = 10_000

type recordWriter struct {
	w *csv.Writer
	n int
}

func newRecordWriter(w io.Writer, header ...string) (*recordWriter, error) {
	rw := &recordWriter{w: csv.NewWriter(w)}
	if err := rw.w.Write(header); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *recordWriter) write(record ...string) error {
	if err := rw.w.Write(record); err != nil {
		return err
	}
	rw.n++
	if rw.n%flushEvery == 0 {
		rw.w.Flush()
		return rw.w.Error()
	}
	return nil
}

func (rw *recordWriter) close() (int, error) {
	rw.w.Flush()
	return rw.n, rw.w.Error()
}

/* UTXOS */

// ExportUTXOs writes every confirmed output without a recorded spender.
func ExportUTXOs(r database.Reader, w io.Writer) (int, error) {
	rw, err := newRecordWriter(w, "txid", "vout", "scripthash", "height", "value")
	if err != nil {
		return 0, err
	}

	it := r.Scan([]byte{database.KOutpoint})
	defer it.Close()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+database.SizeTxid+database.SizeVout {
			return rw.n, errors.New("corrupt outpoint key")
		}
		txid, err := chainhash.NewHash(key[1 : 1+database.SizeTxid])
		if err != nil {
			return rw.n, err
		}
		vout := binary.BigEndian.Uint32(key[1+database.SizeTxid:])

		_, err = r.Get(database.KeySpender(txid, vout))
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return rw.n, err
		}

		info, err := database.ParseOutpointValue(it.Value())
		if err != nil {
			return rw.n, err
		}
		err = rw.write(
			txid.String(),
			strconv.FormatUint(uint64(vout), 10),
			info.ScriptHash.String(),
			strconv.FormatUint(uint64(info.Height), 10),
			strconv.FormatUint(info.Value, 10),
		)
		if err != nil {
			return rw.n, err
		}
	}
	if err := it.Err(); err != nil {
		return rw.n, err
	}
	return rw.close()
}

/* Headers */

func ExportHeaders(r database.Reader, w io.Writer) (int, error) {
	rw, err := newRecordWriter(w, "height", "blockHash", "prevBlockHash", "timestamp", "header")
	if err != nil {
		return 0, err
	}

	it := r.Scan([]byte{database.KHeaderByHeight})
	defer it.Close()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+database.SizeHeight {
			return rw.n, errors.New("corrupt header key")
		}
		height := binary.BigEndian.Uint32(key[1:])
		header, err := database.ParseHeaderValue(it.Value(), height)
		if err != nil {
			return rw.n, err
		}
		err = rw.write(
			strconv.FormatUint(uint64(height), 10),
			header.Hash.String(),
			header.PrevHash.String(),
			strconv.FormatInt(header.Timestamp.Unix(), 10),
			header.Hex(),
		)
		if err != nil {
			return rw.n, err
		}
	}
	if err := it.Err(); err != nil {
		return rw.n, err
	}
	return rw.close()
}
