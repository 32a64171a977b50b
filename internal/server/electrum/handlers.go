package electrum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/query"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/sourcegraph/jsonrpc2"
)

type handlerFunc func(ctx context.Context, s *session, req *jsonrpc2.Request) (interface{}, error)

// maxHeaders is the largest chunk blockchain.block.headers returns.
const maxHeaders = 2016

var methods map[string]handlerFunc

func init() {
	methods = map[string]handlerFunc{
		"server.version":                    serverVersion,
		"server.ping":                       serverPing,
		"server.banner":                     serverBanner,
		"server.features":                   serverFeatures,
		"blockchain.headers.subscribe":      headersSubscribe,
		"blockchain.block.header":           blockHeader,
		"blockchain.block.headers":          blockHeaders,
		"blockchain.scripthash.subscribe":   scripthashSubscribe,
		"blockchain.scripthash.unsubscribe": scripthashUnsubscribe,
		"blockchain.scripthash.get_history": scripthashHistory,
		"blockchain.scripthash.get_mempool": scripthashMempool,
		"blockchain.scripthash.get_balance": scripthashBalance,
		"blockchain.scripthash.listunspent": scripthashListUnspent,
		"blockchain.transaction.get":        transactionGet,
		"blockchain.transaction.broadcast":  transactionBroadcast,
		"blockchain.transaction.get_merkle": transactionMerkle,
		"blockchain.estimatefee":            estimateFee,
		"mempool.get_fee_histogram":         feeHistogram,
	}
}

// queryError maps engine errors onto JSON-RPC errors sent to the client.
func queryError(err error) error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return err
	case errors.Is(err, query.ErrUnavailable):
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "index unavailable"}
	case errors.Is(err, query.ErrNotFound):
		return &jsonrpc2.Error{Code: CodeBadRequest, Message: err.Error()}
	case errors.Is(err, chain.ErrRejected):
		return &jsonrpc2.Error{Code: CodeDaemonError, Message: err.Error()}
	default:
		return &jsonrpc2.Error{Code: CodeDaemonError, Message: err.Error()}
	}
}

func serverVersion(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var (
		client   string
		protocol interface{}
	)
	if err := unmarshalParams(req, 0, &client, &protocol); err != nil {
		return nil, err
	}
	return []string{s.srv.cfg.ServerVersion, s.srv.cfg.ProtocolVersion}, nil
}

func serverPing(_ context.Context, _ *session, _ *jsonrpc2.Request) (interface{}, error) {
	return nil, nil
}

func serverBanner(_ context.Context, s *session, _ *jsonrpc2.Request) (interface{}, error) {
	return s.srv.cfg.Banner, nil
}

type features struct {
	GenesisHash   string              `json:"genesis_hash"`
	Hosts         map[string]struct{} `json:"hosts"`
	ProtocolMax   string              `json:"protocol_max"`
	ProtocolMin   string              `json:"protocol_min"`
	Pruning       *int                `json:"pruning"`
	ServerVersion string              `json:"server_version"`
	HashFunction  string              `json:"hash_function"`
}

func serverFeatures(_ context.Context, s *session, _ *jsonrpc2.Request) (interface{}, error) {
	return features{
		GenesisHash:   s.srv.cfg.GenesisHash,
		Hosts:         map[string]struct{}{},
		ProtocolMax:   s.srv.cfg.ProtocolVersion,
		ProtocolMin:   s.srv.cfg.ProtocolVersion,
		ServerVersion: s.srv.cfg.ServerVersion,
		HashFunction:  "sha256",
	}, nil
}

type headerResult struct {
	Height uint32 `json:"height"`
	Hex    string `json:"hex"`
}

func headersSubscribe(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	if err := unmarshalParams(req, 0); err != nil {
		return nil, err
	}
	s.holdNotifications(req)
	s.srv.notifyMu.Lock()
	defer s.srv.notifyMu.Unlock()

	header, err := s.srv.query.TipHeader()
	if err != nil {
		return nil, queryError(err)
	}
	s.mu.Lock()
	s.headers = true
	s.tipHeight, s.tipHash = header.Height, header.Hash.String()
	s.mu.Unlock()
	return headerResult{Height: header.Height, Hex: header.Hex()}, nil
}

func blockHeader(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var height uint32
	if err := unmarshalParams(req, 1, &height); err != nil {
		return nil, err
	}
	header, err := s.srv.query.Header(height)
	if err != nil {
		return nil, queryError(err)
	}
	return header.Hex(), nil
}

type headersResult struct {
	Count int    `json:"count"`
	Hex   string `json:"hex"`
	Max   int    `json:"max"`
}

func blockHeaders(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var start, count uint32
	if err := unmarshalParams(req, 2, &start, &count); err != nil {
		return nil, err
	}
	if count > maxHeaders {
		count = maxHeaders
	}
	var b strings.Builder
	n := 0
	for h := start; h < start+count; h++ {
		header, err := s.srv.query.Header(h)
		if errors.Is(err, query.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, queryError(err)
		}
		b.WriteString(header.Hex())
		n++
	}
	return headersResult{Count: n, Hex: b.String(), Max: maxHeaders}, nil
}

func scriptHashParam(req *jsonrpc2.Request) (types.ScriptHash, error) {
	var s string
	if err := unmarshalParams(req, 1, &s); err != nil {
		return types.ScriptHash{}, err
	}
	return parseScriptHash(s)
}

func scripthashSubscribe(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	// the notifier holds notifyMu while it computes and pushes statuses, so
	// the returned status and the last sent one cannot cross
	s.holdNotifications(req)
	s.srv.notifyMu.Lock()
	defer s.srv.notifyMu.Unlock()

	status, err := s.srv.query.Status(sh)
	if err != nil {
		return nil, queryError(err)
	}
	s.mu.Lock()
	s.scripts[sh] = status
	s.mu.Unlock()
	s.srv.subscribe(s, sh)
	return status, nil
}

func scripthashUnsubscribe(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, ok := s.scripts[sh]
	delete(s.scripts, sh)
	s.mu.Unlock()
	if ok {
		s.srv.unsubscribe(s, sh)
	}
	return ok, nil
}

type historyItem struct {
	TxHash string  `json:"tx_hash"`
	Height int32   `json:"height"`
	Fee    *uint64 `json:"fee,omitempty"`
}

func historyResult(items []types.HistoryItem) []historyItem {
	out := make([]historyItem, len(items))
	for i, item := range items {
		out[i] = historyItem{TxHash: item.Txid.String(), Height: item.Height}
		if !item.Confirmed {
			fee := item.Fee
			out[i].Fee = &fee
		}
	}
	return out
}

func scripthashHistory(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	items, err := s.srv.query.History(sh)
	if err != nil {
		return nil, queryError(err)
	}
	return historyResult(items), nil
}

func scripthashMempool(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	items, err := s.srv.query.MempoolHistory(sh)
	if err != nil {
		return nil, queryError(err)
	}
	return historyResult(items), nil
}

type balanceResult struct {
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
}

func scripthashBalance(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	b, err := s.srv.query.Balance(sh)
	if err != nil {
		return nil, queryError(err)
	}
	return balanceResult{Confirmed: b.Confirmed, Unconfirmed: b.Unconfirmed}, nil
}

type unspentItem struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int32  `json:"height"`
	Value  uint64 `json:"value"`
}

func scripthashListUnspent(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	sh, err := scriptHashParam(req)
	if err != nil {
		return nil, err
	}
	utxos, err := s.srv.query.UTXOs(sh)
	if err != nil {
		return nil, queryError(err)
	}
	out := make([]unspentItem, len(utxos))
	for i, u := range utxos {
		// electrum's tx_pos is the output index
		out[i] = unspentItem{TxHash: u.Txid.String(), TxPos: u.Vout, Height: u.Height, Value: u.Value}
	}
	return out, nil
}

func transactionGet(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var (
		txidHex string
		verbose bool
	)
	if err := unmarshalParams(req, 1, &txidHex, &verbose); err != nil {
		return nil, err
	}
	if verbose {
		return nil, &jsonrpc2.Error{Code: CodeBadRequest, Message: "verbose transactions are not supported"}
	}
	txid, err := parseTxid(txidHex)
	if err != nil {
		return nil, err
	}
	tx, err := s.srv.query.Transaction(txid)
	if err != nil {
		return nil, queryError(err)
	}
	return hex.EncodeToString(tx.Raw), nil
}

type merkleResult struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

func transactionMerkle(_ context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var (
		txidHex string
		height  uint32
	)
	if err := unmarshalParams(req, 2, &txidHex, &height); err != nil {
		return nil, err
	}
	txid, err := parseTxid(txidHex)
	if err != nil {
		return nil, err
	}
	proof, err := s.srv.query.MerkleProof(txid)
	if err != nil {
		return nil, queryError(err)
	}
	if proof.Height != height {
		return nil, &jsonrpc2.Error{Code: CodeBadRequest, Message: fmt.Sprintf("tx %s is not in block at height %d", txidHex, height)}
	}
	merkle := make([]string, len(proof.Branch))
	for i := range proof.Branch {
		merkle[i] = proof.Branch[i].String()
	}
	return merkleResult{BlockHeight: proof.Height, Merkle: merkle, Pos: proof.Pos}, nil
}

func transactionBroadcast(ctx context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var rawHex string
	if err := unmarshalParams(req, 1, &rawHex); err != nil {
		return nil, err
	}
	tx, err := chain.DecodeTxHex(rawHex)
	if err != nil {
		return nil, invalidParams("invalid transaction: %v", err)
	}
	txid, err := s.srv.query.Broadcast(ctx, tx)
	if err != nil {
		return nil, queryError(err)
	}
	return txid.String(), nil
}

func estimateFee(ctx context.Context, s *session, req *jsonrpc2.Request) (interface{}, error) {
	var target uint32
	if err := unmarshalParams(req, 1, &target); err != nil {
		return nil, err
	}
	rate, err := s.srv.query.EstimateFee(ctx, target)
	if err != nil {
		return nil, queryError(err)
	}
	return rate, nil
}

func feeHistogram(_ context.Context, s *session, _ *jsonrpc2.Request) (interface{}, error) {
	stats, err := s.srv.query.MempoolStats()
	if err != nil {
		return nil, queryError(err)
	}
	return stats.FeeHistogram, nil
}
