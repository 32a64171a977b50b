package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/metrics"
	"go.uber.org/ratelimit"
)

type RPCConfig struct {
	Endpoint string
	User     string
	Pass     string
	// Timeout bounds a single attempt
	Timeout time.Duration
	// MaxRetries bounds the retries of transient failures
	MaxRetries uint64
	// RequestsPerSecond caps the request rate to the node, 0 means unlimited
	RequestsPerSecond int
}

// RPCClient talks JSON-RPC 1.0 to bitcoind over HTTP.
type RPCClient struct {
	cfg     RPCConfig
	http    *http.Client
	limiter ratelimit.Limiter
	nextID  atomic.Uint64

	// newBackOff is swapped in tests
	newBackOff func() backoff.BackOff
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(cfg RPCConfig) *RPCClient {
	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &RPCClient{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0 // bounded by retries
		return b
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// call retries transient failures with exponential backoff. Non transient
// errors are returned immediately.
func (c *RPCClient) call(ctx context.Context, method string, result any, params ...any) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveRPC(method, err, started) }()

	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.ObserveRPCRetry(method)
		}
		attempt++

		err := c.makeRPCRequest(ctx, method, params, result)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		logging.L.Warn().Err(err).
			Str("method", method).
			Int("attempt", attempt).
			Msg("transient rpc failure")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.Retry(op, b)
}

func (c *RPCClient) makeRPCRequest(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}
	rpcData := rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(rpcData)
	if err != nil {
		return fmt.Errorf("error marshaling RPC data: %w", err)
	}

	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	logging.L.Trace().Str("method", method).Any("params", params).Msg("rpc request")

	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.User, c.cfg.Pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	// bitcoind answers RPC errors with 404/500 and a JSON body
	var rpcResp rpcResponse
	if jsonErr := json.Unmarshal(body, &rpcResp); jsonErr != nil {
		if resp.StatusCode >= 400 {
			return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return fmt.Errorf("error unmarshaling response: %w", jsonErr)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode >= 400 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("error unmarshaling result of %s: %w", method, err)
	}
	return nil
}

func (c *RPCClient) GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call(ctx, "getbestblockhash", &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *RPCClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var blockHex string
	// verbosity 0 returns the serialised block
	if err := c.call(ctx, "getblock", &blockHex, hash.String(), 0); err != nil {
		if code, ok := rpcErrorCode(err); ok && code == rpcInvalidAddressOrKey {
			return nil, fmt.Errorf("block %s: %w", hash, ErrNotFound)
		}
		return nil, err
	}
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("error decoding block %s: %w", hash, err)
	}
	return &block, nil
}

func (c *RPCClient) GetBlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call(ctx, "getblockhash", &hashStr, height); err != nil {
		if code, ok := rpcErrorCode(err); ok && code == rpcInvalidParameter {
			return nil, fmt.Errorf("height %d: %w", height, ErrNotFound)
		}
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *RPCClient) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	var txids []string
	if err := c.call(ctx, "getrawmempool", &txids); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, 0, len(txids))
	for _, s := range txids {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, nil
}

func (c *RPCClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	var txHex string
	if err := c.call(ctx, "getrawtransaction", &txHex, txid.String(), false); err != nil {
		if code, ok := rpcErrorCode(err); ok && code == rpcInvalidAddressOrKey {
			return nil, fmt.Errorf("tx %s: %w", txid, ErrNotFound)
		}
		return nil, err
	}
	return DecodeTxHex(txHex)
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	var txidStr string
	if err := c.call(ctx, "sendrawtransaction", &txidStr, hex.EncodeToString(buf.Bytes())); err != nil {
		if code, ok := rpcErrorCode(err); ok {
			switch code {
			case rpcVerifyError, rpcVerifyRejected, rpcVerifyAlreadyInChain, rpcInvalidParameter:
				return nil, fmt.Errorf("%w: %v", ErrRejected, err)
			}
		}
		return nil, err
	}
	return chainhash.NewHashFromStr(txidStr)
}

func (c *RPCClient) EstimateSmartFee(ctx context.Context, target uint32) (float64, bool, error) {
	var res btcjson.EstimateSmartFeeResult
	if err := c.call(ctx, "estimatesmartfee", &res, target); err != nil {
		return 0, false, err
	}
	if res.FeeRate == nil || len(res.Errors) > 0 {
		return 0, false, nil
	}
	return *res.FeeRate, true, nil
}

// GetBlockchainInfo is used at startup to check the node serves the configured chain.
func (c *RPCClient) GetBlockchainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	var res btcjson.GetBlockChainInfoResult
	if err := c.call(ctx, "getblockchaininfo", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func DecodeTxHex(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("error decoding transaction: %w", err)
	}
	return &tx, nil
}

var errNoEndpoint = errors.New("rpc endpoint not set")

// Ping checks the node answers at all.
func (c *RPCClient) Ping(ctx context.Context) error {
	if c.cfg.Endpoint == "" {
		return errNoEndpoint
	}
	_, err := c.GetBestBlockHash(ctx)
	return err
}
