package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcHandler func(method string, params []json.RawMessage) (status int, body any)

func newTestClient(t *testing.T, h rpcHandler) (*RPCClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := h(req.Method, req.Params)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)

	c := NewRPCClient(RPCConfig{
		Endpoint:   srv.URL,
		User:       "user",
		Pass:       "pass",
		Timeout:    time.Second,
		MaxRetries: 3,
	})
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c, &calls
}

func result(v any) map[string]any {
	return map[string]any{"result": v, "error": nil, "id": 1}
}

func rpcError(code int, msg string) map[string]any {
	return map[string]any{"result": nil, "error": map[string]any{"code": code, "message": msg}, "id": 1}
}

func TestRPCClientRetriesTransient(t *testing.T) {
	genesis := chaincfg.RegressionNetParams.GenesisHash
	tests := []struct {
		name      string
		failures  func(n int32) (int, any)
		wantErr   error
		wantCalls int32
	}{
		{
			name: "5xx then success",
			failures: func(n int32) (int, any) {
				if n < 3 {
					return http.StatusServiceUnavailable, "busy"
				}
				return http.StatusOK, result(genesis.String())
			},
			wantCalls: 3,
		},
		{
			name: "warmup then success",
			failures: func(n int32) (int, any) {
				if n == 1 {
					return http.StatusInternalServerError, rpcError(-28, "Loading block index...")
				}
				return http.StatusOK, result(genesis.String())
			},
			wantCalls: 2,
		},
		{
			name: "retries are bounded",
			failures: func(int32) (int, any) {
				return http.StatusBadGateway, "down"
			},
			wantErr:   &HTTPStatusError{},
			wantCalls: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n atomic.Int32
			c, calls := newTestClient(t, func(string, []json.RawMessage) (int, any) {
				return tt.failures(n.Add(1))
			})

			hash, err := c.GetBestBlockHash(context.Background())
			if tt.wantErr != nil {
				var statusErr *HTTPStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.True(t, IsTransient(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, *genesis, *hash)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestRPCClientNotFoundIsPermanent(t *testing.T) {
	c, calls := newTestClient(t, func(method string, _ []json.RawMessage) (int, any) {
		switch method {
		case "getblockhash":
			return http.StatusInternalServerError, rpcError(-8, "Block height out of range")
		default:
			return http.StatusNotFound, rpcError(-5, "No such mempool or blockchain transaction")
		}
	})

	_, err := c.GetBlockHash(context.Background(), 10)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.GetRawTransaction(context.Background(), chaincfg.MainNetParams.GenesisHash)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRPCClientGetBlock(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, chaincfg.RegressionNetParams.GenesisBlock.Serialize(&buf))

	c, _ := newTestClient(t, func(method string, params []json.RawMessage) (int, any) {
		assert.Equal(t, "getblock", method)
		require.Len(t, params, 2)
		assert.Equal(t, "0", string(params[1]))
		return http.StatusOK, result(hex.EncodeToString(buf.Bytes()))
	})

	block, err := c.GetBlock(context.Background(), chaincfg.RegressionNetParams.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, *chaincfg.RegressionNetParams.GenesisHash, block.BlockHash())
	assert.Len(t, block.Transactions, 1)
}

func TestRPCClientEstimateSmartFee(t *testing.T) {
	c, _ := newTestClient(t, func(_ string, params []json.RawMessage) (int, any) {
		if string(params[0]) == "2" {
			return http.StatusOK, result(map[string]any{"feerate": 0.00012, "blocks": 2})
		}
		return http.StatusOK, result(map[string]any{"errors": []string{"Insufficient data or no feerate found"}, "blocks": 0})
	})

	rate, ok, err := c.EstimateSmartFee(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.00012, rate, 1e-12)

	_, ok, err = c.EstimateSmartFee(context.Background(), 1008)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRPCClientBroadcastRejected(t *testing.T) {
	c, _ := newTestClient(t, func(string, []json.RawMessage) (int, any) {
		return http.StatusInternalServerError, rpcError(-26, "min relay fee not met")
	})

	tx := chaincfg.RegressionNetParams.GenesisBlock.Transactions[0]
	_, err := c.SendRawTransaction(context.Background(), tx)
	require.ErrorIs(t, err, ErrRejected)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(&HTTPStatusError{StatusCode: 401}))
	assert.True(t, IsTransient(&HTTPStatusError{StatusCode: 503}))
}
