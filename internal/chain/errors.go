package chain

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcjson"
)

// bitcoind error codes we act on
const (
	rpcInvalidAddressOrKey  btcjson.RPCErrorCode = -5
	rpcInvalidParameter     btcjson.RPCErrorCode = -8
	rpcInWarmup             btcjson.RPCErrorCode = -28
	rpcVerifyError          btcjson.RPCErrorCode = -25
	rpcVerifyRejected       btcjson.RPCErrorCode = -26
	rpcVerifyAlreadyInChain btcjson.RPCErrorCode = -27
)

// HTTPStatusError is a non 2xx answer without a JSON-RPC error body.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("node http status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying: network failures,
// 5xx answers and the node still warming up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcInWarmup
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func rpcErrorCode(err error) (btcjson.RPCErrorCode, bool) {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}
