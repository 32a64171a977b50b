package electrum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/setavenger/blindbit-electrum/internal/types"
	"github.com/sourcegraph/jsonrpc2"
)

// Error codes beyond the JSON-RPC ones, as used by electrum servers.
const (
	CodeBadRequest  int64 = 1
	CodeDaemonError int64 = 2
)

func invalidParams(format string, args ...interface{}) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// unmarshalParams decodes the positional params of req into dst in order.
// Trailing params may be omitted, required says how many must be present.
func unmarshalParams(req *jsonrpc2.Request, required int, dst ...interface{}) error {
	var raw []json.RawMessage
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &raw); err != nil {
			return invalidParams("params must be an array")
		}
	}
	if len(raw) < required {
		return invalidParams("expected at least %d params, got %d", required, len(raw))
	}
	if len(raw) > len(dst) {
		return invalidParams("expected at most %d params, got %d", len(dst), len(raw))
	}
	for i, r := range raw {
		if err := json.Unmarshal(r, dst[i]); err != nil {
			return invalidParams("param %d: %v", i, err)
		}
	}
	return nil
}

func parseScriptHash(s string) (types.ScriptHash, error) {
	sh, err := types.ScriptHashFromHex(s)
	if err != nil {
		return types.ScriptHash{}, invalidParams("invalid scripthash %q", s)
	}
	return sh, nil
}

func parseTxid(s string) (*chainhash.Hash, error) {
	if len(s) != 2*chainhash.HashSize {
		return nil, invalidParams("invalid tx hash %q", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return nil, invalidParams("invalid tx hash %q", s)
	}
	txid, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, invalidParams("invalid tx hash %q", s)
	}
	return txid, nil
}
