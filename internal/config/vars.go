package config

import (
	"runtime"
	"time"
)

const (
	ConfigFileName       string = "blindbit-electrum.toml"
	DefaultBaseDirectory string = "~/.blindbit-electrum"

	// ServerVersion is reported by server.version and the REST /health endpoint.
	ServerVersion   string = "blindbit-electrum 0.1.0"
	ProtocolVersion string = "1.4"
)

type Chain int

const (
	Unknown Chain = iota
	Mainnet
	Signet
	Regtest
	Testnet3
)

func (c Chain) String() string {
	switch c {
	case Mainnet:
		return "main"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	case Testnet3:
		return "testnet"
	default:
		return "unknown"
	}
}

func ParseChain(s string) Chain {
	switch s {
	case "main", "mainnet":
		return Mainnet
	case "signet":
		return Signet
	case "regtest":
		return Regtest
	case "testnet", "testnet3":
		return Testnet3
	default:
		return Unknown
	}
}

type Backend string

const (
	BackendPebble  Backend = "pebble"
	BackendLevelDB Backend = "leveldb"
)

// defaults, overridden by the config file or the environment
var (
	DefaultRpcEndpoint       = "http://127.0.0.1:8332"
	DefaultElectrumHost      = "127.0.0.1:50001"
	DefaultElectrumWSHost    = "" // deactivated
	DefaultHTTPHost          = "127.0.0.1:3000"
	DefaultGRPCHost          = "" // deactivated
	DefaultMaxParallelParse  = max(runtime.NumCPU()-2, 1)
	DefaultMaxRPCPerSecond   = 200
	DefaultRPCTimeout        = 30 * time.Second
	DefaultRPCRetries uint64 = 5
	DefaultPollInterval      = 3 * time.Second
	DefaultMempoolInterval   = 5 * time.Second
	DefaultStallTimeout      = 2 * time.Minute
	DefaultUndoDepth  uint32 = 1000
	DefaultCacheSize         = 10_000
	DefaultSessionQueue      = 256
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultMaxSessions       = 1000
	DefaultProgressEvery     = 1000
)
