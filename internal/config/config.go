package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/spf13/viper"
)

var ErrChainUndefined = errors.New("chain undefined")

// Config is built once at startup and handed to app.New.
type Config struct {
	BaseDirectory string
	DBPath        string
	LogsPath      string
	LogLevel      string
	LogToFile     bool

	Chain   Chain
	Backend Backend

	// node
	RpcEndpoint     string
	CookiePath      string
	RpcUser         string
	RpcPass         string
	RPCTimeout      time.Duration
	RPCRetries      uint64
	MaxRPCPerSecond int

	// indexer
	MaxParallelParse int
	PollInterval     time.Duration
	MempoolInterval  time.Duration
	StallTimeout     time.Duration
	UndoDepth        uint32
	ProgressEvery    int

	// query
	CacheSize int

	// servers
	ElectrumHost   string
	ElectrumWSHost string
	HTTPHost       string
	GRPCHost       string
	SessionQueue   int
	IdleTimeout    time.Duration
	MaxSessions    int
	Banner         string
}

// Default returns a Config populated with the package defaults for baseDir.
func Default(baseDir string) *Config {
	cfg := &Config{
		LogLevel:         "info",
		Chain:            Signet,
		Backend:          BackendPebble,
		RpcEndpoint:      DefaultRpcEndpoint,
		RPCTimeout:       DefaultRPCTimeout,
		RPCRetries:       DefaultRPCRetries,
		MaxRPCPerSecond:  DefaultMaxRPCPerSecond,
		MaxParallelParse: DefaultMaxParallelParse,
		PollInterval:     DefaultPollInterval,
		MempoolInterval:  DefaultMempoolInterval,
		StallTimeout:     DefaultStallTimeout,
		UndoDepth:        DefaultUndoDepth,
		ProgressEvery:    DefaultProgressEvery,
		CacheSize:        DefaultCacheSize,
		ElectrumHost:     DefaultElectrumHost,
		ElectrumWSHost:   DefaultElectrumWSHost,
		HTTPHost:         DefaultHTTPHost,
		GRPCHost:         DefaultGRPCHost,
		SessionQueue:     DefaultSessionQueue,
		IdleTimeout:      DefaultIdleTimeout,
		MaxSessions:      DefaultMaxSessions,
	}
	cfg.SetDirectories(baseDir)
	return cfg
}

// SetDirectories resolves baseDir and derives the data and log paths from it.
func (c *Config) SetDirectories(baseDir string) {
	c.BaseDirectory = ResolvePath(baseDir)
	c.DBPath = filepath.Join(c.BaseDirectory, "data")
	c.LogsPath = filepath.Join(c.BaseDirectory, "logs")
}

// LoadConfigs reads pathToConfig (a missing file is not an error) and the environment on top of
// the defaults.
func LoadConfigs(baseDir, pathToConfig string) (*Config, error) {
	cfg := Default(baseDir)
	v := viper.New()

	v.SetConfigFile(pathToConfig)
	if err := v.ReadInConfig(); err != nil {
		logging.L.Warn().Err(err).Msg("No config file detected")
	}

	/* set defaults */
	v.SetDefault("chain", cfg.Chain.String())
	v.SetDefault("db_backend", string(cfg.Backend))
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_to_file", false)

	v.SetDefault("rpc_endpoint", cfg.RpcEndpoint)
	v.SetDefault("rpc_timeout", cfg.RPCTimeout)
	v.SetDefault("rpc_retries", cfg.RPCRetries)
	v.SetDefault("max_rpc_per_second", cfg.MaxRPCPerSecond)

	v.SetDefault("max_parallel_parse", cfg.MaxParallelParse)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("mempool_interval", cfg.MempoolInterval)
	v.SetDefault("stall_timeout", cfg.StallTimeout)
	v.SetDefault("undo_depth", cfg.UndoDepth)
	v.SetDefault("progress_every", cfg.ProgressEvery)
	v.SetDefault("cache_size", cfg.CacheSize)

	v.SetDefault("electrum_host", cfg.ElectrumHost)
	v.SetDefault("electrum_ws_host", cfg.ElectrumWSHost)
	v.SetDefault("http_host", cfg.HTTPHost)
	v.SetDefault("grpc_host", cfg.GRPCHost)
	v.SetDefault("session_queue", cfg.SessionQueue)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("banner", "")

	// Bind viper keys to environment variables
	v.AutomaticEnv()
	v.BindEnv("chain", "CHAIN")
	v.BindEnv("db_backend", "DB_BACKEND")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("rpc_endpoint", "RPC_ENDPOINT")
	v.BindEnv("cookie_path", "COOKIE_PATH")
	v.BindEnv("rpc_user", "RPC_USER")
	v.BindEnv("rpc_pass", "RPC_PASS")
	v.BindEnv("electrum_host", "ELECTRUM_HOST")
	v.BindEnv("electrum_ws_host", "ELECTRUM_WS_HOST")
	v.BindEnv("http_host", "HTTP_HOST")
	v.BindEnv("grpc_host", "GRPC_HOST")
	v.BindEnv("max_parallel_parse", "MAX_PARALLEL_PARSE")
	v.BindEnv("cache_size", "CACHE_SIZE")

	/* read and set config variables */
	cfg.LogLevel = v.GetString("log_level")
	cfg.LogToFile = v.GetBool("log_to_file")
	cfg.Backend = Backend(v.GetString("db_backend"))

	cfg.RpcEndpoint = v.GetString("rpc_endpoint")
	cfg.CookiePath = v.GetString("cookie_path")
	cfg.RpcUser = v.GetString("rpc_user")
	cfg.RpcPass = v.GetString("rpc_pass")
	cfg.RPCTimeout = v.GetDuration("rpc_timeout")
	cfg.RPCRetries = v.GetUint64("rpc_retries")
	cfg.MaxRPCPerSecond = v.GetInt("max_rpc_per_second")

	cfg.MaxParallelParse = v.GetInt("max_parallel_parse")
	cfg.PollInterval = v.GetDuration("poll_interval")
	cfg.MempoolInterval = v.GetDuration("mempool_interval")
	cfg.StallTimeout = v.GetDuration("stall_timeout")
	cfg.UndoDepth = v.GetUint32("undo_depth")
	cfg.ProgressEvery = v.GetInt("progress_every")
	cfg.CacheSize = v.GetInt("cache_size")

	cfg.ElectrumHost = v.GetString("electrum_host")
	cfg.ElectrumWSHost = v.GetString("electrum_ws_host")
	cfg.HTTPHost = v.GetString("http_host")
	cfg.GRPCHost = v.GetString("grpc_host")
	cfg.SessionQueue = v.GetInt("session_queue")
	cfg.IdleTimeout = v.GetDuration("idle_timeout")
	cfg.MaxSessions = v.GetInt("max_sessions")
	cfg.Banner = v.GetString("banner")

	cfg.Chain = ParseChain(v.GetString("chain"))
	if cfg.Chain == Unknown {
		return nil, fmt.Errorf("%w: %q", ErrChainUndefined, v.GetString("chain"))
	}

	switch cfg.Backend {
	case BackendPebble, BackendLevelDB:
	default:
		return nil, fmt.Errorf("unknown db_backend %q", cfg.Backend)
	}

	if err := cfg.loadCredentials(); err != nil {
		return nil, err
	}

	logging.L.Info().
		Str("chain", cfg.Chain.String()).
		Str("db_backend", string(cfg.Backend)).
		Str("electrum_host", cfg.ElectrumHost).
		Str("http_host", cfg.HTTPHost).
		Int("max_parallel_parse", cfg.MaxParallelParse).
		Msg("config loaded")

	return cfg, nil
}

func (c *Config) loadCredentials() error {
	if c.CookiePath != "" {
		data, err := os.ReadFile(ResolvePath(c.CookiePath))
		if err != nil {
			return fmt.Errorf("error reading cookie file: %w", err)
		}

		credentials := strings.Split(strings.TrimSpace(string(data)), ":")
		if len(credentials) != 2 {
			return errors.New("cookie file is invalid")
		}
		c.RpcUser = credentials[0]
		c.RpcPass = credentials[1]
	}

	if c.RpcUser == "" {
		return errors.New("rpc user not set")
	}
	if c.RpcPass == "" {
		return errors.New("rpc pass not set")
	}
	return nil
}

// ResolvePath expands a leading ~ to the user's home directory.
func ResolvePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			logging.L.Warn().Err(err).Msg("could not resolve home directory")
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
