// Package app owns the process wide context: it opens the store, connects
// to the node, wires every component and tears them down on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/sync/errgroup"

	"github.com/setavenger/blindbit-electrum/internal/cache"
	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/config"
	"github.com/setavenger/blindbit-electrum/internal/database"
	"github.com/setavenger/blindbit-electrum/internal/database/dbpebble"
	"github.com/setavenger/blindbit-electrum/internal/dblevel"
	"github.com/setavenger/blindbit-electrum/internal/events"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/mempool"
	"github.com/setavenger/blindbit-electrum/internal/query"
	"github.com/setavenger/blindbit-electrum/internal/server"
	"github.com/setavenger/blindbit-electrum/internal/server/electrum"
	v2 "github.com/setavenger/blindbit-electrum/internal/server/v2"
)

var ErrChainMismatch = errors.New("node serves a different chain")

type App struct {
	cfg    *config.Config
	store  database.Store
	client chain.Client
	bus    events.Bus

	History  *cache.History
	Indexer  *indexer.Indexer
	Mempool  *mempool.Tracker
	Query    *query.Engine
	Electrum *electrum.Server
	API      *server.ApiHandler
	Health   *v2.HealthService
}

// New opens the store configured in cfg and wires the components on top of client.
func New(cfg *config.Config, client chain.Client) (*App, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, store, client)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, store database.Store, client chain.Client) (*App, error) {
	params, err := ChainParams(cfg.Chain)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: store, client: client, bus: events.NewBus()}
	a.History, err = cache.New(store, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	a.Indexer = indexer.New(indexer.Config{
		ParseWorkers:  cfg.MaxParallelParse,
		PollInterval:  cfg.PollInterval,
		StallTimeout:  cfg.StallTimeout,
		UndoDepth:     cfg.UndoDepth,
		ProgressEvery: cfg.ProgressEvery,
	}, store, client, a.History, a.bus)
	a.Mempool = mempool.New(mempool.Config{
		FetchWorkers: cfg.MaxParallelParse,
		Interval:     cfg.MempoolInterval,
	}, store, client, a.bus)
	a.Query = query.New(store, a.History, a.Mempool, client, a.Indexer)

	a.Electrum = electrum.New(electrum.Config{
		Addr:            cfg.ElectrumHost,
		WSAddr:          cfg.ElectrumWSHost,
		QueueSize:       cfg.SessionQueue,
		IdleTimeout:     cfg.IdleTimeout,
		MaxSessions:     cfg.MaxSessions,
		Banner:          cfg.Banner,
		GenesisHash:     params.GenesisHash.String(),
		ServerVersion:   config.ServerVersion,
		ProtocolVersion: config.ProtocolVersion,
	}, a.Query, a.bus)
	a.API = server.NewApiHandler(a.Query, a.Indexer, cfg.Chain)
	a.Health = v2.NewHealthService(a.Indexer)
	return a, nil
}

// OpenStore opens the configured backend under cfg.DBPath.
func OpenStore(cfg *config.Config) (database.Store, error) {
	if err := os.MkdirAll(cfg.DBPath, 0750); err != nil {
		return nil, fmt.Errorf("error creating db path: %w", err)
	}
	switch cfg.Backend {
	case config.BackendLevelDB:
		return dblevel.OpenDBConnection(filepath.Join(cfg.DBPath, "leveldb"))
	case config.BackendPebble, "":
		return dbpebble.OpenDB(cfg.DBPath, dbpebble.Options{})
	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.Backend)
	}
}

func ChainParams(c config.Chain) (*chaincfg.Params, error) {
	switch c {
	case config.Mainnet:
		return &chaincfg.MainNetParams, nil
	case config.Signet:
		return &chaincfg.SigNetParams, nil
	case config.Regtest:
		return &chaincfg.RegressionNetParams, nil
	case config.Testnet3:
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, config.ErrChainUndefined
	}
}

// nodeChain is the chain name getblockchaininfo reports for c.
func nodeChain(c config.Chain) string {
	if c == config.Testnet3 {
		return "test"
	}
	return c.String()
}

// CheckNode verifies the node serves the configured chain when the client can tell.
func (a *App) CheckNode(ctx context.Context) error {
	rpc, ok := a.client.(*chain.RPCClient)
	if !ok {
		return nil
	}
	info, err := rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("could not reach node: %w", err)
	}
	if want := nodeChain(a.cfg.Chain); info.Chain != want {
		return fmt.Errorf("%w: configured %s, node %s", ErrChainMismatch, want, info.Chain)
	}
	logging.L.Info().Str("chain", info.Chain).Int32("blocks", info.Blocks).Msg("connected to node")
	return nil
}

// Run starts every component and blocks until ctx is done or one of them fails.
// A fatal indexing error stops the indexer only, the servers keep answering
// with the index reported as unavailable.
func (a *App) Run(ctx context.Context) error {
	if err := a.CheckNode(ctx); err != nil {
		return err
	}
	if err := a.Electrum.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Indexer.Run(ctx)
		if errors.Is(err, indexer.ErrFatal) {
			logging.L.Error().Err(err).Msg("indexing halted, queries are refused until the index is rebuilt")
			a.Health.Update()
			return nil
		}
		return ignoreCanceled(err)
	})
	g.Go(func() error { return ignoreCanceled(a.Mempool.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.Health.Run(ctx, a.cfg.PollInterval)) })
	g.Go(func() error { return a.Electrum.ListenAndServe(ctx) })
	if a.cfg.HTTPHost != "" {
		g.Go(func() error { return server.RunServer(ctx, a.cfg.HTTPHost, a.API) })
	}
	if a.cfg.GRPCHost != "" {
		g.Go(func() error { return v2.RunGRPCServer(ctx, a.cfg.GRPCHost, a.Health) })
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the store. Run must have returned.
func (a *App) Close() error {
	if err := a.store.Close(); err != nil {
		logging.L.Err(err).Msg("db close failed")
		return err
	}
	logging.L.Debug().Msg("db closed successfully")
	return nil
}
