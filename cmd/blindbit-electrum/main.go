package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/setavenger/blindbit-electrum/internal/app"
	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/config"
	"github.com/setavenger/blindbit-electrum/internal/logging"
)

var Version = "0.0.0"

var (
	baseDirectory  string
	configPath     string
	displayVersion bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "blindbit-electrum",
		Short:         "Electrum and REST server over a bitcoin transaction index",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if displayVersion {
				// using fmt because loggers are not initialised
				fmt.Println("blindbit-electrum version:", Version)
				return nil
			}
			return run(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&baseDirectory, "datadir", config.DefaultBaseDirectory,
		"Set the base directory for blindbit-electrum. Default directory is ~/.blindbit-electrum")
	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the config file, defaults to <datadir>/"+config.ConfigFileName)
	cmd.Flags().BoolVar(&displayVersion, "version", false, "show version of blindbit-electrum")

	cmd.AddCommand(dbCmd(), healthCmd())
	return cmd
}

// loadConfig resolves the base directory and reads the config file in it.
func loadConfig() (*config.Config, error) {
	baseDir := config.ResolvePath(baseDirectory)
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		logging.L.Err(err).Msg("error creating base directory")
		return nil, err
	}
	logging.L.Info().Msgf("base directory %s", baseDir)

	path := configPath
	if path == "" {
		path = filepath.Join(baseDir, config.ConfigFileName)
	}
	cfg, err := config.LoadConfigs(baseDir, path)
	if err != nil {
		logging.L.Err(err).Msg("invalid config")
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.SetLogLevel(logging.ParseLevel(cfg.LogLevel))
	if cfg.LogToFile {
		if err := logging.SetLogOutput(cfg.LogsPath, "blindbit-electrum.log"); err != nil {
			logging.L.Warn().Err(err).Msg("Failed to initialize file logging")
		}
		defer logging.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := chain.NewRPCClient(chain.RPCConfig{
		Endpoint:          cfg.RpcEndpoint,
		User:              cfg.RpcUser,
		Pass:              cfg.RpcPass,
		Timeout:           cfg.RPCTimeout,
		MaxRetries:        cfg.RPCRetries,
		RequestsPerSecond: cfg.MaxRPCPerSecond,
	})

	a, err := app.New(cfg, client)
	if err != nil {
		logging.L.Err(err).Msg("failed opening db")
		return err
	}
	defer a.Close()

	logging.L.Info().Str("version", Version).Msg("Program Started")
	defer logging.L.Info().Msg("Program shut down")

	if err := a.Run(ctx); err != nil {
		logging.L.Err(err).Msg("program failed")
		return err
	}
	return nil
}
