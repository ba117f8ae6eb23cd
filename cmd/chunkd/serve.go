package main

import (
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lvbu1984/chunkd/internal/api"
	"github.com/lvbu1984/chunkd/internal/config"
	"github.com/lvbu1984/chunkd/internal/lifecycle"
	"github.com/lvbu1984/chunkd/internal/logging"
	"github.com/lvbu1984/chunkd/internal/metrics"
	"github.com/lvbu1984/chunkd/internal/storage"
	"github.com/lvbu1984/chunkd/internal/upload"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chunk upload HTTP service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default 127.0.0.1:3000)")
	cmd.Flags().String("chunk-dir", "", "directory for chunk artifacts")
	cmd.Flags().String("output-dir", "", "directory for merged files")
	cmd.Flags().String("ledger", "", "path of the SQLite progress ledger")
	return cmd
}

// loadConfig binds the flags that were set on cmd over the defaults and env.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	bindings := map[string]string{
		"addr":       "addr",
		"chunk-dir":  "storage.chunk_dir",
		"output-dir": "storage.output_dir",
		"ledger":     "ledger.path",
		"log-level":  "log.level",
		"log-format": "log.format",
	}
	for flag, key := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}

	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ledger, err := lifecycle.OpenSQLite(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	m := metrics.New()
	coord := upload.NewCoordinator(storage.NewDiskStore(cfg.ChunkDir), ledger, upload.Options{
		OutputDir:    cfg.OutputDir,
		MaxChunkSize: cfg.MaxChunkSize,
		Observer:     m,
		Logger:       logger,
	})
	server := api.NewServer(coord, ledger, api.Options{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxChunkSize:   cfg.MaxChunkSize,
		StaleAfter:     cfg.StaleAfter,
		Metrics:        m.Handler(),
	})

	logger.Info("starting chunkd",
		"chunk_dir", cfg.ChunkDir,
		"output_dir", cfg.OutputDir,
		"ledger", cfg.LedgerPath,
		"max_chunk_size", units.HumanSize(float64(cfg.MaxChunkSize)),
		"stale_after", cfg.StaleAfter,
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return server.Run(ctx, cfg.Addr, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		err := lifecycle.StartExpirationScheduler(ctx, ledger, coord, cfg.StaleAfter, cfg.SweepInterval, logger.With("component", "expiration"))
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("chunkd stopped", "error", err)
		return err
	}
	logger.Info("chunkd stopped")
	return nil
}
