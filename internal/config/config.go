package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHUNKD"

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	ChunkDir   string
	OutputDir  string
	LedgerPath string

	MaxChunkSize  int64
	StaleAfter    time.Duration
	SweepInterval time.Duration

	LogLevel  string
	LogFormat string

	AllowedOrigins []string
}

// New returns a viper instance carrying the defaults and env binding.
// Callers may bind flags into it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("addr", "127.0.0.1:3000")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("storage.chunk_dir", "./tmp/chunks")
	v.SetDefault("storage.output_dir", "./tmp/uploads")
	v.SetDefault("ledger.path", "./tmp/db/ledger.db")
	v.SetDefault("upload.max_chunk_size", "64MB")
	v.SetDefault("upload.stale_after", "24h")
	v.SetDefault("upload.sweep_interval", "10m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the optional config file and resolves every key.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	maxChunk, err := units.RAMInBytes(v.GetString("upload.max_chunk_size"))
	if err != nil {
		return Config{}, fmt.Errorf("upload.max_chunk_size: %w", err)
	}

	cfg := Config{
		Addr:            v.GetString("addr"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		ChunkDir:        v.GetString("storage.chunk_dir"),
		OutputDir:       v.GetString("storage.output_dir"),
		LedgerPath:      v.GetString("ledger.path"),
		MaxChunkSize:    maxChunk,
		StaleAfter:      v.GetDuration("upload.stale_after"),
		SweepInterval:   v.GetDuration("upload.sweep_interval"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		AllowedOrigins:  v.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr is required")
	case c.ChunkDir == "":
		return errors.New("storage.chunk_dir is required")
	case c.OutputDir == "":
		return errors.New("storage.output_dir is required")
	case c.LedgerPath == "":
		return errors.New("ledger.path is required")
	case c.MaxChunkSize <= 0:
		return errors.New("upload.max_chunk_size must be positive")
	case c.StaleAfter <= 0:
		return errors.New("upload.stale_after must be positive")
	case c.SweepInterval <= 0:
		return errors.New("upload.sweep_interval must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}
