package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/evolvedb/evolve/internal/config"
	"github.com/evolvedb/evolve/internal/db"
	"github.com/evolvedb/evolve/internal/log"
	"github.com/evolvedb/evolve/internal/schema"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	ConfigPath string
	Backend    string
	Path       string
	DSN        string
	JSONOutput bool
}

func (g *globalFlags) loadConfig() (config.Config, error) {
	env := map[string]string{}
	if g.Backend != "" {
		env["EVOLVE_STORAGE_BACKEND"] = g.Backend
	}
	if g.Path != "" {
		env["EVOLVE_STORAGE_PATH"] = g.Path
	}
	if g.DSN != "" {
		env["EVOLVE_STORAGE_DSN"] = g.DSN
	}
	return config.Load(config.LoadOptions{
		ConfigPath: g.ConfigPath,
		Env:        env,
	})
}

// withManager loads config, builds the logger and manager, runs fn, and
// tears everything down. Every subcommand body goes through here.
func withManager(ctx context.Context, globals *globalFlags, fn func(ctx context.Context, m *db.Manager, logger *slog.Logger) error) error {
	cfg, err := globals.loadConfig()
	if err != nil {
		return mapCommandError(err)
	}

	logger, closer, err := log.New(log.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return mapCommandError(err)
	}
	defer closeQuietly(closer)

	registry, err := schema.Catalog()
	if err != nil {
		return mapCommandError(err)
	}

	manager, err := db.NewManager(cfg, registry, nil, logger)
	if err != nil {
		return mapCommandError(err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	if err := manager.Initialize(ctx); err != nil {
		return mapCommandError(err)
	}
	return mapCommandError(fn(ctx, manager, logger))
}

func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
