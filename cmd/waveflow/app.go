package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/waveflow/internal/actions"
	"github.com/rendis/waveflow/internal/definition"
	"github.com/rendis/waveflow/internal/logging"
	"github.com/rendis/waveflow/internal/manager"
	"github.com/rendis/waveflow/internal/store"
	"github.com/rendis/waveflow/internal/streaming"
	"github.com/rendis/waveflow/internal/validation"
)

// app wires the runtime dependencies shared by the commands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	registry *actions.Registry
	loader   *definition.Loader
	store    store.Store
	hub      *streaming.MemoryHub
	manager  *manager.Manager
}

func newLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// newApp builds the registry, loader and manager. The store is opened only
// when persist is true.
func newApp(ctx context.Context, cfg Config, persist bool) (*app, error) {
	logger := newLogger(os.Stderr, cfg)

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schema validator: %w", err)
	}
	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, validator); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	loader, err := definition.NewLoader(registry)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		loader:   loader,
		hub:      streaming.NewMemoryHub(),
	}

	if persist {
		if !strings.Contains(cfg.DBPath, "://") {
			dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		s, err := store.NewLibSQLStore(cfg.dsn())
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		a.store = s
	}

	a.manager = manager.New(manager.Deps{
		Registry:    registry,
		Loader:      loader,
		Store:       a.store,
		Hub:         a.hub,
		Logger:      logger,
		MaxParallel: cfg.MaxParallel,
		RetainRuns:  cfg.RetainRuns,
	})
	return a, nil
}

// close stops active runs, then releases the store.
func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
