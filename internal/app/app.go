// Package app wires the sync daemon together: local store, remote adapter,
// engine and background trigger, plus the small command surface exposed by
// cmd/syncd.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbcrane13/CrabyFace-sub003/internal/config"
	"github.com/jbcrane13/CrabyFace-sub003/internal/engine"
	"github.com/jbcrane13/CrabyFace-sub003/internal/entity"
	"github.com/jbcrane13/CrabyFace-sub003/internal/filex"
	"github.com/jbcrane13/CrabyFace-sub003/internal/logging"
	"github.com/jbcrane13/CrabyFace-sub003/internal/remote"
	"github.com/jbcrane13/CrabyFace-sub003/internal/report"
	"github.com/jbcrane13/CrabyFace-sub003/internal/store"
)

type App struct {
	config  *config.Config
	store   store.Store
	adapter remote.Adapter
	engine  *engine.Engine
	log     logging.Logger
	out     io.Writer

	closeLog func()
}

// NewApp builds the daemon from config. The remote adapter is the in-memory
// one; a deployment against a real backend swaps it at this seam.
func NewApp(c *config.Config) (*App, error) {
	ctx := context.Background()

	zl, err := newZapLogger(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.NewZapLogger(zl)

	reg := entity.NewRegistry()
	report.Register(reg)

	if err := filex.EnsureParentDir(c.DatabaseDSN); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, c.DatabaseDSN, reg)
	if err != nil {
		log.Error(ctx, "error initializing database", "err", err)
		return nil, err
	}

	ad := remote.NewMemoryAdapter()

	eng := engine.New(st, ad, reg, log)

	return &App{
		config:   c,
		store:    st,
		adapter:  ad,
		engine:   eng,
		log:      log,
		out:      os.Stdout,
		closeLog: func() { _ = zl.Sync() },
	}, nil
}

func newZapLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func (a *App) options() engine.Options {
	opts := engine.DefaultOptions()
	opts.Direction = a.config.Direction
	opts.Strategy = a.config.Strategy
	opts.BatchSize = a.config.BatchSize
	opts.RetryAttempts = a.config.RetryAttempts
	opts.Timeout = a.config.Timeout
	return opts
}

// Run dispatches the subcommand in args (already stripped of flags) and
// blocks until it completes. With no subcommand the daemon runs until
// interrupted.
func (a *App) Run(ctx context.Context, args []string) error {
	defer a.Close()

	cmd := "run"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		return a.runDaemon(ctx)
	case "sync":
		return a.runOnce(ctx)
	case "pending":
		return a.listPending(ctx)
	case "conflicts":
		return a.listConflicts(ctx)
	case "resolve":
		return a.resolveConflict(ctx, args)
	}
	return fmt.Errorf("unknown command %q (expected run, sync, pending, conflicts or resolve)", cmd)
}

func (a *App) Close() {
	if err := a.adapter.Close(); err != nil {
		a.log.Warn(context.Background(), "error closing remote adapter", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn(context.Background(), "error closing store", "err", err)
	}
	a.closeLog()
}
