package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/config"
	"github.com/roach88/durable/internal/idempotency"
	"github.com/roach88/durable/internal/recovery"
	"github.com/roach88/durable/internal/saga"
	"github.com/roach88/durable/internal/store"
	"github.com/roach88/durable/internal/telemetry"
	"github.com/roach88/durable/internal/wal"
)

// app is the set of components every command works with, built from config.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	log      *wal.Log
	registry *idempotency.Registry
	sagas    *saga.Coordinator
	replayer *wal.Replayer
	cache    *idempotency.RedisCache
	out      *OutputFormatter
}

// builtinOperations are the handlers every node registers for replay and
// synchronous HTTP execution.
func builtinOperations() map[string]wal.Handler {
	return map[string]wal.Handler{
		"echo": func(ctx context.Context, e wal.Entry) (json.RawMessage, error) {
			return e.Payload.Data, nil
		},
	}
}

func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}

	logger, err := newLogger(cfg.LogLevel, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}
	slog.SetDefault(logger)

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}

	regOpts := []idempotency.Option{
		idempotency.WithLogger(logger),
		idempotency.WithDefaultTTL(cfg.Idempotency.TTL),
		idempotency.WithLockTTL(cfg.Idempotency.LockTTL),
		idempotency.WithFailedTTL(cfg.Idempotency.FailedTTL),
	}
	if cfg.Idempotency.RedisAddr != "" {
		cache, err := idempotency.DialRedisCache(ctx, cfg.Idempotency.RedisAddr, cfg.Idempotency.RedisPrefix)
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		a.cache = cache
		regOpts = append(regOpts, idempotency.WithCache(cache))
	}

	a.log = wal.New(st,
		wal.WithLogger(logger),
		wal.WithDefaultMaxRetries(cfg.WAL.MaxRetries),
		wal.WithLease(cfg.WAL.Lease),
	)
	a.registry = idempotency.New(st, regOpts...)
	a.sagas = saga.New(st, saga.WithLogger(logger))
	a.replayer = wal.NewReplayer(a.log, cfg.WAL.ReplayMaxAge, cfg.WAL.ReplayLimit)
	for op, h := range builtinOperations() {
		a.replayer.Register(op, h)
	}
	return a, nil
}

func (a *app) recoverer() *recovery.Recoverer {
	return recovery.New(
		recovery.WithReplayer(a.replayer),
		recovery.WithWALSweep(a.log, a.cfg.WAL.Retention),
		recovery.WithRegistry(a.registry),
		recovery.WithSagas(a.sagas, 0),
		recovery.WithLogger(a.logger),
	)
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("error closing redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

func newLogger(level string, verbose bool, w io.Writer) (*slog.Logger, error) {
	lvl, err := telemetry.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return telemetry.NewLogger(w, lvl), nil
}
