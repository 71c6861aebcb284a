package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/durable/internal/httpapi"
	"github.com/roach88/durable/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr             string
	RecoveryInterval time.Duration

	// Ready, when set, receives the bound listener address (for testing).
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run startup recovery and serve the HTTP API",
		Long: `Run a recovery pass (WAL replay and retention sweeps), then serve the
HTTP API while repeating recovery on an interval.

Example:
  durable serve --db ./durable.db
  durable serve -c durable.yaml --addr :9090 --recovery-interval 1m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().DurationVar(&opts.RecoveryInterval, "recovery-interval", 5*time.Minute, "interval between recovery passes")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracer, err := telemetry.SetupTracer(ctx, a.cfg.Telemetry.OTLPEndpoint, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			a.logger.Error("error flushing traces", "error", err)
		}
	}()

	shutdownMeter, err := telemetry.SetupMeter(ctx, a.cfg.Telemetry.OTLPEndpoint, a.cfg.Telemetry.ServiceName)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up metrics", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMeter(flushCtx); err != nil {
			a.logger.Error("error flushing metrics", "error", err)
		}
	}()

	addr := a.cfg.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	apiOpts := []httpapi.Option{httpapi.WithPinger(a.store), httpapi.WithLogger(a.logger)}
	for op, h := range builtinOperations() {
		apiOpts = append(apiOpts, httpapi.WithOperation(op, h))
	}
	api := httpapi.New(a.log, a.registry, a.sagas, apiOpts...)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("durable serving", "addr", ln.Addr().String(), "db", a.cfg.Database.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Loop runs the startup pass immediately.
		err := a.recoverer().Loop(gctx, opts.RecoveryInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.logger.Info("durable stopped gracefully")
	return nil
}
