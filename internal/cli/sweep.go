package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Retention time.Duration
}

// SweepResult is the JSON output of the sweep command.
type SweepResult struct {
	WALSwept  int64 `json:"wal_swept"`
	KeysSwept int64 `json:"keys_swept"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished WAL entries and expired idempotency keys",
		Long: `Delete completed and compensated WAL entries older than the retention
window, and idempotency keys whose expiry has passed. Failed entries are kept.

Examples:
  durable sweep --db ./durable.db
  durable sweep --db ./durable.db --retention 72h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Retention, "retention", 0, "WAL retention (overrides wal.retention)")
	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	retention := a.cfg.WAL.Retention
	if opts.Retention > 0 {
		retention = opts.Retention
	}

	var res SweepResult
	if res.WALSwept, err = a.log.Sweep(ctx, retention); err != nil {
		return wrapFault("wal sweep failed", err)
	}
	if res.KeysSwept, err = a.registry.Sweep(ctx, time.Now()); err != nil {
		return wrapFault("idempotency sweep failed", err)
	}

	return a.out.Success(res, fmt.Sprintf("Swept %d WAL entries and %d idempotency keys.\n", res.WALSwept, res.KeysSwept))
}
