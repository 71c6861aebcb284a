package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay pending and stalled WAL entries",
		Long: `Re-execute WAL entries that are pending, or in progress with an
expired lease, through the built-in operation handlers.

Only entries younger than wal.replay_max_age are considered, at most
wal.replay_limit per run. Unlike recover, replay does not sweep.

Exit codes:
  0 - No replayed entry failed
  1 - At least one entry failed during replay
  2 - Command error (database not found, etc.)

Examples:
  durable replay --db ./durable.db
  durable replay --db ./durable.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.replayer.Replay(ctx)
	if err != nil {
		return wrapFault("replay failed", err)
	}

	text := fmt.Sprintf("Replay: %d total, %d succeeded, %d failed, %d deferred, %d skipped\n",
		stats.Total, stats.Succeeded, stats.Failed, stats.Deferred, stats.Skipped)
	if err := a.out.Success(stats, text); err != nil {
		return err
	}
	if stats.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entry(ies) failed during replay", stats.Failed))
	}
	return nil
}
