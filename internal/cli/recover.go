package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass and report",
		Long: `Replay pending WAL entries, sweep expired WAL entries and idempotency
keys, and list sagas that have not reached a terminal state.

Exit codes:
  0 - Every recovery task succeeded
  1 - At least one task failed (see errors in the report)
  2 - Command error (bad config, database not reachable, etc.)

Examples:
  durable recover --db ./durable.db
  durable recover -c durable.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
	return cmd
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.recoverer().RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "recovery interrupted", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Replay: %d total, %d succeeded, %d failed, %d deferred, %d skipped\n",
		report.Replay.Total, report.Replay.Succeeded, report.Replay.Failed,
		report.Replay.Deferred, report.Replay.Skipped)
	fmt.Fprintf(&b, "Swept: %d WAL entries, %d idempotency keys\n", report.WALSwept, report.KeysSwept)
	if report.WALExhausted > 0 {
		fmt.Fprintf(&b, "Failed after exhausting retries: %d WAL entries\n", report.WALExhausted)
	}
	fmt.Fprintf(&b, "Unfinished sagas: %d\n", len(report.UnfinishedSagas))
	for _, s := range report.UnfinishedSagas {
		fmt.Fprintf(&b, "  %s %s [%s] %d/%d steps\n", s.ID, s.Name, s.Status, s.Completed, s.Total)
	}
	tasks := make([]string, 0, len(report.Errors))
	for task := range report.Errors {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	for _, task := range tasks {
		fmt.Fprintf(&b, "Error in %s: %s\n", task, report.Errors[task])
	}

	if err := a.out.Success(report, b.String()); err != nil {
		return err
	}
	if !report.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d recovery task(s) failed", len(report.Errors)))
	}
	return nil
}
