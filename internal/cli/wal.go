package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/wal"
)

// WALListOptions holds flags for wal list.
type WALListOptions struct {
	*RootOptions
	Status string
	Limit  int
}

// NewWALCommand creates the wal command group.
func NewWALCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect and repair write-ahead log entries",
	}
	cmd.AddCommand(newWALListCommand(rootOpts))
	cmd.AddCommand(newWALShowCommand(rootOpts))
	cmd.AddCommand(newWALCompensateCommand(rootOpts))
	return cmd
}

func newWALListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WALListOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List WAL entries, newest first",
		Example: `  durable wal list --db ./durable.db
  durable wal list --db ./durable.db --status failed --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALList(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending|in_progress|completed|failed|compensated)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries to list")
	return cmd
}

func runWALList(opts *WALListOptions, cmd *cobra.Command) error {
	status := wal.Status(opts.Status)
	if status != "" && !status.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "limit must be positive")
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ListEntries(ctx, status, opts.Limit)
	if err != nil {
		return wrapFault("failed to list entries", err)
	}
	if len(entries) == 0 {
		return a.out.Success(entries, "No WAL entries found.\n")
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tSTATUS\tRETRIES\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n",
			e.ID, e.OperationType, e.Status, e.RetryCount, e.MaxRetries, e.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
	return a.out.Success(entries, b.String())
}

func newWALShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one WAL entry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.log.Get(ctx, args[0])
			if err != nil {
				return wrapFault("failed to load entry", err)
			}
			return a.out.Success(e, formatEntry(e))
		},
	}
}

func newWALCompensateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compensate <id>",
		Short: "Mark a failed WAL entry as compensated",
		Long: `Record that the rollback for a failed entry has been applied by hand.
Only failed entries can be compensated.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.log.Compensate(ctx, args[0]); err != nil {
				return wrapFault("failed to compensate entry", err)
			}
			e, err := a.log.Get(ctx, args[0])
			if err != nil {
				return wrapFault("failed to load entry", err)
			}
			return a.out.Success(e, fmt.Sprintf("Entry %s compensated.\n", e.ID))
		},
	}
}

func formatEntry(e wal.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:          %s\n", e.ID)
	fmt.Fprintf(&b, "Operation:   %s\n", e.OperationType)
	fmt.Fprintf(&b, "Status:      %s\n", e.Status)
	fmt.Fprintf(&b, "Retries:     %d/%d\n", e.RetryCount, e.MaxRetries)
	fmt.Fprintf(&b, "Created:     %s\n", e.CreatedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Updated:     %s\n", e.UpdatedAt.Format(time.RFC3339Nano))
	if e.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed:   %s\n", e.CompletedAt.Format(time.RFC3339Nano))
	}
	if e.LeaseExpiresAt != nil {
		fmt.Fprintf(&b, "Lease until: %s\n", e.LeaseExpiresAt.Format(time.RFC3339Nano))
	}
	if e.IdempotencyKey != "" {
		fmt.Fprintf(&b, "Key:         %s\n", e.IdempotencyKey)
	}
	if e.CorrelationID != "" {
		fmt.Fprintf(&b, "Correlation: %s\n", e.CorrelationID)
	}
	fmt.Fprintf(&b, "Payload:     %s\n", e.Payload.Data)
	if len(e.Result) > 0 {
		fmt.Fprintf(&b, "Result:      %s\n", e.Result)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "Error:       %s\n", e.Error)
	}
	return b.String()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
