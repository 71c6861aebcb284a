package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/saga"
)

// NewSagaCommand creates the saga command group.
func NewSagaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect saga executions",
	}
	cmd.AddCommand(newSagaShowCommand(rootOpts))
	cmd.AddCommand(newSagaListCommand(rootOpts))
	return cmd
}

// SagaView is the JSON output of saga show.
type SagaView struct {
	Summary saga.Summary  `json:"summary"`
	Saga    saga.Snapshot `json:"saga"`
}

func newSagaShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show a saga with its steps",
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

			snap, err := a.sagas.Get(ctx, args[0])
			if err != nil {
				return wrapFault("failed to load saga", err)
			}
			sum, err := a.sagas.Summary(ctx, args[0])
			if err != nil {
				return wrapFault("failed to summarize saga", err)
			}
			return a.out.Success(SagaView{Summary: sum, Saga: snap}, formatSaga(snap, sum))
		},
	}
}

func newSagaListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List sagas that have not finished",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snaps, err := a.sagas.ListUnfinished(ctx, limit)
			if err != nil {
				return wrapFault("failed to list sagas", err)
			}
			if len(snaps) == 0 {
				return a.out.Success(snaps, "No unfinished sagas.\n")
			}

			var b strings.Builder
			tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tNEXT\tCREATED")
			for _, s := range snaps {
				next, _ := s.NextStep()
				if pending := s.PendingCompensations(); len(pending) > 0 {
					next = "undo " + pending[0]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID(), s.Name(), s.Status(), next, s.CreatedAt().Format(time.RFC3339))
			}
			tw.Flush()
			return a.out.Success(snaps, b.String())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sagas to list")
	return cmd
}

func formatSaga(s saga.Snapshot, sum saga.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Saga %s (%s): %s\n", s.ID(), s.Name(), s.Status())
	fmt.Fprintf(&b, "Progress: %d/%d completed, %d failed, elapsed %s\n", sum.Completed, sum.Total, sum.Failed, sum.Elapsed)
	if s.Error() != "" {
		fmt.Fprintf(&b, "Error: %s\n", s.Error())
	}
	for i, st := range s.Steps() {
		fmt.Fprintf(&b, "  %d. %-24s %s", i+1, st.Name, st.Status)
		if st.Error != "" {
			fmt.Fprintf(&b, " (%s)", st.Error)
		}
		if st.CompensationError != "" {
			fmt.Fprintf(&b, " (compensation: %s)", st.CompensationError)
		}
		b.WriteString("\n")
	}
	for _, e := range s.CompensationErrors() {
		fmt.Fprintf(&b, "Compensation error: %s\n", e)
	}
	return b.String()
}
