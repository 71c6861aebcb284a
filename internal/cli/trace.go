package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// TraceEvent is one record in a correlation timeline.
type TraceEvent struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"` // "wal" or "saga"
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// TraceStats summarizes a correlation timeline.
type TraceStats struct {
	Entries    int  `json:"entries"`
	Sagas      int  `json:"sagas"`
	Open       int  `json:"open"`
	IsComplete bool `json:"is_complete"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	CorrelationID string       `json:"correlation_id"`
	Timeline      []TraceEvent `json:"timeline"`
	Stats         TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <correlation-id>",
		Short: "Show every WAL entry and saga sharing a correlation ID",
		Long: `Build a timeline of the WAL entries and sagas recorded under one
correlation ID, oldest first, and report whether all of them finished.

Examples:
  durable trace order-o-1 --db ./durable.db
  durable trace order-o-1 --db ./durable.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTrace(opts *RootOptions, correlationID string, cmd *cobra.Command) error {
	if strings.TrimSpace(correlationID) == "" {
		return NewExitError(ExitCommandError, "correlation ID must not be empty")
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.log.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return wrapFault("failed to list entries", err)
	}
	sagas, err := a.store.ListSagasByCorrelation(ctx, correlationID)
	if err != nil {
		return wrapFault("failed to list sagas", err)
	}

	result := TraceResult{
		CorrelationID: correlationID,
		Timeline:      make([]TraceEvent, 0, len(entries)+len(sagas)),
		Stats:         TraceStats{Entries: len(entries), Sagas: len(sagas)},
	}
	for _, e := range entries {
		if !e.Status.Terminal() {
			result.Stats.Open++
		}
		result.Timeline = append(result.Timeline, TraceEvent{
			At: e.CreatedAt, Type: "wal", ID: e.ID, Name: e.OperationType,
			Status: string(e.Status), Error: e.Error,
		})
	}
	for _, s := range sagas {
		if !s.Status.Terminal() {
			result.Stats.Open++
		}
		result.Timeline = append(result.Timeline, TraceEvent{
			At: s.CreatedAt, Type: "saga", ID: s.ID, Name: s.Name,
			Status: string(s.Status), Error: s.Error,
		})
	}
	sort.SliceStable(result.Timeline, func(i, j int) bool {
		return result.Timeline[i].At.Before(result.Timeline[j].At)
	})
	result.Stats.IsComplete = result.Stats.Open == 0

	if len(result.Timeline) == 0 {
		return a.out.Success(result, fmt.Sprintf("Nothing recorded for correlation %s.\n", correlationID))
	}
	return a.out.Success(result, formatTrace(result))
}

func formatTrace(r TraceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Correlation: %s\n\n", r.CorrelationID)
	for _, ev := range r.Timeline {
		fmt.Fprintf(&b, "%s  %-4s  %s  %s [%s]", ev.At.Format(time.RFC3339Nano), ev.Type, ev.ID, ev.Name, ev.Status)
		if ev.Error != "" {
			fmt.Fprintf(&b, "  error: %s", ev.Error)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n%d WAL entries, %d sagas, %s\n", r.Stats.Entries, r.Stats.Sagas, completeStatus(r.Stats))
	return b.String()
}

func completeStatus(s TraceStats) string {
	if s.IsComplete {
		return "all finished"
	}
	return fmt.Sprintf("%d still open", s.Open)
}
