package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/durable/internal/payload"
	"github.com/roach88/durable/internal/wal"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Payload       string
	Key           string
	CorrelationID string
}

// InvokeResult is the outcome of one invocation. When an idempotency key
// is given the whole result is what later invocations replay.
type InvokeResult struct {
	EntryID  string          `json:"entry_id"`
	Status   wal.Status      `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <operation-type>",
		Short: "Record an operation in the WAL and run it",
		Long: `Append an operation to the write-ahead log.

Operations with a built-in handler run immediately and the entry is
completed or failed. Others stay pending until a node that knows the
operation replays them. With --key the invocation runs at most once;
repeating it returns the first result.

Example:
  durable invoke echo --payload '{"msg":"hi"}' --key req-1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeOperation(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "operation payload as JSON")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation ID")

	return cmd
}

func invokeOperation(opts *InvokeOptions, operationType string, cmd *cobra.Command) error {
	p, err := payload.FromRaw(operationType, []byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	appendOpts := []wal.AppendOption{wal.WithCorrelationID(opts.CorrelationID)}
	if opts.Key != "" {
		appendOpts = append(appendOpts, wal.WithIdempotencyKey(opts.Key))
	}

	run := func(ctx context.Context) (json.RawMessage, error) {
		res, err := runOperation(ctx, a, p, appendOpts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	var (
		raw      json.RawMessage
		replayed bool
	)
	if opts.Key == "" {
		raw, err = run(ctx)
	} else {
		raw, replayed, err = a.registry.Execute(ctx, opts.Key, "invoke "+operationType, p.Digest(), run)
	}
	if err != nil {
		return wrapFault("invocation failed", err)
	}

	var res InvokeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return WrapExitError(ExitCommandError, "failed to decode result", err)
	}
	res.Replayed = replayed
	return a.out.Success(res, formatInvoke(res))
}

// runOperation appends p and, when a built-in handler exists, executes it
// under the WAL.
func runOperation(ctx context.Context, a *app, p payload.Payload, opts []wal.AppendOption) (InvokeResult, error) {
	h, ok := builtinOperations()[p.Kind]
	if !ok {
		id, err := a.log.Append(ctx, p, opts...)
		if err != nil {
			return InvokeResult{}, err
		}
		return InvokeResult{EntryID: id, Status: wal.StatusPending}, nil
	}

	id, result, err := a.log.Execute(ctx, p, h, opts...)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("entry %s: %w", id, err)
	}
	return InvokeResult{EntryID: id, Status: wal.StatusCompleted, Result: result}, nil
}

func formatInvoke(res InvokeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry:   %s\n", res.EntryID)
	fmt.Fprintf(&b, "Status:  %s\n", res.Status)
	if len(res.Result) > 0 {
		fmt.Fprintf(&b, "Result:  %s\n", res.Result)
	}
	if res.Replayed {
		fmt.Fprintln(&b, "Replayed from an earlier invocation.")
	}
	return b.String()
}
