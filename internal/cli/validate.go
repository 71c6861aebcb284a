package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Path   string         `json:"path,omitempty"`
	Errors []string       `json:"errors,omitempty"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate configuration without starting anything",
		Long: `Load a configuration file, apply DURABLE_* environment overrides and
check the result against the built-in schema. Prints the effective
configuration when it is valid.

Without an argument the file given by --config is used; with neither,
defaults plus environment are validated.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("validating config %q", path)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return WrapExitError(ExitCommandError, "config file not found", err)
	}
	if err != nil {
		result := ValidationResult{Path: path, Errors: []string{err.Error()}}
		if opts.Format == "json" {
			if werr := formatter.Error("E_INVALID_CONFIG", "configuration is invalid", result); werr != nil {
				return werr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Configuration invalid\n  %s\n", err)
		}
		return NewExitError(ExitFailure, "configuration is invalid")
	}

	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render config", err)
	}
	var b strings.Builder
	b.WriteString("✓ Configuration valid\n\n")
	b.Write(doc)
	return formatter.Success(ValidationResult{Valid: true, Path: path, Config: &cfg}, b.String())
}
