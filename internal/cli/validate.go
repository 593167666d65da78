package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/gradsim/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a server config file",
		Long: `Validate a gradsim YAML config file without starting the server.

Checks for unknown keys, then checks every value against the config
schema. All problems are reported at once.

Exit codes:
  0 - The config is valid
  1 - The config has invalid values
  2 - The file is missing or is not valid YAML`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		_ = f.Error("E_CONFIG_LOAD", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	f.VerboseLog("Loaded %s", path)

	err = cfg.Validate()
	if err == nil {
		return f.Result(ValidationResult{Valid: true}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ %s is valid\n", path)
		})
	}

	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapExitError(ExitCommandError, "failed to validate config", err)
	}
	msg := fmt.Sprintf("%d validation error(s)", len(verrs))
	return f.Fail(ExitFailure, "E_CONFIG_INVALID", msg, ValidationResult{Errors: verrs}, func(w io.Writer) {
		fmt.Fprintf(w, "✗ %s:\n", msg)
		for _, e := range verrs {
			fmt.Fprintf(w, "  %s\n", e.Error())
		}
	})
}
