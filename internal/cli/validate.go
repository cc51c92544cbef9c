package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/compiler"
	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/units"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Files    int                        `json:"files"`
	Policies []string                   `json:"policies"`
	Configs  []string                   `json:"configs"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <declarations-dir>",
		Short: "Check policy and config declarations",
		Long: `Compile the CUE declarations in a directory and check them without
touching the database: names, unit references, policy references, dependency
references, dependency cycles and limits.

Exit codes:
  0 - declarations are valid
  1 - one or more findings
  2 - the directory could not be read or compiled`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	bundle, err := compiler.LoadDir(dir)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDeclarations, "failed to load declarations", err)
	}
	f.VerboseLog("Found %d CUE file(s) in %s", bundle.FileCount, dir)

	reg := engine.NewRegistry()
	if err := units.Register(reg); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to register units", err)
	}

	result := ValidationResult{
		Files:    bundle.FileCount,
		Policies: make([]string, 0, len(bundle.Policies)),
		Configs:  make([]string, 0, len(bundle.Configs)),
		Errors:   compiler.Validate(bundle, reg.Units()),
	}
	for _, p := range bundle.Policies {
		result.Policies = append(result.Policies, p.Name)
	}
	for _, c := range bundle.Configs {
		result.Configs = append(result.Configs, c.ID)
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(f, result)
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d policies, %d configs valid\n", len(result.Policies), len(result.Configs))
	})
}

// outputValidationErrors reports every finding and returns ExitFailure.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	fail := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if f.JSON() {
		if err := f.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}
		return fail
	}

	fmt.Fprintln(f.Writer, "✗ Validation failed")
	fmt.Fprintln(f.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(f.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(f.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return fail
}
