package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/resource"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Scripts string
}

// CheckProblem is one script that failed to compile.
type CheckProblem struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CheckResult is the outcome of checking a library.
type CheckResult struct {
	Scripts  string         `json:"scripts"`
	Checked  []string       `json:"checked"`
	Problems []CheckProblem `json:"problems"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile every script in the library",
		Long: `Compile every document and module in the script library.

Package-level declarations are evaluated but Main is not run, so a check
never issues outbound calls or touches clients.

Exit codes:
  0 - Every script compiled
  1 - One or more scripts failed to compile
  2 - Command error (bad config, missing scripts directory, etc.)

Examples:
  jibbr check
  jibbr check --scripts ./site --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scripts, "scripts", "", "script library root (overrides config)")

	return cmd
}

func runCheck(opts *CheckOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Scripts != "" {
		cfg.Scripts = opts.Scripts
	}

	info, err := os.Stat(cfg.Scripts)
	if err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scripts directory not found: %s", cfg.Scripts))
	}

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	lib := resource.NewLibrary(os.DirFS(cfg.Scripts), resource.WithLogger(logger))
	report, err := lib.Check()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read scripts", err)
	}

	result := CheckResult{
		Scripts:  cfg.Scripts,
		Checked:  report.Checked,
		Problems: make([]CheckProblem, 0, len(report.Problems)),
	}
	if result.Checked == nil {
		result.Checked = []string{}
	}
	for _, p := range report.Problems {
		result.Problems = append(result.Problems, CheckProblem{Path: p.Path, Error: p.Err.Error()})
	}

	if opts.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if len(result.Problems) > 0 {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    CodeCheckFailed,
				Message: fmt.Sprintf("%d script(s) failed to compile", len(result.Problems)),
			}
		}
		if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	} else {
		outputCheckText(cmd, result, opts.Verbose)
	}

	if len(result.Problems) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d script(s) failed to compile", len(result.Problems)))
	}
	return nil
}

func outputCheckText(cmd *cobra.Command, result CheckResult, verbose bool) {
	w := cmd.OutOrStdout()
	st := newStyles(w)

	failed := make(map[string]string, len(result.Problems))
	for _, p := range result.Problems {
		failed[p.Path] = p.Error
	}

	for _, path := range result.Checked {
		if msg, bad := failed[path]; bad {
			fmt.Fprintf(w, "%s %s\n", st.mark(false), path)
			fmt.Fprintf(w, "  %s\n", msg)
		} else if verbose {
			fmt.Fprintf(w, "%s %s\n", st.mark(true), path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Check Summary: %d checked, %d failed\n", len(result.Checked), len(result.Problems))
	if len(result.Problems) == 0 {
		fmt.Fprintf(w, "%s All scripts compiled\n", st.mark(true))
	}
}
