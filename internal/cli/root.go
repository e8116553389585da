package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // config file; empty means jibbr.yaml if present
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the jibbr CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "jibbr",
		Short: "jibbr - server-side scripts that suspend instead of block",
		Long: `jibbr serves documents written as Go scripts.

A script that imports a module, calls an upstream service or asks a
connected client a question is suspended while it waits and resumed on
its document's worker when the answer arrives.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (default "+config.DefaultFile+" if present)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the named config file, or jibbr.yaml when it exists.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.Config == "" {
		cfg, err := config.Load(config.DefaultFile, true)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(o.Config, false)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the text logger every command logs through. --verbose
// forces debug regardless of the configured level.
func (o *RootOptions) newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
