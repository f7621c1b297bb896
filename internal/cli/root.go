package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is loaded before any subcommand runs.
	Config config.Config

	// Logger is built from the log level and --verbose.
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the secsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "secsync",
		Short: "secsync - end-to-end encrypted document sync",
		Long: `secsync syncs end-to-end encrypted documents through a relay that
only ever sees ciphertext, signatures and hash-chained public data.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := opts.loadConfig(); err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			opts.Logger = newLogger(cmd.ErrOrStderr(), opts)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml or .cue)")

	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewRelayCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() error {
	if o.ConfigPath == "" {
		o.Config = config.Default()
		return nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.Config = cfg
	return nil
}

// newLogger writes text logs to w. --verbose forces debug level.
func newLogger(w io.Writer, opts *RootOptions) *slog.Logger {
	level := opts.Config.Log.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
