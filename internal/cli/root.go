// Package cli implements the ctf-reader command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/drblury/ctfreader/internal/runtime/config"
	"github.com/drblury/ctfreader/internal/runtime/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    int
	LogFormat  string // "text" | "json"
	ConfigFile string

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// ValidLogFormats are the accepted --log-format values.
var ValidLogFormats = []string{"text", "json"}

// NewRootCommand creates the ctf-reader root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ctf-reader",
		Short: "Stream compressed time frames to downstream consumers",
		Long: `ctf-reader reads compressed time frames (CTFs) from container files,
applies the configured selection and publishes every selected frame once on
the chosen message transport.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return WrapExitError(ExitCommandError, "invalid flags",
					fmt.Errorf("log format %q: must be one of %v", opts.LogFormat, ValidLogFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "increase log verbosity (-v debug, -vv trace)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML configuration file; flags override its values")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTransportsCommand(opts))

	return cmd
}

// newLogger builds the service logger selected by the global flags.
func (o *RootOptions) newLogger() logging.ServiceLogger {
	level := slog.LevelInfo
	switch {
	case o.Verbose >= 2:
		level = logging.LevelTrace
	case o.Verbose == 1:
		level = slog.LevelDebug
	}
	out := o.LogOutput
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if o.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return logging.NewSlogServiceLogger(slog.New(handler))
}

// loadConfig returns the configuration of a command: defaults, then the
// --config file, then every flag set on the command line.
func (o *RootOptions) loadConfig(cmd *cobra.Command, flags *config.Config) (*config.Config, error) {
	if o.ConfigFile == "" {
		return flags, nil
	}
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	if err := overlayFlags(cmd.Flags(), &cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "apply flags", err)
	}
	return &cfg, nil
}
