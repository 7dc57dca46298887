package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/ctfreader/internal/reader"
	"github.com/drblury/ctfreader/internal/runtime"
	"github.com/drblury/ctfreader/internal/runtime/config"
	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	_ "github.com/drblury/ctfreader/transport/transports"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config config.Config

	// Deps overrides collaborators of the service (for testing).
	Deps runtime.ServiceDependencies
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, Config: config.Defaults()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Read containers and publish time frames",
		Long: `Read the configured containers and publish every selected time frame.

The run ends when the input is exhausted, the frame limit is reached or the
process receives SIGINT or SIGTERM. A fatal error exits with status 1.

Example:
  ctf-reader run -i /data/run529000 --detectors ITS,TPC --pubsub kafka --kafka-brokers localhost:9092
  ctf-reader run -c reader.yaml --max-tf 100 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReader(cmd, opts)
		},
	}
	bindConfigFlags(cmd.Flags(), &opts.Config)
	return cmd
}

func runReader(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := opts.loadConfig(cmd, &opts.Config)
	if err != nil {
		return err
	}
	log := opts.newLogger()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := opts.Deps
	if deps.Host == nil {
		deps.Host = reader.HostFunc(func() {
			log.Info("Reader is ready to quit", nil)
		})
	}
	svc, err := runtime.NewService(ctx, cfg, log, deps)
	if err != nil {
		if errspkg.IsFatal(err) {
			return WrapExitError(ExitFailure, "start reader", err)
		}
		return WrapExitError(ExitCommandError, "set up reader", err)
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			log.Error("Failed to release reader resources", cerr, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "reader aborted", err)
	}
	stats := svc.Reader().Stats()
	log.Info("Reader finished", logging.LogFields{
		"tfs_accepted": stats.TFsAccepted, "tfs_seen": stats.TFsSeen,
		"files_read": stats.FilesRead, "files_failed": stats.FilesFailed,
	})
	return nil
}
