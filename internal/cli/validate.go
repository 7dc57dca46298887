package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/ctfreader/internal/runtime/config"
	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/transport"
)

// NewValidateCommand creates the validate command. It checks a configuration
// without touching the input or the transport.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	flags := config.Defaults()

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "configuration is invalid", errspkg.NewConfigValidationError(err))
			}
			if !transport.DefaultRegistry.Has(cfg.PubSubSystem) {
				return WrapExitError(ExitCommandError, "configuration is invalid",
					fmt.Errorf("unknown transport %q (registered: %v)", cfg.PubSubSystem, transport.DefaultRegistry.Names()))
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	bindConfigFlags(cmd.Flags(), &flags)
	return cmd
}
