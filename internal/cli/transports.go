package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drblury/ctfreader/transport"
)

// NewTransportsCommand lists the linked transports with their capabilities.
func NewTransportsCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List the available output transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tORDERING\tACK\tPERSISTENT\tFLOW CONTROL\tMAX MESSAGE")
			for _, name := range transport.DefaultRegistry.Names() {
				c := transport.DefaultRegistry.GetCapabilities(name)
				maxSize := "-"
				if c.MaxMessageSize > 0 {
					maxSize = fmt.Sprintf("%d", c.MaxMessageSize)
				}
				fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%t\t%s\n", name,
					c.SupportsOrdering, c.SupportsAck, c.SupportsPersistence, c.SupportsFlowControl(), maxSize)
			}
			return w.Flush()
		},
	}
}
