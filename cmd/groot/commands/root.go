package commands

import "github.com/spf13/cobra"

func GetRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groot",
		Short: "groot runs query dissemination and aggregation nodes over a semantic routing tree.",
		Long: `The groot command runs nodes of the GROOT protocol.
A sink floods queries and prints the readings that travel back up the tree, a sensor node samples and relays.
Nodes talk over a link-local UDP multicast channel emulating a radio neighborhood.

Environment variables of sink and sensor:
- GROOT_IF: The network interface to bind to (required)
- GROOT_ADDR: The node address, e.g. 1.0 (required)
- GROOT_SENSORS: Sensors the node carries, e.g. co2,temp
- GROOT_CLUSTER_HEAD: Whether the node accepts children, default true
- GROOT_LOG_LEVEL: debug, info, warning or error

The simulate command needs none of them.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		GetSinkCommand(),
		GetSensorCommand(),
		GetSimulateCommand(),
		GetVersionCommand(),
	)

	return cmd
}
