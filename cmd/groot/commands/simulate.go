package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/burgrp-go/groot/pkg/sim"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func GetSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <topology.yaml>",
		Short: "Run a topology in the simulator",
		Long: `Builds the nodes, links and scripted queries of a YAML topology on an in-process radio network and runs it on a logical clock.
Deliveries reaching the sinks are printed as they happen, network totals at the end.
No network interface is needed.`,
		RunE: runSimulate,
	}

	cmd.Flags().DurationP("duration", "d", 5*time.Minute, "Simulated time to run")
	cmd.Flags().StringP("log-level", "l", "warning", "Log level of the simulated nodes")
	cmd.Args = cobra.ExactArgs(1)

	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {

	duration, err := cmd.Flags().GetDuration("duration")
	if err != nil {
		return err
	}

	levelStr, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	topology, err := sim.LoadTopology(args[0])
	if err != nil {
		return err
	}

	logger := newLogger(level)
	logger.SetOutput(os.Stderr)

	simulation, err := topology.Build(logger)
	if err != nil {
		return err
	}

	start := simulation.Scheduler.Now()
	printed := 0
	for elapsed := time.Duration(0); elapsed < duration; elapsed += time.Second {
		simulation.Run(time.Second)
		for _, d := range simulation.Deliveries[printed:] {
			fmt.Printf("%8s sink=%s query=%d from=%s seq=%d %s\n", d.At.Sub(start), d.Owner, d.QueryID, d.From, d.Seq, d.Data)
		}
		printed = len(simulation.Deliveries)
	}

	total, dropped := simulation.Network.Stats()
	fmt.Printf("deliveries=%d messages=%d dropped=%d nodes=%d\n", len(simulation.Deliveries), total, dropped, len(simulation.Addresses()))

	return nil
}
