package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/spf13/cobra"
)

func GetSinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sink <query-id>",
		Short: "Inject a query and print its results",
		Long: `Runs a sink node that floods a query into the network and prints every reading that reaches it.
The query is unsubscribed when the command is interrupted or the --duration elapses.`,
		RunE: runSink,
	}

	cmd.Flags().DurationP("rate", "r", 10*time.Second, "Sample rate")
	cmd.Flags().StringP("sensors", "s", "all", "Required sensors, e.g. co2,temp")
	cmd.Flags().StringP("aggregator", "a", "none", "Aggregator: none, max, avg or min")
	cmd.Flags().DurationP("duration", "d", 0, "Stop after this long, 0 runs until interrupted")
	cmd.Flags().StringP("metrics", "m", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Args = cobra.ExactArgs(1)

	return cmd
}

func runSink(cmd *cobra.Command, args []string) error {

	env, err := GetEnvironment()
	if err != nil {
		return err
	}

	id, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid query id %q: %w", args[0], err)
	}
	queryID := uint16(id)

	rate, err := cmd.Flags().GetDuration("rate")
	if err != nil {
		return err
	}

	sensorsStr, err := cmd.Flags().GetString("sensors")
	if err != nil {
		return err
	}
	sensors, err := groot.ParseSensorSet(sensorsStr)
	if err != nil {
		return err
	}

	aggregatorStr, err := cmd.Flags().GetString("aggregator")
	if err != nil {
		return err
	}
	aggregator, err := groot.ParseAggregator(aggregatorStr)
	if err != nil {
		return err
	}

	duration, err := cmd.Flags().GetDuration("duration")
	if err != nil {
		return err
	}

	metricsAddr, err := cmd.Flags().GetString("metrics")
	if err != nil {
		return err
	}

	deliveries := make(chan groot.Delivery, 16)

	rt, err := startNode(env, true, nil, func(d groot.Delivery) {
		select {
		case deliveries <- d:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer rt.close()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go rt.loop.Run(loopCtx)

	rt.serveMetrics(cmd.Context(), metricsAddr)

	var subscribed bool
	rt.do(func(node *groot.Node) {
		subscribed = node.Subscribe(queryID, rate, sensors, aggregator)
	})
	if !subscribed {
		return fmt.Errorf("query %d refused", queryID)
	}

	var to <-chan time.Time
	if duration > 0 {
		to = time.After(duration)
	}

Loop:
	for {
		select {
		case d := <-deliveries:
			fmt.Printf("%s query=%d from=%s seq=%d %s\n", d.At.Format(time.RFC3339), d.QueryID, d.From, d.Seq, d.Data)
		case <-to:
			break Loop
		case <-cmd.Context().Done():
			break Loop
		}
	}

	rt.do(func(node *groot.Node) {
		node.Unsubscribe(queryID)
	})

	return nil
}
