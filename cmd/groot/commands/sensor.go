package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/spf13/cobra"
)

func GetSensorCommand() *cobra.Command {

	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Run a sensor node",
		Long: `Runs a sensor node that joins every query it hears, samples the sensors listed in GROOT_SENSORS and relays traffic toward the sinks.
Readings are simulated unless --stdin is given, in which case lines such as "co2=540 temp=21.5" set the values reported from then on.`,
		RunE: runSensor,
	}

	cmd.Flags().Bool("stdin", false, "Read sensor values from stdin")
	cmd.Flags().StringP("metrics", "m", "", "Serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

// stdinReader reports the last values written on stdin.
type stdinReader struct {
	mutex  sync.Mutex
	values groot.SensorsData
}

func (r *stdinReader) Read(s groot.Sensor) (float64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	v, _ := r.values.Get(s)
	return v, nil
}

func (r *stdinReader) update(line string) error {
	var data groot.SensorsData
	for _, field := range strings.Fields(line) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("values must be in the form sensor=value, got %q", field)
		}
		set, err := groot.ParseSensorSet(kv[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return err
		}
		for _, s := range groot.AllSensors {
			if set.Has(s) {
				data.Set(s, v)
			}
		}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.values = data
	return nil
}

func runSensor(cmd *cobra.Command, args []string) error {

	env, err := GetEnvironment()
	if err != nil {
		return err
	}

	fromStdin, err := cmd.Flags().GetBool("stdin")
	if err != nil {
		return err
	}

	metricsAddr, err := cmd.Flags().GetString("metrics")
	if err != nil {
		return err
	}

	var reader groot.SensorReader = groot.NewRandomReader(rand.New(rand.NewSource(time.Now().UnixNano())))
	var values *stdinReader
	if fromStdin {
		values = &stdinReader{}
		reader = values
	}

	rt, err := startNode(env, false, reader, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.serveMetrics(cmd.Context(), metricsAddr)

	if values != nil {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err := values.update(scanner.Text()); err != nil {
					rt.log.WithError(err).Warn("Invalid sensor values")
				}
			}
		}()
	}

	rt.log.WithField("sensors", env.Sensors).Info("Sensor node running")

	err = rt.loop.Run(cmd.Context())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
