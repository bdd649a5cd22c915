package commands

import (
	"fmt"
	"os"
	"strconv"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/sirupsen/logrus"
)

type Environment struct {
	Interface   string
	Address     groot.Address
	Sensors     groot.SensorSet
	ClusterHead bool
	LogLevel    logrus.Level
}

// GetEnvironment reads the node identity from GROOT_* variables. GROOT_IF and GROOT_ADDR are
// required, the rest have defaults.
func GetEnvironment() (*Environment, error) {

	env := &Environment{
		Interface:   os.Getenv("GROOT_IF"),
		ClusterHead: true,
		LogLevel:    logrus.InfoLevel,
	}

	if env.Interface == "" {
		return nil, fmt.Errorf("GROOT_IF environment variable is required")
	}

	addr := os.Getenv("GROOT_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("GROOT_ADDR environment variable is required")
	}
	a, err := groot.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("GROOT_ADDR: %w", err)
	}
	if a.IsNull() {
		return nil, fmt.Errorf("GROOT_ADDR must not be %s", a)
	}
	env.Address = a

	sensors, err := groot.ParseSensorSet(os.Getenv("GROOT_SENSORS"))
	if err != nil {
		return nil, fmt.Errorf("GROOT_SENSORS: %w", err)
	}
	env.Sensors = sensors

	if ch := os.Getenv("GROOT_CLUSTER_HEAD"); ch != "" {
		env.ClusterHead, err = strconv.ParseBool(ch)
		if err != nil {
			return nil, fmt.Errorf("GROOT_CLUSTER_HEAD: %w", err)
		}
	}

	if level := os.Getenv("GROOT_LOG_LEVEL"); level != "" {
		env.LogLevel, err = logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("GROOT_LOG_LEVEL: %w", err)
		}
	}

	return env, nil
}

func newLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}
