package commands

import (
	"context"
	"errors"
	"net/http"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// runtime is a node attached to the radio link, plus the loop that serializes everything
// touching it.
type runtime struct {
	loop     *groot.Loop
	link     *groot.LinkTransport
	node     *groot.Node
	registry *prometheus.Registry
	log      *logrus.Entry
}

func startNode(env *Environment, sink bool, reader groot.SensorReader, onDeliver func(groot.Delivery)) (*runtime, error) {
	logger := newLogger(env.LogLevel)
	log := logrus.NewEntry(logger)

	loop := groot.NewLoop()
	link, err := groot.OpenLink(env.Interface, env.Address, loop, log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	config := groot.DefaultConfig(env.Address, env.Sensors)
	config.Sink = sink
	config.ClusterHead = env.ClusterHead
	config.Logger = logger
	config.Registerer = registry
	config.Reader = reader
	config.OnDeliver = onDeliver

	node := groot.NewNode(config, link, groot.NewLoopScheduler(loop))
	link.Bind(node)

	return &runtime{
		loop:     loop,
		link:     link,
		node:     node,
		registry: registry,
		log:      log,
	}, nil
}

// do runs f on the loop and waits for it.
func (rt *runtime) do(f func(node *groot.Node)) {
	done := make(chan struct{})
	rt.loop.Post(func() {
		f(rt.node)
		close(done)
	})
	<-done
}

// serveMetrics exposes the node's counters until ctx is done.
func (rt *runtime) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	go func() {
		rt.log.Infof("Serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.WithError(err).Error("Metrics server failed")
		}
	}()
}

func (rt *runtime) close() {
	rt.link.Close()
}
