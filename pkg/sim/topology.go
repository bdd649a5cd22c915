package sim

import (
	"fmt"
	"io"
	"maps"
	"math/rand"
	"os"
	"slices"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Topology describes a simulation: nodes, radio links between them and a script of queries and
// failures.
//
//	latency: 10ms
//	loss: 0.05
//	seed: 7
//	nodes:
//	  - address: "1.0"
//	    sink: true
//	  - address: "2.0"
//	    sensors: co2,temp
//	links:
//	  - ["1.0", "2.0"]
//	queries:
//	  - id: 1
//	    sink: "1.0"
//	    rate: 10s
//	    sensors: co2
//	    aggregator: avg
//	failures:
//	  - node: "2.0"
//	    at: 2m
type Topology struct {
	Latency     time.Duration    `yaml:"latency"`
	Loss        float64          `yaml:"loss"`
	Seed        int64            `yaml:"seed"`
	Limits      *LimitsSpec      `yaml:"limits,omitempty"`
	Nodes       []NodeSpec       `yaml:"nodes"`
	Links       [][]string       `yaml:"links"`
	Queries     []QuerySpec      `yaml:"queries"`
	Alterations []AlterationSpec `yaml:"alterations"`
	Failures    []FailureSpec    `yaml:"failures"`
}

type NodeSpec struct {
	Address     string `yaml:"address"`
	Sink        bool   `yaml:"sink"`
	Sensors     string `yaml:"sensors"`
	ClusterHead *bool  `yaml:"cluster_head,omitempty"`
}

type QuerySpec struct {
	ID            uint16        `yaml:"id"`
	Sink          string        `yaml:"sink"`
	Rate          time.Duration `yaml:"rate"`
	Sensors       string        `yaml:"sensors"`
	Aggregator    string        `yaml:"aggregator"`
	At            time.Duration `yaml:"at"`
	UnsubscribeAt time.Duration `yaml:"unsubscribe_at,omitempty"`
}

type AlterationSpec struct {
	ID         uint16        `yaml:"id"`
	Sink       string        `yaml:"sink"`
	Rate       time.Duration `yaml:"rate"`
	Sensors    string        `yaml:"sensors"`
	Aggregator string        `yaml:"aggregator"`
	At         time.Duration `yaml:"at"`
}

type FailureSpec struct {
	Node string        `yaml:"node"`
	At   time.Duration `yaml:"at"`
}

type LimitsSpec struct {
	Queries  int `yaml:"queries"`
	Children int `yaml:"children"`
}

func ParseTopology(r io.Reader) (*Topology, error) {
	topology := &Topology{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(topology); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	return topology, nil
}

func LoadTopology(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTopology(f)
}

// Simulation is a built topology ready to run.
type Simulation struct {
	Network    *Network
	Scheduler  *groot.ManualScheduler
	Nodes      map[groot.Address]*groot.Node
	Registry   *prometheus.Registry
	Deliveries []groot.Delivery
}

// Build instantiates every node of the topology on a fresh network and schedules the scripted
// queries, alterations and failures relative to the start of the simulation.
func (t *Topology) Build(logger *logrus.Logger) (*Simulation, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	scheduler := groot.NewManualScheduler(time.Time{})
	sim := &Simulation{
		Network: NewNetwork(scheduler, Options{
			Latency: t.Latency,
			Loss:    t.Loss,
			Seed:    t.Seed,
			Log:     logger.WithField("component", "sim"),
		}),
		Scheduler: scheduler,
		Nodes:     make(map[groot.Address]*groot.Node, len(t.Nodes)),
		Registry:  prometheus.NewRegistry(),
	}

	for _, spec := range t.Nodes {
		if err := sim.addNode(spec, t.Seed, t.Limits, logger); err != nil {
			return nil, err
		}
	}

	for _, link := range t.Links {
		if len(link) != 2 {
			return nil, fmt.Errorf("link %v must name two nodes", link)
		}
		a, err := sim.lookup(link[0])
		if err != nil {
			return nil, err
		}
		b, err := sim.lookup(link[1])
		if err != nil {
			return nil, err
		}
		sim.Network.Link(a.Address(), b.Address())
	}

	for _, q := range t.Queries {
		if err := sim.scheduleQuery(q); err != nil {
			return nil, err
		}
	}

	for _, a := range t.Alterations {
		if err := sim.scheduleAlteration(a); err != nil {
			return nil, err
		}
	}

	for _, f := range t.Failures {
		node, err := sim.lookup(f.Node)
		if err != nil {
			return nil, err
		}
		scheduler.AfterFunc(f.At, func() {
			sim.Fail(node.Address())
		})
	}

	return sim, nil
}

func (sim *Simulation) addNode(spec NodeSpec, seed int64, limits *LimitsSpec, logger *logrus.Logger) error {
	addr, err := groot.ParseAddress(spec.Address)
	if err != nil {
		return err
	}
	sensors, err := groot.ParseSensorSet(spec.Sensors)
	if err != nil {
		return fmt.Errorf("node %s: %w", addr, err)
	}

	endpoint, err := sim.Network.Attach(addr)
	if err != nil {
		return err
	}

	config := groot.DefaultConfig(addr, sensors)
	config.Sink = spec.Sink
	if spec.ClusterHead != nil {
		config.ClusterHead = *spec.ClusterHead
	}
	if limits != nil {
		config.QueryLimit = limits.Queries
		config.ChildLimit = limits.Children
	}
	config.Logger = logger
	config.Registerer = sim.Registry
	config.Rand = rand.New(rand.NewSource(seed + int64(addr)))
	config.OnDeliver = func(d groot.Delivery) {
		sim.Deliveries = append(sim.Deliveries, d)
	}

	node := groot.NewNode(config, endpoint, sim.Scheduler)
	endpoint.Bind(node)
	sim.Nodes[addr] = node
	return nil
}

func (sim *Simulation) lookup(address string) (*groot.Node, error) {
	addr, err := groot.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	node, ok := sim.Nodes[addr]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", addr)
	}
	return node, nil
}

func (sim *Simulation) scheduleQuery(q QuerySpec) error {
	node, err := sim.lookup(q.Sink)
	if err != nil {
		return err
	}
	sensors, aggregator, err := parseQuery(q.Sensors, q.Aggregator)
	if err != nil {
		return fmt.Errorf("query %d: %w", q.ID, err)
	}

	sim.Scheduler.AfterFunc(q.At, func() {
		node.Subscribe(q.ID, q.Rate, sensors, aggregator)
	})
	if q.UnsubscribeAt > 0 {
		sim.Scheduler.AfterFunc(q.UnsubscribeAt, func() {
			node.Unsubscribe(q.ID)
		})
	}
	return nil
}

func (sim *Simulation) scheduleAlteration(a AlterationSpec) error {
	node, err := sim.lookup(a.Sink)
	if err != nil {
		return err
	}
	sensors, aggregator, err := parseQuery(a.Sensors, a.Aggregator)
	if err != nil {
		return fmt.Errorf("alteration of query %d: %w", a.ID, err)
	}
	sim.Scheduler.AfterFunc(a.At, func() {
		node.Update(a.ID, a.Rate, sensors, aggregator)
	})
	return nil
}

func parseQuery(sensors string, aggregator string) (groot.SensorSet, groot.Aggregator, error) {
	set, err := groot.ParseSensorSet(sensors)
	if err != nil {
		return groot.SensorSet{}, groot.AggregatorNone, err
	}
	agg := groot.AggregatorNone
	if aggregator != "" {
		agg, err = groot.ParseAggregator(aggregator)
		if err != nil {
			return groot.SensorSet{}, groot.AggregatorNone, err
		}
	}
	return set, agg, nil
}

// Fail takes a node off the air: it is detached from the network and its timers are stopped.
func (sim *Simulation) Fail(addr groot.Address) {
	node, ok := sim.Nodes[addr]
	if !ok {
		return
	}
	sim.Network.Detach(addr)
	node.Close()
	delete(sim.Nodes, addr)
}

// Run advances the logical clock by d.
func (sim *Simulation) Run(d time.Duration) {
	sim.Scheduler.Advance(d)
}

// Addresses returns the live node addresses in ascending order.
func (sim *Simulation) Addresses() []groot.Address {
	return slices.Sorted(maps.Keys(sim.Nodes))
}

// DeliveriesOf filters the collected deliveries by query.
func (sim *Simulation) DeliveriesOf(queryID uint16, owner groot.Address) []groot.Delivery {
	var out []groot.Delivery
	for _, d := range sim.Deliveries {
		if d.QueryID == queryID && d.Owner == owner {
			out = append(out, d)
		}
	}
	return out
}
