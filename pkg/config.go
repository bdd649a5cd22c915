package groot

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueryLimit          = 8
	DefaultChildLimit          = 8
	DefaultParentRetries       = 3
	DefaultAggregationRetries  = 3
	DefaultJoinRetransmissions = 4
	DefaultLeeway              = 2 * time.Second
	DefaultUnsubscribeGrace    = 30 * time.Second
	DefaultRelayDelay          = 200 * time.Millisecond
	DefaultMaxJitter           = 500 * time.Millisecond
	DefaultAggregationWait     = 1 * time.Second
)

// Delivery is one Publish that reached the sink owning its query.
type Delivery struct {
	QueryID uint16
	Owner   Address
	From    Address
	Seq     uint16
	Query   Query
	Data    SensorsData
	At      time.Time
}

type Config struct {
	// Identity, fixed at bootstrap.
	Address     Address
	Sensors     SensorSet
	Sink        bool
	ClusterHead bool

	QueryLimit          int
	ChildLimit          int
	ParentRetries       int
	AggregationRetries  int
	JoinRetransmissions int
	Leeway              time.Duration
	UnsubscribeGrace    time.Duration
	RelayDelay          time.Duration
	MaxJitter           time.Duration
	AggregationWait     time.Duration

	Logger     *logrus.Logger
	Registerer prometheus.Registerer
	Rand       *rand.Rand
	Reader     SensorReader
	OnDeliver  func(Delivery)
}

func DefaultConfig(addr Address, sensors SensorSet) Config {
	return Config{
		Address:             addr,
		Sensors:             sensors,
		ClusterHead:         true,
		QueryLimit:          DefaultQueryLimit,
		ChildLimit:          DefaultChildLimit,
		ParentRetries:       DefaultParentRetries,
		AggregationRetries:  DefaultAggregationRetries,
		JoinRetransmissions: DefaultJoinRetransmissions,
		Leeway:              DefaultLeeway,
		UnsubscribeGrace:    DefaultUnsubscribeGrace,
		RelayDelay:          DefaultRelayDelay,
		MaxJitter:           DefaultMaxJitter,
		AggregationWait:     DefaultAggregationWait,
	}
}

// withDefaults fills zero fields so a partially populated Config still works.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Address, c.Sensors)
	if c.QueryLimit <= 0 {
		c.QueryLimit = d.QueryLimit
	}
	if c.ChildLimit <= 0 {
		c.ChildLimit = d.ChildLimit
	}
	if c.ParentRetries <= 0 {
		c.ParentRetries = d.ParentRetries
	}
	if c.AggregationRetries <= 0 {
		c.AggregationRetries = d.AggregationRetries
	}
	if c.JoinRetransmissions <= 0 {
		c.JoinRetransmissions = d.JoinRetransmissions
	}
	if c.Leeway <= 0 {
		c.Leeway = d.Leeway
	}
	if c.UnsubscribeGrace <= 0 {
		c.UnsubscribeGrace = d.UnsubscribeGrace
	}
	if c.RelayDelay < 0 {
		c.RelayDelay = 0
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.AggregationWait <= 0 {
		c.AggregationWait = d.AggregationWait
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(int64(c.Address) + 1))
	}
	if c.Reader == nil {
		c.Reader = NewRandomReader(c.Rand)
	}
	return c
}
