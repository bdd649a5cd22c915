package groot_test

import (
	"io"
	"math/rand"
	"testing"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	Dest    groot.Address
	Unicast bool
	Packet  *groot.Packet
}

// recorder is a Transport that keeps every packet a node sends.
type recorder struct {
	t    *testing.T
	sent []sentPacket
}

func (r *recorder) Broadcast(data []byte) error {
	p, err := groot.Decode(data)
	require.NoError(r.t, err)
	r.sent = append(r.sent, sentPacket{Packet: p})
	return nil
}

func (r *recorder) Unicast(dest groot.Address, data []byte, maxRetransmissions int) error {
	p, err := groot.Decode(data)
	require.NoError(r.t, err)
	r.sent = append(r.sent, sentPacket{Dest: dest, Unicast: true, Packet: p})
	return nil
}

func (r *recorder) ofType(typ groot.MessageType) []sentPacket {
	var out []sentPacket
	for _, s := range r.sent {
		if s.Packet.Header.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.sent = nil
}

type testNode struct {
	*groot.Node
	transport  *recorder
	scheduler  *groot.ManualScheduler
	deliveries []groot.Delivery
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// constantReader returns value for every sensor.
func constantReader(value float64) groot.SensorReader {
	return groot.ReaderFunc(func(s groot.Sensor) (float64, error) {
		return value, nil
	})
}

func newTestNode(t *testing.T, addr groot.Address, sensors groot.SensorSet, options ...func(*groot.Config)) *testNode {
	tn := &testNode{
		transport: &recorder{t: t},
		scheduler: groot.NewManualScheduler(time.Time{}),
	}

	config := groot.DefaultConfig(addr, sensors)
	config.MaxJitter = 0
	config.Logger = quietLogger()
	config.Registerer = prometheus.NewRegistry()
	config.Rand = rand.New(rand.NewSource(1))
	config.Reader = constantReader(10)
	config.OnDeliver = func(d groot.Delivery) {
		tn.deliveries = append(tn.deliveries, d)
	}
	for _, option := range options {
		option(&config)
	}

	tn.Node = groot.NewNode(config, tn.transport, tn.scheduler)
	return tn
}

func asSink(c *groot.Config) {
	c.Sink = true
}

var co2 = groot.NewSensorSet(groot.SensorCO2)

func query(sampleID uint16, rate time.Duration, sensors groot.SensorSet, aggregator groot.Aggregator) groot.Query {
	return groot.Query{
		SampleID:   sampleID,
		SampleRate: rate,
		Aggregator: aggregator,
		Sensors:    sensors,
	}
}

// frame encodes a packet as relayed by loopGuard.
func frame(typ groot.MessageType, owner groot.Address, queryID uint16, loopGuard groot.Address, q *groot.Query, r *groot.Reading) []byte {
	header := groot.NewHeader(typ, owner, queryID)
	header.LoopGuard = loopGuard
	header.IsClusterHead = true
	p := &groot.Packet{Header: header}
	if q != nil {
		p.Query = groot.NewDefined(*q)
	}
	if r != nil {
		p.Reading = groot.NewDefined(*r)
	}
	return groot.Encode(p)
}

func publishFrame(owner groot.Address, queryID uint16, from groot.Address, nextHop groot.Address, q groot.Query, seq uint16, data groot.SensorsData) []byte {
	header := groot.NewHeader(groot.MessagePublish, owner, queryID)
	header.LoopGuard = from
	header.NextHop = nextHop
	return groot.Encode(&groot.Packet{
		Header:  header,
		Query:   groot.NewDefined(q),
		Reading: groot.NewDefined(groot.Reading{Seq: seq, Data: data}),
	})
}

func co2Reading(v float64) groot.SensorsData {
	var data groot.SensorsData
	data.Set(groot.SensorCO2, v)
	return data
}
