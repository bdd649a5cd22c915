// Package sim runs GROOT nodes over an in-process radio network driven by a logical clock.
package sim

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/sirupsen/logrus"
)

const DefaultLatency = 10 * time.Millisecond

type Options struct {
	// Latency is the one-hop delivery delay.
	Latency time.Duration
	// Loss is the probability in [0, 1] that a single delivery is lost.
	Loss float64
	Seed int64
	Log  *logrus.Entry
}

// Network is a simulated link layer. A broadcast reaches every attached neighbor linked to the
// sender; a unicast reaches only its destination and is retried up to the requested count.
// All deliveries are scheduled on the shared ManualScheduler, so a simulation is a single
// goroutine and fully deterministic for a given seed.
type Network struct {
	scheduler *groot.ManualScheduler
	rand      *rand.Rand
	latency   time.Duration
	loss      float64
	log       *logrus.Entry

	endpoints map[groot.Address]*Endpoint
	links     map[groot.Address]map[groot.Address]struct{}

	totalMessages   uint64
	droppedMessages uint64
}

func NewNetwork(scheduler *groot.ManualScheduler, opts Options) *Network {
	if opts.Latency <= 0 {
		opts.Latency = DefaultLatency
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Network{
		scheduler: scheduler,
		rand:      rand.New(rand.NewSource(opts.Seed)),
		latency:   opts.Latency,
		loss:      opts.Loss,
		log:       opts.Log,
		endpoints: make(map[groot.Address]*Endpoint),
		links:     make(map[groot.Address]map[groot.Address]struct{}),
	}
}

func (network *Network) Scheduler() *groot.ManualScheduler {
	return network.scheduler
}

// Link makes a and b radio neighbors of each other.
func (network *Network) Link(a, b groot.Address) {
	network.link(a, b)
	network.link(b, a)
}

// Neighbors returns the addresses linked to addr in ascending order.
func (network *Network) Neighbors(addr groot.Address) []groot.Address {
	return slices.Sorted(maps.Keys(network.links[addr]))
}

func (network *Network) link(from, to groot.Address) {
	peers, ok := network.links[from]
	if !ok {
		peers = make(map[groot.Address]struct{})
		network.links[from] = peers
	}
	peers[to] = struct{}{}
}

func (network *Network) Unlink(a, b groot.Address) {
	delete(network.links[a], b)
	delete(network.links[b], a)
}

func (network *Network) Linked(a, b groot.Address) bool {
	_, ok := network.links[a][b]
	return ok
}

// Attach registers an endpoint for addr. The endpoint delivers nothing until it is bound to a
// receiver.
func (network *Network) Attach(addr groot.Address) (*Endpoint, error) {
	if addr.IsNull() {
		return nil, fmt.Errorf("cannot attach address %s", addr)
	}
	if _, exists := network.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already attached", addr)
	}
	endpoint := &Endpoint{
		network: network,
		addr:    addr,
	}
	network.endpoints[addr] = endpoint
	network.log.WithField("node", addr).Debug("Endpoint attached")
	return endpoint, nil
}

// Detach removes addr from the network; traffic still in flight toward it is lost.
func (network *Network) Detach(addr groot.Address) {
	delete(network.endpoints, addr)
	network.log.WithField("node", addr).Debug("Endpoint detached")
}

// Stats returns the number of deliveries attempted and lost.
func (network *Network) Stats() (totalMessages, droppedMessages uint64) {
	return network.totalMessages, network.droppedMessages
}

func (network *Network) shouldDrop() bool {
	if network.loss <= 0 {
		return false
	}
	if network.loss >= 1 {
		return true
	}
	return network.rand.Float64() < network.loss
}

// transmit schedules one delivery attempt and reports whether it will arrive.
func (network *Network) transmit(from, to groot.Address, delay time.Duration, deliver func(groot.Receiver)) bool {
	network.totalMessages++
	if !network.Linked(from, to) || network.shouldDrop() {
		network.droppedMessages++
		return false
	}
	network.scheduler.AfterFunc(delay, func() {
		endpoint, ok := network.endpoints[to]
		if !ok || endpoint.receiver == nil {
			return
		}
		deliver(endpoint.receiver)
	})
	return true
}

// Endpoint is one node's attachment to the network. It implements groot.Transport.
type Endpoint struct {
	network  *Network
	addr     groot.Address
	receiver groot.Receiver
}

func (endpoint *Endpoint) Address() groot.Address {
	return endpoint.addr
}

func (endpoint *Endpoint) Bind(receiver groot.Receiver) {
	endpoint.receiver = receiver
}

func (endpoint *Endpoint) attached() bool {
	return endpoint.network.endpoints[endpoint.addr] == endpoint
}

func (endpoint *Endpoint) Broadcast(data []byte) error {
	if !endpoint.attached() {
		return fmt.Errorf("endpoint %s detached", endpoint.addr)
	}
	network := endpoint.network
	from := endpoint.addr
	// sorted so delivery order and loss rolls depend on the seed only
	for _, to := range network.Neighbors(from) {
		payload := append([]byte(nil), data...)
		network.transmit(from, to, network.latency, func(r groot.Receiver) {
			r.Receive(from, payload)
		})
	}
	return nil
}

// Unicast retries delivery up to maxRetransmissions times, one round trip apart, and reports
// the outcome back to the sender's receiver the way an acknowledging link layer would.
func (endpoint *Endpoint) Unicast(dest groot.Address, data []byte, maxRetransmissions int) error {
	if !endpoint.attached() {
		return fmt.Errorf("endpoint %s detached", endpoint.addr)
	}
	network := endpoint.network
	from := endpoint.addr
	payload := append([]byte(nil), data...)
	roundTrip := 2 * network.latency

	for attempt := 0; attempt <= maxRetransmissions; attempt++ {
		delay := network.latency + time.Duration(attempt)*roundTrip
		delivered := network.transmit(from, dest, delay, func(r groot.Receiver) {
			r.ReceiveUnicast(from, payload)
		})
		if delivered {
			retransmissions := attempt
			network.scheduler.AfterFunc(delay+network.latency, func() {
				if endpoint.attached() && endpoint.receiver != nil {
					endpoint.receiver.UnicastSent(dest, retransmissions)
				}
			})
			return nil
		}
	}

	network.scheduler.AfterFunc(time.Duration(maxRetransmissions+1)*roundTrip, func() {
		if endpoint.attached() && endpoint.receiver != nil {
			endpoint.receiver.UnicastTimedOut(dest, maxRetransmissions)
		}
	})
	return nil
}
