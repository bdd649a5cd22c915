/*
GROOT - query dissemination and in-network aggregation over a Semantic Routing Tree

Protocol Overview:
- A sink injects a query (required sensors, sample rate, aggregator) into an ad-hoc multi-hop
  network by flooding it
- Every node that hears the query first from a neighbor takes that neighbor as its parent, which
  grows a per-query tree rooted at the sink
- Nodes whose sensors cover the query sample it periodically; readings travel up the tree and
  are folded (max, avg, min) at every node that accepted children

Message Types:
1. Subscribe (0x01): new query, flooded
2. Unsubscribe (0x02): query removal, flooded, applied after a grace period
3. Alteration (0x03): query update, flooded, ordered by sample id
4. ClusterJoin (0x04): reliable unicast from a child to a parent advertising itself as cluster head
5. Publish (0x05): readings, broadcast with an explicit next hop toward the sink

Message Structure (Binary, big endian):

	[1 byte]  Version (1)
	[2 bytes] Magic "GT"
	[1 byte]  Message type
	[1 byte]  Flags: 0x01 query block, 0x02 data block, 0x04 sender is cluster head
	[2 bytes] Next hop address (0 = anyone)
	[2 bytes] Owner address (sink that created the query)
	[2 bytes] Query id
	[2 bytes] Loop guard address (last relay)
	Query block, if flagged:
		[2 bytes] Sample id
		[4 bytes] Sample rate in milliseconds
		[1 byte]  Aggregator (0 none, 1 max, 2 avg, 3 min)
		[1 byte]  Required sensors (bit 0 co2, 1 no, 2 temp, 3 humidity)
	Data block, if flagged:
		[2 bytes] Publish sequence
		[1 byte]  Sensors present
		[4 times] [8 bytes] IEEE 754 reading

Implementation Notes:
1. A Node is single threaded: packets, timers and application calls must be delivered from one
   goroutine (see Loop and ManualScheduler)
2. Packet loss and duplicates are tolerated by construction; there is no end-to-end ack
3. Registry and child lists are bounded; running out of slots drops the request, never panics
*/
package groot

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport sends encoded packets. Inbound traffic is handed to Node.Receive and
// Node.ReceiveUnicast by the transport's owner.
type Transport interface {
	Broadcast(data []byte) error
	Unicast(dest Address, data []byte, maxRetransmissions int) error
}

// Receiver is the inbound side a transport drives. Node implements it.
type Receiver interface {
	Receive(from Address, data []byte) error
	ReceiveUnicast(from Address, data []byte) error
	UnicastSent(to Address, retransmissions int)
	UnicastTimedOut(to Address, retransmissions int)
}

// Node runs the protocol for one address. It is not safe for concurrent use.
type Node struct {
	config    Config
	transport Transport
	scheduler Scheduler
	registry  *Registry
	metrics   *Metrics
	log       *logrus.Entry
}

func NewNode(config Config, transport Transport, scheduler Scheduler) *Node {
	config = config.withDefaults()
	return &Node{
		config:    config,
		transport: transport,
		scheduler: scheduler,
		registry:  NewRegistry(config.Address, config.Sensors, config.QueryLimit, config.ChildLimit),
		metrics:   NewMetrics(config.Address, config.Registerer),
		log:       config.Logger.WithField("node", config.Address.String()),
	}
}

func (n *Node) Address() Address {
	return n.config.Address
}

func (n *Node) IsSink() bool {
	return n.config.Sink
}

func (n *Node) Registry() *Registry {
	return n.registry
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Receive handles a packet heard on the broadcast channel. The returned error only explains a
// drop; callers are free to ignore it.
func (n *Node) Receive(from Address, data []byte) error {
	err := n.receive(from, data)
	if err != nil {
		n.metrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		n.log.WithFields(logrus.Fields{"from": from, "reason": err}).Debug("Packet dropped")
	}
	return err
}

// ReceiveUnicast handles a packet delivered by reliable unicast.
func (n *Node) ReceiveUnicast(from Address, data []byte) error {
	return n.Receive(from, data)
}

// UnicastSent is called by the transport once a reliable unicast was acknowledged.
func (n *Node) UnicastSent(to Address, retransmissions int) {
	n.log.WithFields(logrus.Fields{"to": to, "retransmissions": retransmissions}).Debug("Unicast acknowledged")
}

// UnicastTimedOut is called by the transport when a reliable unicast ran out of retries.
func (n *Node) UnicastTimedOut(to Address, retransmissions int) {
	n.log.WithFields(logrus.Fields{"to": to, "retransmissions": retransmissions}).Warn("Unicast timed out")
}

func (n *Node) receive(from Address, data []byte) error {

	p, err := Decode(data)
	if err != nil {
		return err
	}

	if p.Header.LoopGuard == n.config.Address {
		return ErrSelfEcho
	}

	n.metrics.PacketsReceived.WithLabelValues(p.Header.Type.String()).Inc()

	switch p.Header.Type {
	case MessageSubscribe:
		return n.handleSubscribe(p, from)
	case MessageUnsubscribe:
		return n.handleUnsubscribe(p, from)
	case MessageAlteration:
		return n.handleAlteration(p, from)
	case MessageClusterJoin:
		return n.handleClusterJoin(p, from)
	case MessagePublish:
		return n.handlePublish(p, from)
	}

	return fmt.Errorf("%w: %s", ErrUnknownType, p.Header.Type)
}

// Subscribe floods a new query owned by this sink.
func (n *Node) Subscribe(queryID uint16, sampleRate time.Duration, sensors SensorSet, aggregator Aggregator) bool {
	err := n.subscribe(queryID, sampleRate, sensors, aggregator)
	if err != nil {
		n.log.WithError(err).WithField("query", queryID).Warn("Subscribe refused")
		return false
	}
	return true
}

// Unsubscribe floods the removal of a query owned by this sink.
func (n *Node) Unsubscribe(queryID uint16) bool {
	err := n.unsubscribe(queryID)
	if err != nil {
		n.log.WithError(err).WithField("query", queryID).Warn("Unsubscribe refused")
		return false
	}
	return true
}

// Update floods new parameters for a query owned by this sink.
func (n *Node) Update(queryID uint16, sampleRate time.Duration, sensors SensorSet, aggregator Aggregator) bool {
	err := n.update(queryID, sampleRate, sensors, aggregator)
	if err != nil {
		n.log.WithError(err).WithField("query", queryID).Warn("Update refused")
		return false
	}
	return true
}

// Close stops every timer and forgets all queries.
func (n *Node) Close() {
	for _, item := range n.registry.Items() {
		n.registry.Remove(item.QueryID, item.Owner)
	}
	n.metrics.Queries.Set(0)
}

func validateQuery(sampleRate time.Duration, sensors SensorSet, aggregator Aggregator) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %s", ErrInvalidQuery, sampleRate)
	}
	if sensors.IsEmpty() {
		return fmt.Errorf("%w: no sensors required", ErrInvalidQuery)
	}
	if !aggregator.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidQuery, aggregator)
	}
	return nil
}

func (n *Node) subscribe(queryID uint16, sampleRate time.Duration, sensors SensorSet, aggregator Aggregator) error {
	if !n.config.Sink {
		return ErrNotSink
	}
	if err := validateQuery(sampleRate, sensors, aggregator); err != nil {
		return err
	}

	header := NewHeader(MessageSubscribe, n.config.Address, queryID)
	query := Query{
		SampleRate: sampleRate,
		Aggregator: aggregator,
		Sensors:    sensors,
	}
	item, err := n.registry.Insert(header, query, NullAddress, n.scheduler.Now())
	if err != nil {
		return err
	}
	item.IsServiced = false
	n.metrics.Queries.Set(float64(n.registry.Len()))

	n.log.WithFields(logrus.Fields{
		"query":      queryID,
		"rate":       sampleRate,
		"sensors":    sensors,
		"aggregator": aggregator,
	}).Info("Query subscribed")

	n.broadcast(n.queryPacket(MessageSubscribe, item))
	return nil
}

func (n *Node) unsubscribe(queryID uint16) error {
	if !n.config.Sink {
		return ErrNotSink
	}
	item := n.registry.Find(queryID, n.config.Address)
	if item == nil {
		return fmt.Errorf("%w: %d", ErrUnknownQuery, queryID)
	}
	if item.IsUnsubscribed() {
		return ErrUnsubscribed
	}
	n.retire(item, NullAddress, 0)
	return nil
}

func (n *Node) update(queryID uint16, sampleRate time.Duration, sensors SensorSet, aggregator Aggregator) error {
	if !n.config.Sink {
		return ErrNotSink
	}
	if err := validateQuery(sampleRate, sensors, aggregator); err != nil {
		return err
	}
	item := n.registry.Find(queryID, n.config.Address)
	if item == nil {
		return fmt.Errorf("%w: %d", ErrUnknownQuery, queryID)
	}
	if item.IsUnsubscribed() {
		return ErrUnsubscribed
	}

	item.Query = Query{
		SampleID:   item.Query.SampleID + 1,
		SampleRate: sampleRate,
		Aggregator: aggregator,
		Sensors:    sensors,
	}

	n.log.WithFields(logrus.Fields{
		"query":     queryID,
		"sample_id": item.Query.SampleID,
	}).Info("Query altered")

	n.broadcast(n.queryPacket(MessageAlteration, item))
	return nil
}

func (n *Node) clusterHead() bool {
	return n.config.ClusterHead || n.config.Sink
}

func (n *Node) queryPacket(typ MessageType, item *QueryItem) *Packet {
	header := NewHeader(typ, item.Owner, item.QueryID)
	header.IsClusterHead = n.clusterHead()
	return &Packet{
		Header: header,
		Query:  NewDefined(item.Query),
	}
}

func (n *Node) broadcast(p *Packet) {
	p.Header.LoopGuard = n.config.Address
	if err := n.transport.Broadcast(Encode(p)); err != nil {
		n.log.WithError(err).WithField("type", p.Header.Type).Warn("Broadcast failed")
		return
	}
	n.metrics.PacketsSent.WithLabelValues(p.Header.Type.String()).Inc()
}

func (n *Node) unicast(dest Address, p *Packet) {
	p.Header.LoopGuard = n.config.Address
	p.Header.NextHop = dest
	if err := n.transport.Unicast(dest, Encode(p), n.config.JoinRetransmissions); err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{"type": p.Header.Type, "to": dest}).Warn("Unicast failed")
		return
	}
	n.metrics.PacketsSent.WithLabelValues(p.Header.Type.String()).Inc()
}
