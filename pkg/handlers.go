package groot

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func (n *Node) itemFields(item *QueryItem) logrus.Fields {
	return logrus.Fields{
		"query": item.QueryID,
		"owner": item.Owner,
	}
}

func (n *Node) handleSubscribe(p *Packet, from Address) error {
	h := p.Header
	if !p.Query.IsDefined() {
		return fmt.Errorf("%w: subscribe without query", ErrMalformedPacket)
	}

	item := n.registry.Find(h.QueryID, h.Owner)
	if item != nil {
		if item.Owner == n.config.Address || item.IsUnsubscribed() {
			return nil
		}
		if item.IsOrphaned() {
			if item.FindChild(from) == nil {
				n.attach(item, from, h.IsClusterHead)
			}
			return nil
		}
		if item.ParentBackup.IsNull() && from != item.Parent {
			item.ParentBackup = from
			n.log.WithFields(n.itemFields(item)).WithField("backup", from).Debug("Backup parent recorded")
		}
		return nil
	}

	if n.config.Sink {
		return ErrSinkDoesNotRelay
	}

	item, err := n.registry.Insert(h, p.Query.Get(), from, n.scheduler.Now())
	if err != nil {
		return err
	}
	n.metrics.Queries.Set(float64(n.registry.Len()))

	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"parent":   from,
		"serviced": item.IsServiced,
	}).Info("Query registered")

	n.armSampling(item)
	n.armRelay(item, MessageSubscribe, true)
	return nil
}

func (n *Node) handleUnsubscribe(p *Packet, from Address) error {
	h := p.Header
	item := n.registry.Find(h.QueryID, h.Owner)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, h.Key())
	}
	if item.IsUnsubscribed() {
		return ErrUnsubscribed
	}
	n.retire(item, from, n.jitter(n.config.RelayDelay))
	return nil
}

// retire marks the item unsubscribed, relays the unsubscribe after delay and removes the item
// once the grace period is over. Keeping the item around until then absorbs late copies of the
// original subscribe.
func (n *Node) retire(item *QueryItem, parent Address, delay time.Duration) {
	item.UnsubscribedAt = NewDefined(n.scheduler.Now())
	item.Parent = parent
	for _, t := range []Timer{item.sampleTimer, item.aggregationTimer, item.relayTimer, item.joinTimer} {
		if t != nil {
			t.Stop()
		}
	}

	n.log.WithFields(n.itemFields(item)).Info("Query unsubscribed")

	packet := &Packet{Header: NewHeader(MessageUnsubscribe, item.Owner, item.QueryID)}
	packet.Header.IsClusterHead = n.clusterHead()
	if delay <= 0 {
		n.broadcast(packet)
	} else {
		n.armOnce(&item.relayTimer, delay, n.withItem(item.handle, func(*QueryItem) {
			n.broadcast(packet)
		}))
	}

	n.armOnce(&item.removalTimer, n.config.UnsubscribeGrace, n.withItem(item.handle, func(item *QueryItem) {
		n.registry.Remove(item.QueryID, item.Owner)
		n.metrics.Queries.Set(float64(n.registry.Len()))
		n.log.WithFields(n.itemFields(item)).WithField("unsubscribed_at", item.UnsubscribedAt.String()).Info("Query removed")
	}))
}

func (n *Node) handleAlteration(p *Packet, from Address) error {
	h := p.Header
	if !p.Query.IsDefined() {
		return fmt.Errorf("%w: alteration without query", ErrMalformedPacket)
	}
	query := p.Query.Get()

	item := n.registry.Find(h.QueryID, h.Owner)
	created := false
	if item != nil {
		if item.IsUnsubscribed() {
			return ErrUnsubscribed
		}
		if query.SampleID <= item.Query.SampleID {
			return fmt.Errorf("%w: sample id %d, have %d", ErrStaleUpdate, query.SampleID, item.Query.SampleID)
		}
		item.Query = query
		n.registry.reevaluate(item)
	} else {
		if n.config.Sink {
			return ErrSinkDoesNotRelay
		}
		var err error
		item, err = n.registry.Insert(h, query, from, n.scheduler.Now())
		if err != nil {
			return err
		}
		created = true
		n.metrics.Queries.Set(float64(n.registry.Len()))
	}

	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"sample_id": query.SampleID,
		"serviced":  item.IsServiced,
		"created":   created,
	}).Info("Query altered")

	if item.sampleTimer != nil {
		item.sampleTimer.Stop()
	}
	n.armSampling(item)

	if item.relayTimer != nil {
		item.relayTimer.Stop()
	}
	n.armRelay(item, MessageAlteration, created)
	return nil
}

func (n *Node) handleClusterJoin(p *Packet, from Address) error {
	h := p.Header
	item := n.registry.Find(h.QueryID, h.Owner)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, h.Key())
	}
	if item.IsUnsubscribed() {
		return ErrUnsubscribed
	}

	now := n.scheduler.Now()
	if child := item.FindChild(from); child != nil {
		child.LastSeen = now
		return nil
	}
	if _, err := item.AddChild(from, n.config.ChildLimit, now); err != nil {
		return err
	}

	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"child":    from,
		"children": len(item.Children),
	}).Info("Child joined")

	// a branch node that does not sample still has to tick to forward its children's aggregate
	n.armSampling(item)
	return nil
}

func (n *Node) handlePublish(p *Packet, from Address) error {
	h := p.Header
	self := n.config.Address
	now := n.scheduler.Now()

	if h.Owner == self {
		if !h.NextHop.IsNull() && h.NextHop != self {
			// still on its way up through another node
			return nil
		}
		item := n.registry.Find(h.QueryID, self)
		if item == nil {
			return fmt.Errorf("%w: %s", ErrUnknownQuery, h.Key())
		}
		if !p.Reading.IsDefined() {
			return fmt.Errorf("%w: publish without data", ErrMalformedPacket)
		}
		n.deliver(item, p, from)
		return nil
	}

	n.refreshParents(from, now)

	if n.config.Sink {
		return ErrSinkDoesNotRelay
	}

	item := n.registry.Find(h.QueryID, h.Owner)
	if item == nil {
		if !p.Query.IsDefined() {
			return fmt.Errorf("%w: %s", ErrUnknownQuery, h.Key())
		}
		return n.learn(p, from)
	}
	if item.IsUnsubscribed() {
		return ErrUnsubscribed
	}

	if !h.NextHop.IsNull() && h.NextHop != self {
		if item.IsOrphaned() && item.FindChild(from) == nil {
			n.attach(item, from, h.IsClusterHead)
		}
		return nil
	}

	if item.Query.Aggregator != AggregatorNone {
		if child := item.FindChild(from); child != nil && from != self {
			if !p.Reading.IsDefined() {
				return fmt.Errorf("%w: publish without data", ErrMalformedPacket)
			}
			child.LastReading = p.Reading.Get().Data
			child.LastSeen = now
			child.LastReported = now
			return nil
		}
	}

	if item.IsOrphaned() {
		return ErrOrphaned
	}
	n.forward(item, p)
	return nil
}

// learn joins a query first heard through a Publish passing by.
func (n *Node) learn(p *Packet, from Address) error {
	item, err := n.registry.Insert(p.Header, p.Query.Get(), from, n.scheduler.Now())
	if err != nil {
		return err
	}
	n.metrics.Queries.Set(float64(n.registry.Len()))

	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"parent":   from,
		"serviced": item.IsServiced,
	}).Info("Query learned from publish")

	n.armSampling(item)
	if item.ParentIsClusterHead {
		n.armOnce(&item.joinTimer, n.jitter(n.config.RelayDelay), n.withItem(item.handle, n.join))
	}
	return nil
}

// forward relays a Publish one hop up the tree after a jitter.
func (n *Node) forward(item *QueryItem, p *Packet) {
	fwd := *p
	n.scheduler.AfterFunc(n.jitter(0), n.withItem(item.handle, func(item *QueryItem) {
		if item.IsOrphaned() || item.IsUnsubscribed() {
			return
		}
		fwd.Header.NextHop = item.Parent
		n.broadcast(&fwd)
	}))
}

func (n *Node) deliver(item *QueryItem, p *Packet, from Address) {
	reading := p.Reading.Get()
	query := p.Query.GetOrDefault(item.Query)

	n.metrics.Deliveries.Inc()
	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"from": from,
		"seq":  reading.Seq,
		"data": reading.Data,
	}).Debug("Publish delivered")

	if n.config.OnDeliver != nil {
		n.config.OnDeliver(Delivery{
			QueryID: item.QueryID,
			Owner:   item.Owner,
			From:    from,
			Seq:     reading.Seq,
			Query:   query,
			Data:    reading.Data,
			At:      n.scheduler.Now(),
		})
	}
}

// refreshParents records that from is alive and orphans every other item whose parent has been
// silent for too long.
func (n *Node) refreshParents(from Address, now time.Time) {
	for _, item := range n.registry.Items() {
		if item.IsUnsubscribed() || item.IsOrphaned() || item.Owner == n.config.Address {
			continue
		}
		if item.Parent == from {
			item.ParentLastSeen = now
			continue
		}
		threshold := idleThreshold(now, item.Query.SampleRate, n.config.Leeway, n.config.ParentRetries)
		if item.parentIsDead(threshold) {
			n.parentLost(item)
		}
	}
}

func (n *Node) parentLost(item *QueryItem) {
	n.metrics.ParentsLost.Inc()
	n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
		"parent":    item.Parent,
		"last_seen": item.ParentLastSeen,
	}).Warn("Parent lost")
	item.orphan()
}

// attach adopts a new parent for an orphaned item.
func (n *Node) attach(item *QueryItem, parent Address, isClusterHead bool) {
	item.Parent = parent
	item.ParentIsClusterHead = isClusterHead
	item.ParentLastSeen = time.Time{}
	if item.ParentBackup == parent {
		item.ParentBackup = NullAddress
	}

	n.log.WithFields(n.itemFields(item)).WithField("parent", parent).Info("Parent attached")

	n.armSampling(item)
	if isClusterHead {
		n.armOnce(&item.joinTimer, n.jitter(n.config.RelayDelay), n.withItem(item.handle, n.join))
	}
}

func (n *Node) join(item *QueryItem) {
	if item.IsOrphaned() || item.IsUnsubscribed() {
		return
	}
	n.unicast(item.Parent, &Packet{Header: NewHeader(MessageClusterJoin, item.Owner, item.QueryID)})
}
