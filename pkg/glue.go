package groot

import "time"

func pending(t Timer) bool {
	return t != nil && t.Pending()
}

// jitter adds a random delay in [0, MaxJitter] so neighbors that heard the same packet do not
// all transmit at once.
func (n *Node) jitter(base time.Duration) time.Duration {
	if n.config.MaxJitter <= 0 {
		return base
	}
	return base + time.Duration(n.config.Rand.Int63n(int64(n.config.MaxJitter)+1))
}

// armOnce arms f unless the slot already holds a pending timer. There is at most one pending
// timer per item and purpose.
func (n *Node) armOnce(slot *Timer, d time.Duration, f func()) bool {
	if pending(*slot) {
		return false
	}
	*slot = n.scheduler.AfterFunc(d, f)
	return true
}

// withItem binds a callback to an item handle. The callback is skipped if the item was removed
// in the meantime.
func (n *Node) withItem(h Handle, f func(*QueryItem)) func() {
	return func() {
		item := n.registry.Get(h)
		if item == nil {
			return
		}
		f(item)
	}
}

func (n *Node) needsSampling(item *QueryItem) bool {
	if item.IsUnsubscribed() || item.IsOrphaned() || item.Owner == n.config.Address {
		return false
	}
	if item.IsServiced {
		return true
	}
	return item.Query.Aggregator != AggregatorNone && item.downstreamChildren(n.config.Address) > 0
}

func (n *Node) armSampling(item *QueryItem) {
	if !n.needsSampling(item) {
		return
	}
	n.armOnce(&item.sampleTimer, n.jitter(item.Query.SampleRate), n.withItem(item.handle, n.sample))
}

// armRelay schedules the jittered rebroadcast of a query, preceded by a cluster join when the
// parent advertised itself as cluster head. The join has its own timer so re-arming the relay
// never cancels it.
func (n *Node) armRelay(item *QueryItem, typ MessageType, join bool) {
	delay := n.jitter(n.config.RelayDelay)
	if join && item.ParentIsClusterHead {
		n.armOnce(&item.joinTimer, delay, n.withItem(item.handle, n.join))
	}
	n.armOnce(&item.relayTimer, delay, n.withItem(item.handle, func(item *QueryItem) {
		n.broadcast(n.queryPacket(typ, item))
	}))
}

func (item *QueryItem) downstreamChildren(self Address) int {
	count := 0
	for _, child := range item.Children {
		if child.Address != self {
			count++
		}
	}
	return count
}
