package groot

import (
	"github.com/sirupsen/logrus"
)

// sample is the periodic tick of a query this node samples or aggregates for.
func (n *Node) sample(item *QueryItem) {
	if !n.needsSampling(item) {
		return
	}

	now := n.scheduler.Now()
	if item.parentIsDead(idleThreshold(now, item.Query.SampleRate, n.config.Leeway, n.config.ParentRetries)) {
		n.parentLost(item)
		return
	}

	n.armOnce(&item.sampleTimer, item.Query.SampleRate, n.withItem(item.handle, n.sample))

	if item.IsServiced {
		data, err := n.read(item.Query.Sensors)
		if err != nil {
			n.log.WithFields(n.itemFields(item)).WithError(err).Warn("Sensor read failed")
		} else if item.Query.Aggregator == AggregatorNone {
			n.publish(item, data)
			return
		} else if self := item.FindChild(n.config.Address); self != nil {
			self.LastReading = data
			self.LastSeen = now
			self.LastReported = now
		}
	}

	if item.Query.Aggregator == AggregatorNone {
		return
	}
	n.armOnce(&item.aggregationTimer, n.jitter(n.config.AggregationWait), n.withItem(item.handle, n.completeAggregation))
}

func (n *Node) read(required SensorSet) (SensorsData, error) {
	var data SensorsData
	for _, s := range AllSensors {
		if !required.Has(s) {
			continue
		}
		v, err := n.config.Reader.Read(s)
		if err != nil {
			return SensorsData{}, err
		}
		data.Set(s, v)
	}
	return data, nil
}

// completeAggregation publishes the aggregate once every live child has reported or the retries
// ran out, and re-arms itself otherwise.
func (n *Node) completeAggregation(item *QueryItem) {
	if item.IsUnsubscribed() || item.IsOrphaned() {
		return
	}

	now := n.scheduler.Now()
	if !n.canSendAggregate(item) {
		n.armOnce(&item.aggregationTimer, n.jitter(n.config.AggregationWait), n.withItem(item.handle, n.completeAggregation))
		return
	}

	data, ok := Aggregate(item.Query.Aggregator, item.Query.Sensors, item.Children)
	item.AggregationRetries = 0
	item.LastPublished = now
	if !ok {
		n.log.WithFields(n.itemFields(item)).Debug("Nothing to aggregate")
		return
	}

	n.metrics.Aggregates.Inc()
	n.publish(item, data)
}

// canSendAggregate evicts dead children and reports whether every remaining child produced a
// reading since the last publish. While some have not, it counts a retry until the limit.
func (n *Node) canSendAggregate(item *QueryItem) bool {
	now := n.scheduler.Now()
	self := n.config.Address

	threshold := idleThreshold(now, item.Query.SampleRate, n.config.Leeway, n.config.AggregationRetries)
	for _, addr := range item.evictDeadChildren(self, threshold) {
		n.log.WithFields(n.itemFields(item)).WithField("child", addr).Info("Child evicted")
	}

	for _, child := range item.Children {
		if child.Address == self && !item.IsServiced {
			continue
		}
		if child.LastReported.After(item.LastPublished) {
			continue
		}
		if item.AggregationRetries < n.config.AggregationRetries {
			item.AggregationRetries++
			n.log.WithFields(n.itemFields(item)).WithFields(logrus.Fields{
				"child": child.Address,
				"retry": item.AggregationRetries,
			}).Debug("Waiting for child")
			return false
		}
		break
	}
	return true
}

// Aggregate folds the children's last readings for each required sensor. Sensors no child
// reported are left out of the result; ok is false when nothing was reported at all.
func Aggregate(aggregator Aggregator, required SensorSet, children []*Child) (SensorsData, bool) {
	var data SensorsData
	ok := false
	for _, s := range AllSensors {
		if !required.Has(s) {
			continue
		}
		value, count := AggregateSensor(aggregator, s, children)
		if count > 0 {
			data.Set(s, value)
			ok = true
		}
	}
	return data, ok
}

// AggregateSensor folds one sensor over the children that reported it. A reading of 0 means the
// sensor was not sampled and is skipped. With no qualifying child the result is 0.
func AggregateSensor(aggregator Aggregator, s Sensor, children []*Child) (float64, int) {
	var result float64
	count := 0
	for _, child := range children {
		v, ok := child.LastReading.Get(s)
		if !ok || v == 0 {
			continue
		}
		switch aggregator {
		case AggregatorMax:
			if count == 0 || v > result {
				result = v
			}
		case AggregatorMin:
			if count == 0 || v < result {
				result = v
			}
		default:
			result += v
		}
		count++
	}
	if aggregator == AggregatorAvg && count > 0 {
		result /= float64(count)
	}
	return result, count
}

func (n *Node) publish(item *QueryItem, data SensorsData) {
	if item.IsOrphaned() {
		return
	}
	item.PublishSeq++

	header := NewHeader(MessagePublish, item.Owner, item.QueryID)
	header.NextHop = item.Parent
	header.IsClusterHead = n.clusterHead()

	n.broadcast(&Packet{
		Header:  header,
		Query:   NewDefined(item.Query),
		Reading: NewDefined(Reading{Seq: item.PublishSeq, Data: data}),
	})
}
