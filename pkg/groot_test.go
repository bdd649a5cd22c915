package groot_test

import (
	"testing"
	"time"

	groot "github.com/burgrp-go/groot/pkg"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	sinkAddr   groot.Address = 0x0100
	parentAddr groot.Address = 0x0105
	selfAddr   groot.Address = 0x0102
)

var tenSeconds = query(0, 10*time.Second, co2, groot.AggregatorNone)

func subscribe(t *testing.T, n *testNode, from groot.Address, q groot.Query) {
	require.NoError(t, n.Receive(from, frame(groot.MessageSubscribe, sinkAddr, 1, from, &q, nil)))
}

func TestSubscribeRegistersAndRelays(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)

	item := n.Registry().Find(1, sinkAddr)
	require.NotNil(t, item)
	require.Equal(t, parentAddr, item.Parent)
	require.True(t, item.ParentIsClusterHead)
	require.True(t, item.IsServiced)
	require.True(t, item.SampleTimerPending())
	require.Empty(t, n.transport.sent)

	n.scheduler.Advance(groot.DefaultRelayDelay)

	require.Len(t, n.transport.sent, 2)
	join := n.transport.sent[0]
	require.True(t, join.Unicast)
	require.Equal(t, parentAddr, join.Dest)
	require.Equal(t, groot.MessageClusterJoin, join.Packet.Header.Type)
	require.Equal(t, parentAddr, join.Packet.Header.NextHop)

	relay := n.transport.sent[1]
	require.False(t, relay.Unicast)
	require.Equal(t, groot.MessageSubscribe, relay.Packet.Header.Type)
	require.Equal(t, selfAddr, relay.Packet.Header.LoopGuard)
	require.Equal(t, sinkAddr, relay.Packet.Header.Owner)
	require.Equal(t, tenSeconds, relay.Packet.Query.Get())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)
	n.scheduler.Advance(groot.DefaultRelayDelay)
	n.transport.reset()

	subscribe(t, n, 0x0103, tenSeconds)
	subscribe(t, n, 0x0104, tenSeconds)
	subscribe(t, n, parentAddr, tenSeconds)
	n.scheduler.Advance(groot.DefaultRelayDelay)

	item := n.Registry().Find(1, sinkAddr)
	require.Equal(t, 1, n.Registry().Len())
	require.Equal(t, parentAddr, item.Parent)
	require.Equal(t, groot.Address(0x0103), item.ParentBackup)
	require.Empty(t, n.transport.ofType(groot.MessageSubscribe))
}

func TestSelfEchoDropped(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)

	err := n.Receive(parentAddr, frame(groot.MessageSubscribe, sinkAddr, 1, selfAddr, &tenSeconds, nil))
	require.ErrorIs(t, err, groot.ErrSelfEcho)
	require.Nil(t, n.Registry().Find(1, sinkAddr))
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().PacketsDropped.WithLabelValues("self_echo")))
}

func TestProtocolMismatchDropped(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	data := frame(groot.MessageSubscribe, sinkAddr, 1, parentAddr, &tenSeconds, nil)
	data[2] = 'X'

	require.ErrorIs(t, n.Receive(parentAddr, data), groot.ErrProtocolMismatch)
	require.Zero(t, n.Registry().Len())
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().PacketsDropped.WithLabelValues("protocol_mismatch")))
}

func TestRegistryFullDropsSubscribe(t *testing.T) {
	n := newTestNode(t, selfAddr, co2, func(c *groot.Config) { c.QueryLimit = 2 })

	for id := uint16(1); id <= 2; id++ {
		require.NoError(t, n.Receive(parentAddr, frame(groot.MessageSubscribe, sinkAddr, id, parentAddr, &tenSeconds, nil)))
	}
	err := n.Receive(parentAddr, frame(groot.MessageSubscribe, sinkAddr, 3, parentAddr, &tenSeconds, nil))
	require.ErrorIs(t, err, groot.ErrRegistryFull)
	require.Equal(t, 2, n.Registry().Len())
}

func TestAlterationOrdering(t *testing.T) {
	n := newTestNode(t, selfAddr, groot.NewSensorSet(groot.SensorCO2, groot.SensorTemp))
	subscribe(t, n, parentAddr, tenSeconds)

	alter := func(sampleID uint16, sensors groot.SensorSet) error {
		q := query(sampleID, 5*time.Second, sensors, groot.AggregatorMax)
		return n.Receive(parentAddr, frame(groot.MessageAlteration, sinkAddr, 1, parentAddr, &q, nil))
	}

	require.NoError(t, alter(2, groot.NewSensorSet(groot.SensorTemp)))
	item := n.Registry().Find(1, sinkAddr)
	require.Equal(t, uint16(2), item.Query.SampleID)
	require.Equal(t, 5*time.Second, item.Query.SampleRate)
	require.True(t, item.IsServiced)

	require.ErrorIs(t, alter(1, groot.NewSensorSet(groot.SensorNO)), groot.ErrStaleUpdate)
	require.ErrorIs(t, alter(2, groot.NewSensorSet(groot.SensorNO)), groot.ErrStaleUpdate)
	require.Equal(t, uint16(2), item.Query.SampleID)

	require.NoError(t, alter(3, groot.NewSensorSet(groot.SensorNO)))
	require.False(t, item.IsServiced)
	require.False(t, item.SampleTimerPending())

	n.scheduler.Advance(groot.DefaultRelayDelay)
	relays := n.transport.ofType(groot.MessageAlteration)
	require.Len(t, relays, 1)
	require.Equal(t, uint16(3), relays[0].Packet.Query.Get().SampleID)
}

func TestAlterationCreatesUnknownQuery(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	q := query(4, 10*time.Second, co2, groot.AggregatorNone)

	require.NoError(t, n.Receive(parentAddr, frame(groot.MessageAlteration, sinkAddr, 9, parentAddr, &q, nil)))
	item := n.Registry().Find(9, sinkAddr)
	require.NotNil(t, item)
	require.Equal(t, parentAddr, item.Parent)

	n.scheduler.Advance(groot.DefaultRelayDelay)
	require.Len(t, n.transport.ofType(groot.MessageClusterJoin), 1)
	require.Len(t, n.transport.ofType(groot.MessageAlteration), 1)
}

func TestUnsubscribeGrace(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)

	require.NoError(t, n.Receive(parentAddr, frame(groot.MessageUnsubscribe, sinkAddr, 1, parentAddr, nil, nil)))
	item := n.Registry().Find(1, sinkAddr)
	require.NotNil(t, item)
	require.True(t, item.IsUnsubscribed())
	require.False(t, item.SampleTimerPending())

	// a late copy of the subscribe must not resurrect the query
	subscribe(t, n, 0x0103, tenSeconds)
	require.ErrorIs(t, n.Receive(parentAddr, frame(groot.MessageUnsubscribe, sinkAddr, 1, parentAddr, nil, nil)), groot.ErrUnsubscribed)

	n.scheduler.Advance(groot.DefaultRelayDelay)
	require.Len(t, n.transport.ofType(groot.MessageUnsubscribe), 1)
	require.Empty(t, n.transport.ofType(groot.MessageSubscribe))
	require.Empty(t, n.transport.ofType(groot.MessagePublish))

	n.scheduler.Advance(groot.DefaultUnsubscribeGrace - groot.DefaultRelayDelay - time.Millisecond)
	require.NotNil(t, n.Registry().Find(1, sinkAddr))

	n.scheduler.Advance(time.Millisecond)
	require.Nil(t, n.Registry().Find(1, sinkAddr))
	require.Zero(t, n.scheduler.Pending())
}

func TestClusterJoinChildLimit(t *testing.T) {
	n := newTestNode(t, selfAddr, co2, func(c *groot.Config) { c.ChildLimit = 3 })
	subscribe(t, n, parentAddr, tenSeconds)

	join := func(from groot.Address) error {
		return n.ReceiveUnicast(from, frame(groot.MessageClusterJoin, sinkAddr, 1, from, nil, nil))
	}

	require.NoError(t, join(0x0201))
	require.NoError(t, join(0x0202))
	require.NoError(t, join(0x0201))
	require.ErrorIs(t, join(0x0203), groot.ErrChildListFull)

	item := n.Registry().Find(1, sinkAddr)
	require.Len(t, item.Children, 3)
	require.Equal(t, selfAddr, item.Children[0].Address)

	require.ErrorIs(t, n.ReceiveUnicast(0x0204, frame(groot.MessageClusterJoin, sinkAddr, 2, 0x0204, nil, nil)), groot.ErrUnknownQuery)
}

func TestPublishSampledTowardParent(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)

	n.scheduler.Advance(10 * time.Second)
	publishes := n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 1)

	p := publishes[0].Packet
	require.Equal(t, parentAddr, p.Header.NextHop)
	require.Equal(t, selfAddr, p.Header.LoopGuard)
	require.Equal(t, uint16(1), p.Reading.Get().Seq)
	v, ok := p.Reading.Get().Data.Get(groot.SensorCO2)
	require.True(t, ok)
	require.Equal(t, 10.0, v)

	n.scheduler.Advance(10 * time.Second)
	publishes = n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 2)
	require.Equal(t, uint16(2), publishes[1].Packet.Reading.Get().Seq)
	require.Equal(t, uint16(0), publishes[1].Packet.Query.Get().SampleID)
}

func TestPublishForwarded(t *testing.T) {
	n := newTestNode(t, selfAddr, groot.SensorSet{})
	subscribe(t, n, parentAddr, tenSeconds)
	n.scheduler.Advance(groot.DefaultRelayDelay)
	n.transport.reset()

	child := groot.Address(0x0201)
	require.NoError(t, n.Receive(child, publishFrame(sinkAddr, 1, child, selfAddr, tenSeconds, 4, co2Reading(500))))
	n.scheduler.Advance(0)

	publishes := n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 1)
	p := publishes[0].Packet
	require.Equal(t, parentAddr, p.Header.NextHop)
	require.Equal(t, selfAddr, p.Header.LoopGuard)
	require.Equal(t, uint16(4), p.Reading.Get().Seq)
	require.Equal(t, co2Reading(500), p.Reading.Get().Data)
}

func TestPublishOverheardIsNotForwarded(t *testing.T) {
	n := newTestNode(t, selfAddr, groot.SensorSet{})
	subscribe(t, n, parentAddr, tenSeconds)
	n.scheduler.Advance(groot.DefaultRelayDelay)
	n.transport.reset()

	require.NoError(t, n.Receive(0x0201, publishFrame(sinkAddr, 1, 0x0201, 0x0203, tenSeconds, 1, co2Reading(500))))
	n.scheduler.Advance(time.Second)
	require.Empty(t, n.transport.ofType(groot.MessagePublish))
}

func TestPublishLearnsQuery(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)

	require.NoError(t, n.Receive(parentAddr, publishFrame(sinkAddr, 1, parentAddr, sinkAddr, tenSeconds, 1, co2Reading(500))))
	item := n.Registry().Find(1, sinkAddr)
	require.NotNil(t, item)
	require.Equal(t, parentAddr, item.Parent)
	require.True(t, item.SampleTimerPending())
}

func TestParentDeathOrphansAndReattaches(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)

	// the parent is heard relaying toward the sink
	require.NoError(t, n.Receive(parentAddr, publishFrame(sinkAddr, 1, parentAddr, sinkAddr, tenSeconds, 1, co2Reading(500))))
	item := n.Registry().Find(1, sinkAddr)
	require.Equal(t, n.scheduler.Now(), item.ParentLastSeen)

	n.scheduler.Advance(35 * time.Second)
	require.Equal(t, parentAddr, item.Parent)

	n.scheduler.Advance(5 * time.Second)
	require.True(t, item.IsOrphaned())
	require.False(t, item.SampleTimerPending())
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().ParentsLost))

	n.transport.reset()
	n.scheduler.Advance(time.Minute)
	require.Empty(t, n.transport.ofType(groot.MessagePublish))

	subscribe(t, n, 0x0103, tenSeconds)
	require.Equal(t, groot.Address(0x0103), item.Parent)
	require.True(t, item.SampleTimerPending())

	n.scheduler.Advance(10 * time.Second)
	publishes := n.transport.ofType(groot.MessagePublish)
	require.NotEmpty(t, publishes)
	require.Equal(t, groot.Address(0x0103), publishes[len(publishes)-1].Packet.Header.NextHop)
}

func TestAggregationAverage(t *testing.T) {
	q := query(0, 10*time.Second, co2, groot.AggregatorAvg)
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, q)

	for i, child := range []groot.Address{0x0201, 0x0202} {
		require.NoError(t, n.ReceiveUnicast(child, frame(groot.MessageClusterJoin, sinkAddr, 1, child, nil, nil)))
		require.NoError(t, n.Receive(child, publishFrame(sinkAddr, 1, child, selfAddr, q, 1, co2Reading(float64(20+10*i)))))
	}

	n.scheduler.Advance(10 * time.Second)
	require.Empty(t, n.transport.ofType(groot.MessagePublish))

	n.scheduler.Advance(groot.DefaultAggregationWait)
	publishes := n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 1)
	p := publishes[0].Packet
	require.Equal(t, parentAddr, p.Header.NextHop)
	require.Equal(t, co2Reading(20), p.Reading.Get().Data)
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().Aggregates))
}

func TestAggregationWaitsForSilentChild(t *testing.T) {
	q := query(0, 10*time.Second, co2, groot.AggregatorMax)
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, q)

	fast, slow := groot.Address(0x0201), groot.Address(0x0202)
	joinFrom := func(child groot.Address) {
		require.NoError(t, n.ReceiveUnicast(child, frame(groot.MessageClusterJoin, sinkAddr, 1, child, nil, nil)))
	}
	joinFrom(fast)
	joinFrom(slow)

	// joined children have not reported: checks at 11s, 12s and 13s wait, 14s gives up
	n.scheduler.Advance(13 * time.Second)
	require.Empty(t, n.transport.ofType(groot.MessagePublish))
	n.scheduler.Advance(time.Second)
	publishes := n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 1)
	require.Equal(t, co2Reading(10), publishes[0].Packet.Reading.Get().Data)

	n.scheduler.Advance(time.Second)
	require.NoError(t, n.Receive(fast, publishFrame(sinkAddr, 1, fast, selfAddr, q, 1, co2Reading(700))))

	// tick at 20s, a repeated join keeps the slow child alive but does not count as a reading
	n.scheduler.Advance(7 * time.Second)
	joinFrom(slow)
	n.scheduler.Advance(time.Second)
	require.Len(t, n.transport.ofType(groot.MessagePublish), 1)

	n.scheduler.Advance(time.Second)
	publishes = n.transport.ofType(groot.MessagePublish)
	require.Len(t, publishes, 2)
	require.Equal(t, co2Reading(700), publishes[1].Packet.Reading.Get().Data)
	require.NotNil(t, n.Registry().Find(1, sinkAddr).FindChild(slow))
}

func TestAlterationKeepsPendingJoin(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)

	q := query(1, 5*time.Second, co2, groot.AggregatorNone)
	require.NoError(t, n.Receive(parentAddr, frame(groot.MessageAlteration, sinkAddr, 1, parentAddr, &q, nil)))

	n.scheduler.Advance(time.Second)
	joins := n.transport.ofType(groot.MessageClusterJoin)
	require.Len(t, joins, 1)
	require.Equal(t, parentAddr, joins[0].Dest)
	require.Empty(t, n.transport.ofType(groot.MessageSubscribe))
	require.Len(t, n.transport.ofType(groot.MessageAlteration), 1)
}

func TestSinkIgnoresPublishForAnotherHop(t *testing.T) {
	n := newTestNode(t, sinkAddr, groot.SensorSet{}, asSink)
	require.True(t, n.Subscribe(1, 10*time.Second, co2, groot.AggregatorAvg))
	q := n.transport.ofType(groot.MessageSubscribe)[0].Packet.Query.Get()

	leaf := groot.Address(0x0201)
	require.NoError(t, n.Receive(leaf, publishFrame(sinkAddr, 1, leaf, parentAddr, q, 1, co2Reading(500))))
	require.Empty(t, n.deliveries)

	require.NoError(t, n.Receive(parentAddr, publishFrame(sinkAddr, 1, parentAddr, sinkAddr, q, 1, co2Reading(500))))
	require.Len(t, n.deliveries, 1)
	require.Equal(t, parentAddr, n.deliveries[0].From)
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().Deliveries))
}

func TestSinkLifecycle(t *testing.T) {
	n := newTestNode(t, sinkAddr, groot.SensorSet{}, asSink)

	require.True(t, n.Subscribe(1, 10*time.Second, co2, groot.AggregatorAvg))
	require.False(t, n.Subscribe(1, 10*time.Second, co2, groot.AggregatorAvg))
	require.False(t, n.Subscribe(2, 0, co2, groot.AggregatorAvg))
	require.False(t, n.Subscribe(2, time.Second, groot.SensorSet{}, groot.AggregatorAvg))

	item := n.Registry().Find(1, sinkAddr)
	require.NotNil(t, item)
	require.False(t, item.IsServiced)
	require.True(t, item.IsOrphaned())

	subs := n.transport.ofType(groot.MessageSubscribe)
	require.Len(t, subs, 1)
	require.Equal(t, sinkAddr, subs[0].Packet.Header.Owner)
	require.Equal(t, sinkAddr, subs[0].Packet.Header.LoopGuard)
	require.True(t, subs[0].Packet.Header.IsClusterHead)

	// its own subscribe echoed back by a neighbor is ignored
	echoed := subs[0].Packet.Query.Get()
	require.NoError(t, n.Receive(parentAddr, frame(groot.MessageSubscribe, sinkAddr, 1, parentAddr, &echoed, nil)))

	require.True(t, n.Update(1, 5*time.Second, co2, groot.AggregatorMin))
	alts := n.transport.ofType(groot.MessageAlteration)
	require.Len(t, alts, 1)
	require.Equal(t, uint16(1), alts[0].Packet.Query.Get().SampleID)
	require.Equal(t, groot.AggregatorMin, alts[0].Packet.Query.Get().Aggregator)

	q := alts[0].Packet.Query.Get()
	require.NoError(t, n.Receive(parentAddr, publishFrame(sinkAddr, 1, parentAddr, sinkAddr, q, 3, co2Reading(640))))
	require.Len(t, n.deliveries, 1)
	d := n.deliveries[0]
	require.Equal(t, uint16(1), d.QueryID)
	require.Equal(t, parentAddr, d.From)
	require.Equal(t, uint16(3), d.Seq)
	require.Equal(t, co2Reading(640), d.Data)
	require.Equal(t, 1.0, testutil.ToFloat64(n.Metrics().Deliveries))

	require.True(t, n.Unsubscribe(1))
	require.False(t, n.Unsubscribe(1))
	require.False(t, n.Update(1, time.Second, co2, groot.AggregatorMin))
	require.Len(t, n.transport.ofType(groot.MessageUnsubscribe), 1)

	n.scheduler.Advance(groot.DefaultUnsubscribeGrace)
	require.Nil(t, n.Registry().Find(1, sinkAddr))
	require.False(t, n.Unsubscribe(1))
}

func TestSinkDoesNotRelay(t *testing.T) {
	n := newTestNode(t, sinkAddr, groot.SensorSet{}, asSink)
	other := groot.Address(0x0900)

	err := n.Receive(parentAddr, frame(groot.MessageSubscribe, other, 1, parentAddr, &tenSeconds, nil))
	require.ErrorIs(t, err, groot.ErrSinkDoesNotRelay)

	err = n.Receive(parentAddr, publishFrame(other, 1, parentAddr, sinkAddr, tenSeconds, 1, co2Reading(1)))
	require.ErrorIs(t, err, groot.ErrSinkDoesNotRelay)
	require.Zero(t, n.Registry().Len())
	require.Empty(t, n.transport.sent)
}

func TestNonSinkCannotSubscribe(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	require.False(t, n.Subscribe(1, time.Second, co2, groot.AggregatorNone))
	require.False(t, n.Unsubscribe(1))
	require.Empty(t, n.transport.sent)
}

func TestCloseStopsEverything(t *testing.T) {
	n := newTestNode(t, selfAddr, co2)
	subscribe(t, n, parentAddr, tenSeconds)
	require.NotZero(t, n.scheduler.Pending())

	n.Close()
	require.Zero(t, n.Registry().Len())
	require.Zero(t, n.scheduler.Pending())
}
