package groot

import (
	"fmt"
	"time"
)

// Key identifies a query network-wide: the sink that created it and the sink's query id.
type Key struct {
	QueryID uint16
	Owner   Address
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%s", k.QueryID, k.Owner)
}

// Handle refers to a registry slot. It goes stale once the item it was taken from is removed,
// even if the slot is reused for the same key.
type Handle struct {
	Key        Key
	index      int
	generation uint32
}

// Child is one downstream tree neighbor of a query. LastSeen tracks liveness, LastReported the
// last reading that arrived from it.
type Child struct {
	Address      Address
	LastSeen     time.Time
	LastReported time.Time
	LastReading  SensorsData
}

// QueryItem is everything a node knows about one query.
type QueryItem struct {
	QueryID uint16
	Owner   Address
	Query   Query

	Parent              Address
	ParentBackup        Address
	ParentIsClusterHead bool
	ParentLastSeen      time.Time

	IsServiced     bool
	UnsubscribedAt Optional[time.Time]
	LastPublished  time.Time

	AggregationRetries int
	PublishSeq         uint16

	Children []*Child

	handle           Handle
	sampleTimer      Timer
	aggregationTimer Timer
	relayTimer       Timer
	joinTimer        Timer
	removalTimer     Timer
}

func (item *QueryItem) Key() Key {
	return Key{QueryID: item.QueryID, Owner: item.Owner}
}

func (item *QueryItem) Handle() Handle {
	return item.handle
}

func (item *QueryItem) IsOrphaned() bool {
	return item.Parent.IsNull()
}

func (item *QueryItem) IsUnsubscribed() bool {
	return item.UnsubscribedAt.IsDefined()
}

// SampleTimerPending reports whether the sampling tick is armed.
func (item *QueryItem) SampleTimerPending() bool {
	return pending(item.sampleTimer)
}

func (item *QueryItem) stopTimers() {
	for _, t := range []Timer{item.sampleTimer, item.aggregationTimer, item.relayTimer, item.joinTimer, item.removalTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

type registrySlot struct {
	generation uint32
	item       *QueryItem
}

// Registry is a fixed-capacity arena of QueryItems keyed by (query id, owner).
type Registry struct {
	self         Address
	capabilities SensorSet
	childLimit   int

	slots []registrySlot
	index map[Key]int
	count int
}

func NewRegistry(self Address, capabilities SensorSet, queryLimit int, childLimit int) *Registry {
	return &Registry{
		self:         self,
		capabilities: capabilities,
		childLimit:   childLimit,
		slots:        make([]registrySlot, queryLimit),
		index:        make(map[Key]int, queryLimit),
	}
}

func (r *Registry) Find(queryID uint16, owner Address) *QueryItem {
	i, ok := r.index[Key{QueryID: queryID, Owner: owner}]
	if !ok {
		return nil
	}
	return r.slots[i].item
}

// Get resolves a handle, returning nil when the item it named has been removed.
func (r *Registry) Get(h Handle) *QueryItem {
	if h.index < 0 || h.index >= len(r.slots) {
		return nil
	}
	slot := r.slots[h.index]
	if slot.item == nil || slot.generation != h.generation {
		return nil
	}
	return slot.item
}

// Insert registers a query learned from the sender. The local node is seeded as the first child
// so its own reading is aggregated the same way as any downstream one.
func (r *Registry) Insert(header Header, query Query, from Address, now time.Time) (*QueryItem, error) {
	key := header.Key()
	if _, exists := r.index[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryExists, key)
	}

	free := -1
	for i := range r.slots {
		if r.slots[i].item == nil {
			free = i
			break
		}
	}
	if free < 0 {
		return nil, fmt.Errorf("%w: %d queries", ErrRegistryFull, r.Cap())
	}

	slot := &r.slots[free]
	slot.generation++
	item := &QueryItem{
		QueryID:             header.QueryID,
		Owner:               header.Owner,
		Query:               query,
		Parent:              from,
		ParentIsClusterHead: header.IsClusterHead,
		IsServiced:          r.capabilities.Covers(query.Sensors),
		Children:            make([]*Child, 0, r.childLimit),
		handle: Handle{
			Key:        key,
			index:      free,
			generation: slot.generation,
		},
	}
	item.Children = append(item.Children, &Child{Address: r.self, LastSeen: now})

	slot.item = item
	r.index[key] = free
	r.count++
	return item, nil
}

// Remove frees the item's slot after stopping its timers.
func (r *Registry) Remove(queryID uint16, owner Address) {
	key := Key{QueryID: queryID, Owner: owner}
	i, ok := r.index[key]
	if !ok {
		return
	}
	r.slots[i].item.stopTimers()
	r.slots[i].item = nil
	delete(r.index, key)
	r.count--
}

// Items returns the live items in slot order.
func (r *Registry) Items() []*QueryItem {
	items := make([]*QueryItem, 0, r.count)
	for _, slot := range r.slots {
		if slot.item != nil {
			items = append(items, slot.item)
		}
	}
	return items
}

func (r *Registry) Len() int {
	return r.count
}

func (r *Registry) Cap() int {
	return len(r.slots)
}

// reevaluate recomputes whether the local node can sample the item's query.
func (r *Registry) reevaluate(item *QueryItem) {
	item.IsServiced = r.capabilities.Covers(item.Query.Sensors)
}
