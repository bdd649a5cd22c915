package groot

import (
	"fmt"
	"time"
)

// idleThreshold is the instant before which a neighbor that should have been heard every
// sample period counts as gone after the given number of missed periods.
func idleThreshold(now time.Time, rate time.Duration, leeway time.Duration, retries int) time.Time {
	return now.Add(-(rate + leeway) * time.Duration(retries))
}

func (item *QueryItem) FindChild(addr Address) *Child {
	for _, child := range item.Children {
		if child.Address == addr {
			return child
		}
	}
	return nil
}

// AddChild appends a child at the tail of the list if a slot is free.
func (item *QueryItem) AddChild(addr Address, limit int, now time.Time) (*Child, error) {
	if len(item.Children) >= limit {
		return nil, fmt.Errorf("%w: %s has %d children", ErrChildListFull, item.Key(), len(item.Children))
	}
	child := &Child{Address: addr, LastSeen: now}
	item.Children = append(item.Children, child)
	return child, nil
}

// RemoveChild removes exactly the given child, compared by identity.
func (item *QueryItem) RemoveChild(child *Child) bool {
	for i, c := range item.Children {
		if c == child {
			copy(item.Children[i:], item.Children[i+1:])
			item.Children[len(item.Children)-1] = nil
			item.Children = item.Children[:len(item.Children)-1]
			return true
		}
	}
	return false
}

// evictDeadChildren drops every child, except self, last heard before threshold.
func (item *QueryItem) evictDeadChildren(self Address, threshold time.Time) []Address {
	var evicted []Address
	for i := 0; i < len(item.Children); {
		child := item.Children[i]
		if child.Address != self && child.LastSeen.Before(threshold) {
			item.RemoveChild(child)
			evicted = append(evicted, child.Address)
			continue
		}
		i++
	}
	return evicted
}

// parentIsDead reports whether a parent heard at least once has stayed silent past threshold.
func (item *QueryItem) parentIsDead(threshold time.Time) bool {
	return !item.ParentLastSeen.IsZero() && item.ParentLastSeen.Before(threshold)
}

// orphan detaches the item from a dead parent and stops sampling until it re-attaches.
func (item *QueryItem) orphan() {
	if item.sampleTimer != nil {
		item.sampleTimer.Stop()
	}
	if item.ParentBackup == item.Parent {
		item.ParentBackup = NullAddress
	}
	item.Parent = NullAddress
	item.ParentLastSeen = time.Time{}
}
