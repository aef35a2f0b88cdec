package engine

import (
	"strings"
	"sync"
)

// ChangeCause identifies what moved the mirror to a new revision.
type ChangeCause string

const (
	// CauseFlush means the local pending batch committed.
	CauseFlush ChangeCause = "flush"
	// CauseBroadcast means another context committed and we rebuilt from the store.
	CauseBroadcast ChangeCause = "broadcast"
	// CauseConflict means our flush lost the revision race and we rebuilt.
	CauseConflict ChangeCause = "conflict"
	// CauseStoreError means a flush hit a durable I/O error and we rebuilt.
	CauseStoreError ChangeCause = "store_error"
	// CauseImport means a snapshot restore replaced the store contents.
	CauseImport ChangeCause = "import"
)

// External reports whether the change originated outside this engine.
func (c ChangeCause) External() bool { return c != CauseFlush }

// ChangeEvent describes one revision change observed by the engine.
type ChangeEvent struct {
	Revision uint64
	Cause    ChangeCause
}

// Subscription represents a client's subscription to revision changes.
type Subscription struct {
	ID      uint64
	Updates chan ChangeEvent // Channel to send updates to the subscriber.
	Filter  SubscriptionFilter
	Close   func() // Function to close the subscription.
}

// SubscriptionFilter defines the criteria for a subscription.
// The zero value matches every change.
type SubscriptionFilter struct {
	// Causes limits delivery to the listed causes. A trailing "*" in an
	// entry matches any cause with that prefix, e.g. "c*" for conflicts.
	Causes []string
	// ExternalOnly drops locally caused changes, mirroring the browser
	// behavior where a context never hears its own writes.
	ExternalOnly bool
}

// Matches checks if a given change event matches the filter.
func (f *SubscriptionFilter) Matches(ev ChangeEvent) bool {
	if f.ExternalOnly && !ev.Cause.External() {
		return false
	}
	if len(f.Causes) == 0 {
		return true
	}
	for _, c := range f.Causes {
		if strings.HasSuffix(c, "*") {
			prefix := strings.TrimSuffix(c, "*")
			if strings.HasPrefix(string(ev.Cause), prefix) {
				return true
			}
		} else if c == string(ev.Cause) {
			return true
		}
	}
	return false
}

// PubSub fans revision changes out to subscribers.
type PubSub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	nextID      uint64
}

// NewPubSub creates a new PubSub system.
func NewPubSub() *PubSub {
	return &PubSub{
		subscribers: make(map[uint64]*Subscription),
	}
}

// Subscribe creates a new subscription and returns it.
func (ps *PubSub) Subscribe(filter SubscriptionFilter) *Subscription {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	sub := &Subscription{
		ID:      ps.nextID,
		Updates: make(chan ChangeEvent, 100), // Buffered channel
		Filter:  filter,
	}
	sub.Close = func() {
		ps.Unsubscribe(sub.ID)
	}

	ps.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (ps *PubSub) Unsubscribe(id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if sub, ok := ps.subscribers[id]; ok {
		close(sub.Updates)
		delete(ps.subscribers, id)
	}
}

// Publish sends a change event to all matching subscribers.
func (ps *PubSub) Publish(ev ChangeEvent) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for _, sub := range ps.subscribers {
		if sub.Filter.Matches(ev) {
			// Non-blocking send to avoid a slow subscriber from blocking the flush path.
			select {
			case sub.Updates <- ev:
			default:
				// Subscriber's channel is full. Revision changes are cumulative,
				// so a dropped event is recovered by the next one.
			}
		}
	}
}

// CloseAll terminates every subscription.
func (ps *PubSub) CloseAll() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for id, sub := range ps.subscribers {
		close(sub.Updates)
		delete(ps.subscribers, id)
	}
}
