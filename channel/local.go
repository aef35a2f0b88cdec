package channel

import (
	"context"
	"sync"
)

// LocalHub connects channels living in one process. Each endpoint behaves
// like a browser BroadcastChannel: a publish reaches every other endpoint on
// the hub, never the sender itself.
type LocalHub struct {
	mu        sync.RWMutex
	endpoints map[uint64]*LocalChannel
	nextID    uint64
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{endpoints: make(map[uint64]*LocalChannel)}
}

// NewChannel registers and returns a new endpoint on the hub.
func (h *LocalHub) NewChannel() *LocalChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := &LocalChannel{
		hub:         h,
		id:          h.nextID,
		subscribers: make(map[uint64]*localSub),
	}
	h.endpoints[ch.id] = ch
	return ch
}

func (h *LocalHub) broadcast(fromID uint64, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ep := range h.endpoints {
		if id == fromID {
			continue
		}
		ep.deliver(msg)
	}
}

func (h *LocalHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
}

// LocalChannel is one endpoint on a LocalHub.
type LocalChannel struct {
	hub *LocalHub
	id  uint64

	mu          sync.RWMutex
	subscribers map[uint64]*localSub
	nextSubID   uint64
	closed      bool
}

var _ Channel = (*LocalChannel)(nil)

type localSub struct {
	updates chan Message
}

// Publish fans the message out to every other endpoint on the hub.
func (c *LocalChannel) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}
	c.hub.broadcast(c.id, msg)
	return nil
}

// Subscribe registers fn for incoming messages. The callback runs on a
// dedicated goroutine per subscription; messages are dropped rather than
// blocking a publisher when the subscriber lags far behind.
func (c *LocalChannel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	sub := &localSub{updates: make(chan Message, 64)}
	c.subscribers[id] = sub

	go func() {
		for msg := range sub.updates {
			fn(msg)
		}
	}()

	return func() { c.unsubscribe(id) }
}

func (c *LocalChannel) unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subscribers[id]; ok {
		close(sub.updates)
		delete(c.subscribers, id)
	}
}

func (c *LocalChannel) deliver(msg Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	for _, sub := range c.subscribers {
		// Non-blocking send so a slow subscriber never stalls the committer.
		select {
		case sub.updates <- msg:
		default:
		}
	}
}

// Close detaches the endpoint from the hub and ends every subscription.
func (c *LocalChannel) Close() error {
	c.hub.remove(c.id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, sub := range c.subscribers {
		close(sub.updates)
		delete(c.subscribers, id)
	}
	return nil
}
