// Package channel defines the cross-context broadcast used to announce
// committed revisions, plus an in-process hub implementation. The channel is
// allowed to be unordered and lossy: receivers resync idempotently and
// compare revisions, so no delivery guarantee is required beyond best
// effort.
package channel

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is the cross-context payload, one per successful commit.
type Message struct {
	Rev uint64 `json:"rev"`
}

// Encode serializes the message to its wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses the wire form.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ErrChannelClosed is returned when publishing on a closed channel.
var ErrChannelClosed = errors.New("channel is closed")

// ErrRelayURLRequired is returned when a relay channel is created without an
// endpoint.
var ErrRelayURLRequired = errors.New("relay URL is required")

// Channel broadcasts messages to every other context sharing the same store
// identity. Publish must not block on slow receivers; Subscribe callbacks
// run outside the publisher's goroutine.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message)) (unsubscribe func())
	Close() error
}
