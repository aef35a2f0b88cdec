package engine

import (
	"context"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/events"

	"go.opentelemetry.io/otel/attribute"
)

// runResync rebuilds the mirror wholesale from the durable store, lays any
// still-pending writes back on top, and notifies listeners. It runs only on
// the flush goroutine. Repeating it with no durable change in between leaves
// mirror and revision untouched, which is what makes unordered and duplicate
// broadcasts safe.
func (e *SyncEngine) runResync(cause ChangeCause) {
	e.state.Store(int32(StateResyncing))

	_, span := e.tracer.Start(context.Background(), "SyncEngine.Resync")
	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		observeLatency(e.metrics.ResyncLatencyHist, duration)
		span.SetAttributes(
			attribute.Float64("duration_seconds", duration),
			attribute.String("cause", string(cause)),
		)
		span.End()
	}()

	fresh := NewMirror()
	var durableRev uint64
	err := e.store.View(context.Background(), func(tx durable.Tx) error {
		rev, rerr := durable.ReadRevision(tx)
		if rerr != nil {
			return rerr
		}
		durableRev = rev
		return tx.ForEach(func(key, value string) error {
			if key == durable.RevisionKey {
				return nil
			}
			fresh.Put(key, value)
			return nil
		})
	})
	if err != nil {
		// The mirror keeps serving its last known state; the next broadcast
		// or flush failure triggers another attempt.
		e.logger.Error("Resync failed; mirror left unchanged.", "cause", cause, "error", err)
		e.settleState()
		return
	}

	e.mu.Lock()
	if durableRev < e.revision {
		e.logger.Warn("Durable revision went backwards; adopting store state anyway.", "local_revision", e.revision, "durable_revision", durableRev)
	}
	// Writes that were never part of an attempted batch ride on top of the
	// reloaded state and stay queued for the next flush.
	for key, entry := range e.pending {
		if entry.Type == core.EntryTypeDelete {
			fresh.Delete(key)
		} else {
			fresh.Put(key, entry.Value)
		}
	}
	e.mirror = fresh
	e.revision = durableRev
	hasPending := len(e.pending) > 0
	e.mu.Unlock()

	e.metrics.ResyncTotal.Add(1)
	duration := e.clock.Now().Sub(startTime)
	e.logger.Info("Resync complete.", "cause", cause, "revision", durableRev, "keys", fresh.Len(), "duration", duration.String())

	e.pubsub.Publish(ChangeEvent{Revision: durableRev, Cause: cause})
	e.events.Trigger(context.Background(), events.NewPostResyncEvent(events.PostResyncPayload{
		Revision: durableRev,
		Cause:    string(cause),
		Duration: duration,
	}))

	if hasPending {
		e.state.Store(int32(StateScheduled))
		select {
		case e.flushChan <- struct{}{}:
		default:
		}
	} else {
		e.state.Store(int32(StateIdle))
	}
}

// settleState returns the state machine to idle or scheduled depending on
// whether writes are waiting.
func (e *SyncEngine) settleState() {
	if e.PendingLen() > 0 {
		e.state.Store(int32(StateScheduled))
	} else {
		e.state.Store(int32(StateIdle))
	}
}
