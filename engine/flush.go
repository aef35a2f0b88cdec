package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/nexussync/channel"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/events"

	"go.opentelemetry.io/otel/attribute"
)

// FlushState describes where the engine sits in its durability cycle.
type FlushState int32

const (
	// StateIdle means no pending writes and no durable work in flight.
	StateIdle FlushState = iota
	// StateScheduled means writes are buffered and a flush signal is queued.
	StateScheduled
	// StateFlushing means the CAS transaction is executing.
	StateFlushing
	// StateCommitted is the moment after a successful commit, before the
	// engine settles back to idle or picks up the next batch.
	StateCommitted
	// StateConflict means the flush lost the revision race or hit an I/O
	// error; a resync follows.
	StateConflict
	// StateResyncing means the mirror is being rebuilt from the store.
	StateResyncing
)

func (s FlushState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFlushing:
		return "flushing"
	case StateCommitted:
		return "committed"
	case StateConflict:
		return "conflict"
	case StateResyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// scheduleFlush signals the flush goroutine. Non-blocking; a signal already
// queued covers every write that lands before the flush snapshots the
// pending buffer, which is how write bursts coalesce into one transaction.
func (e *SyncEngine) scheduleFlush() {
	e.state.CompareAndSwap(int32(StateIdle), int32(StateScheduled))
	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

// startFlushLoop launches the single goroutine that performs all durable
// I/O: coalesced flushes, forced flushes, and resyncs.
func (e *SyncEngine) startFlushLoop() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var tickerChan <-chan time.Time
		if e.opts.FlushInterval > 0 {
			ticker := time.NewTicker(e.opts.FlushInterval)
			defer ticker.Stop()
			tickerChan = ticker.C
			e.logger.Info("Periodic flush enabled.", "interval", e.opts.FlushInterval)
		}

		for {
			select {
			case <-e.flushChan:
				completion := e.debounce()
				e.runFlushCycle(completion)
			case completion := <-e.forceFlushChan:
				e.runFlushCycle(completion)
			case cause := <-e.resyncChan:
				e.runResync(cause)
			case <-tickerChan:
				if e.PendingLen() > 0 {
					e.runFlushCycle(nil)
				}
			case <-e.shutdownChan:
				e.logger.Info("Flush loop shutting down.")
				return
			}
		}
	}()
}

// debounce holds the flush open for the coalescing window so a burst of
// writes lands in one transaction. The buffered flush signal absorbs every
// schedule attempt made while we wait. A force-flush request cuts the window
// short; its completion channel is handed to the flush that follows.
func (e *SyncEngine) debounce() chan error {
	if e.opts.FlushDelay <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(e.opts.FlushDelay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case completion := <-e.forceFlushChan:
		return completion
	case cause := <-e.resyncChan:
		// A newer durable revision surfaced mid-window. Resync first so the
		// flush that follows starts from the adopted revision instead of
		// walking into a guaranteed conflict.
		e.runResync(cause)
		return nil
	case <-e.shutdownChan:
		return nil
	}
}

// runFlushCycle performs one flush attempt and, on failure, the recovery
// resync. The completion channel, when present, receives the flush error
// after recovery has finished.
func (e *SyncEngine) runFlushCycle(completion chan error) {
	err := e.flushOnce(context.Background())
	if err != nil {
		cause := CauseStoreError
		if errors.Is(err, core.ErrRevisionConflict) {
			cause = CauseConflict
		}
		e.runResync(cause)
	}
	if completion != nil {
		completion <- err
	}
}

// flushOnce snapshots the pending buffer and commits it with a
// compare-and-swap on the revision counter. The batch is never retried: on
// any error the caller resyncs and only writes that arrived after the
// snapshot survive.
func (e *SyncEngine) flushOnce(ctx context.Context) error {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.state.Store(int32(StateIdle))
		e.mu.Unlock()
		return nil
	}
	batch := e.pending
	e.pending = make(core.PendingBuffer)
	localRev := e.revision
	e.mu.Unlock()

	e.state.Store(int32(StateFlushing))

	_, span := e.tracer.Start(ctx, "SyncEngine.Flush")
	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		observeLatency(e.metrics.FlushLatencyHist, duration)
		e.metrics.FlushLatencyDigest.Observe(duration)
		span.SetAttributes(
			attribute.Float64("duration_seconds", duration),
			attribute.Int("batch_entries", len(batch)),
		)
		span.End()
	}()

	if lerr := e.events.Trigger(ctx, events.NewPreFlushEvent(events.PreFlushPayload{Entries: len(batch)})); lerr != nil {
		// A cancelled flush was never attempted, so the batch folds back
		// into the pending buffer rather than being dropped.
		e.logger.Warn("Flush cancelled by pre-listener; batch re-queued.", "error", lerr, "batch_entries", len(batch))
		e.mu.Lock()
		for key, entry := range batch {
			if _, exists := e.pending[key]; !exists {
				e.pending[key] = entry
			}
		}
		e.mu.Unlock()
		e.state.Store(int32(StateScheduled))
		return nil
	}

	var bytesFlushed int
	err := e.store.Update(ctx, func(tx durable.Tx) error {
		durableRev, rerr := durable.ReadRevision(tx)
		if rerr != nil {
			return rerr
		}
		if durableRev != localRev {
			return fmt.Errorf("durable revision moved from %d to %d: %w", localRev, durableRev, core.ErrRevisionConflict)
		}
		for key, entry := range batch {
			if entry.Type == core.EntryTypeDelete {
				if derr := tx.Delete(key); derr != nil {
					return derr
				}
				continue
			}
			if perr := tx.Put(key, entry.Value); perr != nil {
				return perr
			}
			bytesFlushed += len(key) + len(entry.Value)
		}
		return durable.WriteRevision(tx, localRev+1)
	})
	if err != nil {
		e.state.Store(int32(StateConflict))
		if errors.Is(err, core.ErrRevisionConflict) {
			e.metrics.ConflictTotal.Add(1)
			e.logger.Warn("Flush aborted on revision conflict; dropping batch.", "local_revision", localRev, "batch_entries", len(batch))
		} else {
			e.metrics.FlushErrorsTotal.Add(1)
			e.logger.Error("Flush failed on durable store error; dropping batch.", "error", err, "batch_entries", len(batch))
		}
		e.events.Trigger(ctx, events.NewPostFlushEvent(events.PostFlushPayload{Revision: localRev, Entries: len(batch), Error: err}))
		return err
	}

	newRev := localRev + 1
	e.mu.Lock()
	e.revision = newRev
	morePending := len(e.pending) > 0
	e.mu.Unlock()
	e.state.Store(int32(StateCommitted))

	e.metrics.FlushTotal.Add(1)
	e.metrics.FlushEntriesTotal.Add(int64(len(batch)))
	e.metrics.FlushBytesTotal.Add(int64(bytesFlushed))
	e.logger.Debug("Flush committed.", "revision", newRev, "entries", len(batch))

	e.broadcastRevision(ctx, newRev)
	e.pubsub.Publish(ChangeEvent{Revision: newRev, Cause: CauseFlush})
	e.events.Trigger(ctx, events.NewPostFlushEvent(events.PostFlushPayload{Revision: newRev, Entries: len(batch)}))

	e.currentMirror().Compact()

	if morePending {
		e.state.Store(int32(StateScheduled))
	} else {
		e.state.Store(int32(StateIdle))
	}
	return nil
}

// broadcastRevision announces a committed revision to other contexts.
func (e *SyncEngine) broadcastRevision(ctx context.Context, rev uint64) {
	if e.channel == nil {
		return
	}
	if err := e.channel.Publish(ctx, channel.Message{Rev: rev}); err != nil {
		// A lost announcement is not a correctness problem: other contexts
		// converge on their next broadcast or their own flush conflict.
		e.logger.Warn("Failed to broadcast revision.", "revision", rev, "error", err)
		return
	}
	e.metrics.BroadcastsSentTotal.Add(1)
}
