package engine

import (
	"context"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/events"

	"go.opentelemetry.io/otel/attribute"
)

// Get returns the value for key from the mirror. It never touches the
// durable store and never blocks on a flush.
func (e *SyncEngine) Get(key string) (string, bool) {
	startTime := e.clock.Now()
	defer func() {
		observeLatency(e.metrics.GetLatencyHist, e.clock.Now().Sub(startTime).Seconds())
	}()
	e.metrics.GetTotal.Add(1)
	return e.currentMirror().Get(key)
}

// GetInto decodes the stored value for key into dst using the engine codec.
func (e *SyncEngine) GetInto(key string, dst any) error {
	raw, ok := e.Get(key)
	if !ok {
		return core.ErrNotFound
	}
	return e.codec.Decode(raw, dst)
}

// Put stores a serialized value under key. The mirror reflects the write
// immediately; durability follows on the flush goroutine. The returned error
// only ever reports preflight or listener rejection, never store I/O.
func (e *SyncEngine) Put(ctx context.Context, key, value string) error {
	return e.put(ctx, key, value, nil)
}

// PutWithVersion stores a value validated against one explicit schema version.
func (e *SyncEngine) PutWithVersion(ctx context.Context, key, value string, version uint64) error {
	return e.put(ctx, key, value, &version)
}

// PutObject encodes v with the engine codec and stores the result.
func (e *SyncEngine) PutObject(ctx context.Context, key string, v any) error {
	raw, err := e.codec.Encode(v)
	if err != nil {
		return err
	}
	return e.put(ctx, key, raw, nil)
}

func (e *SyncEngine) put(ctx context.Context, key, value string, version *uint64) (err error) {
	_, span := e.tracer.Start(ctx, "SyncEngine.Put")
	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		observeLatency(e.metrics.PutLatencyHist, duration)
		span.SetAttributes(attribute.Float64("duration_seconds", duration))
		span.End()
	}()
	defer func() {
		if err != nil {
			e.metrics.PutErrorsTotal.Add(1)
		}
	}()

	if err = e.CheckStarted(); err != nil {
		return err
	}
	if key == durable.RevisionKey {
		return ErrReservedKey
	}
	span.SetAttributes(attribute.String("key", key))

	if err = e.events.Trigger(ctx, events.NewPreWriteEvent(events.PreWritePayload{Key: &key, Value: &value})); err != nil {
		return err
	}

	if e.registry != nil {
		normalized, _, perr := e.registry.Preflight(key, value, e.mode, version)
		if perr != nil {
			e.metrics.PreflightRejectionsTotal.Add(1)
			err = perr
			return err
		}
		value = normalized
	}

	e.metrics.PutTotal.Add(1)
	e.applyLocal(key, core.PendingEntry{Type: core.EntryTypePut, Value: value})
	e.events.Trigger(ctx, events.NewPostWriteEvent(events.PostWritePayload{Key: key, Value: value}))
	return nil
}

// Delete removes key from the mirror and records a tombstone for the next
// flush. Removing an absent key still records the tombstone, since another
// context may hold the key durably.
func (e *SyncEngine) Delete(ctx context.Context, key string) (err error) {
	_, span := e.tracer.Start(ctx, "SyncEngine.Delete")
	startTime := e.clock.Now()
	defer func() {
		duration := e.clock.Now().Sub(startTime).Seconds()
		observeLatency(e.metrics.DeleteLatencyHist, duration)
		span.SetAttributes(attribute.Float64("duration_seconds", duration))
		span.End()
	}()

	if err = e.CheckStarted(); err != nil {
		return err
	}
	if key == durable.RevisionKey {
		return ErrReservedKey
	}
	span.SetAttributes(attribute.String("key", key))

	if err = e.events.Trigger(ctx, events.NewPreDeleteEvent(events.PreDeletePayload{Key: &key})); err != nil {
		return err
	}

	e.metrics.DeleteTotal.Add(1)
	e.applyLocal(key, core.PendingEntry{Type: core.EntryTypeDelete})
	e.events.Trigger(ctx, events.NewPostDeleteEvent(events.PostDeletePayload{Key: key}))
	return nil
}

// applyLocal mutates the mirror and pending buffer together, then schedules
// a flush.
func (e *SyncEngine) applyLocal(key string, entry core.PendingEntry) {
	e.mu.Lock()
	if entry.Type == core.EntryTypeDelete {
		e.mirror.Delete(key)
	} else {
		e.mirror.Put(key, entry.Value)
	}
	e.pending[key] = entry
	e.mu.Unlock()

	e.scheduleFlush()
}

// Len returns the number of live keys in the mirror.
func (e *SyncEngine) Len() int {
	return e.currentMirror().Len()
}

// Keys returns all live keys in sorted order.
func (e *SyncEngine) Keys() []string {
	return e.currentMirror().Keys()
}

// KeyAt returns the i-th live key in sorted order.
func (e *SyncEngine) KeyAt(i int) (string, bool) {
	return e.currentMirror().Key(i)
}

// Snapshot returns a copy of the mirror's live entries.
func (e *SyncEngine) Snapshot() map[string]string {
	return e.currentMirror().Snapshot()
}

// ForceFlush synchronously commits any pending writes. It returns
// core.ErrRevisionConflict after the losing side of a revision race has
// already resynced, which makes it useful for tests and shutdown paths;
// normal writers should rely on the background flush instead.
func (e *SyncEngine) ForceFlush(ctx context.Context) error {
	if err := e.CheckStarted(); err != nil {
		return err
	}

	completion := make(chan error, 1)
	select {
	case e.forceFlushChan <- completion:
	case <-e.shutdownChan:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-completion:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
