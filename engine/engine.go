package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexussync/channel"
	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
	"github.com/INLOpen/nexussync/events"
	"github.com/INLOpen/nexussync/internal/clock"
	"github.com/INLOpen/nexussync/schema"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEngineClosed         = errors.New("engine is closed or not started")
	ErrEngineAlreadyStarted = errors.New("engine is already started")
	ErrReservedKey          = errors.New("key is reserved for internal use")
	ErrNilStore             = errors.New("engine requires a durable store")
)

// defaultFlushDelay is the coalescing window between the first write of a
// burst and the durable transaction that commits it.
const defaultFlushDelay = 5 * time.Millisecond

// SyncEngineOptions configures a SyncEngine.
type SyncEngineOptions struct {
	// Store is the durable backend. Required.
	Store durable.Store
	// Channel carries revision announcements between contexts. Optional;
	// without one the engine still flushes but never hears other writers.
	Channel channel.Channel
	// Registry supplies schemas for write preflight. Optional.
	Registry *schema.Registry
	// SchemaMode governs whether writes may omit an explicit schema version.
	SchemaMode schema.Mode
	// Codec serializes typed values. Defaults to core.JSONCodec.
	Codec core.Codec
	// FlushDelay is the write-coalescing window. Defaults to 5ms.
	FlushDelay time.Duration
	// FlushInterval enables a periodic flush of any pending writes.
	// Disabled when zero.
	FlushInterval time.Duration
	Metrics        *EngineMetrics
	Events         events.EventManager
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clock.Clock
}

// SyncEngine owns one context's mirror of the durable store. Reads are
// answered from memory; writes land in the mirror immediately and reach the
// store through a coalesced compare-and-swap flush on a background goroutine.
type SyncEngine struct {
	opts       SyncEngineOptions
	instanceID string

	// mu guards mirror pointer, pending buffer and revision as one unit.
	mu       sync.RWMutex
	mirror   *Mirror
	pending  core.PendingBuffer
	revision uint64

	state     atomic.Int32 // FlushState
	isStarted atomic.Bool
	isClosing atomic.Bool

	store    durable.Store
	channel  channel.Channel
	registry *schema.Registry
	mode     schema.Mode
	codec    core.Codec

	flushChan      chan struct{}
	forceFlushChan chan chan error
	resyncChan     chan ChangeCause
	shutdownChan   chan struct{}
	wg             sync.WaitGroup

	unsubscribeChannel func()

	pubsub  *PubSub
	events  events.EventManager
	metrics *EngineMetrics
	logger  *slog.Logger

	tracer trace.Tracer
	clock  clock.Clock

	engineStartTime time.Time
}

// NewSyncEngine creates an engine. Call Start before use.
func NewSyncEngine(opts SyncEngineOptions) (*SyncEngine, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}

	instanceID := uuid.NewString()
	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	} else {
		logger = opts.Logger
	}
	logger = logger.With("component", "SyncEngine", "instance", instanceID[:8])

	var clk clock.Clock
	if opts.Clock == nil {
		clk = clock.SystemClockDefault
	} else {
		clk = opts.Clock
	}

	if opts.FlushDelay == 0 {
		opts.FlushDelay = defaultFlushDelay
	}
	if opts.Codec == nil {
		opts.Codec = core.JSONCodec{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewEngineMetrics(false, "")
	}
	if opts.Events == nil {
		opts.Events = events.NewEventManager(logger.With("component", "EventManager"))
	}

	e := &SyncEngine{
		opts:            opts,
		instanceID:      instanceID,
		mirror:          NewMirror(),
		pending:         make(core.PendingBuffer),
		store:           opts.Store,
		channel:         opts.Channel,
		registry:        opts.Registry,
		mode:            opts.SchemaMode,
		codec:           opts.Codec,
		flushChan:       make(chan struct{}, 1),
		forceFlushChan:  make(chan chan error),
		resyncChan:      make(chan ChangeCause, 1),
		shutdownChan:    make(chan struct{}),
		pubsub:          NewPubSub(),
		events:          opts.Events,
		metrics:         opts.Metrics,
		logger:          logger,
		clock:           clk,
		engineStartTime: clk.Now(),
	}

	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexussync/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	return e, nil
}

// Start loads the mirror from the store, subscribes to the channel and
// launches the flush goroutine.
func (e *SyncEngine) Start() error {
	if err := e.events.Trigger(context.Background(), events.NewPreStartEngineEvent()); err != nil {
		return fmt.Errorf("engine start cancelled by pre-listener: %w", err)
	}

	if !e.isStarted.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}
	e.isClosing.Store(false)

	if err := e.loadInitialState(); err != nil {
		e.isStarted.Store(false)
		e.logger.Error("Failed to load initial state from durable store.", "error", err)
		return fmt.Errorf("load initial state: %w", err)
	}

	e.initializeMetrics()

	if e.channel != nil {
		e.unsubscribeChannel = e.channel.Subscribe(e.onBroadcast)
	}
	e.startFlushLoop()

	e.logger.Info("SyncEngine started.", "revision", e.Revision(), "keys", e.Len())
	e.events.Trigger(context.Background(), events.NewPostStartEngineEvent())
	return nil
}

// loadInitialState reads every entry and the revision counter in one
// transaction. A store without a revision yet gets 0 written back so
// concurrent first writers race on the same CAS baseline.
func (e *SyncEngine) loadInitialState() error {
	fresh := NewMirror()
	var rev uint64

	err := e.store.Update(context.Background(), func(tx durable.Tx) error {
		_, found, err := tx.Get(durable.RevisionKey)
		if err != nil {
			return err
		}
		if !found {
			if err := durable.WriteRevision(tx, 0); err != nil {
				return err
			}
		}

		rev, err = durable.ReadRevision(tx)
		if err != nil {
			return err
		}

		return tx.ForEach(func(key, value string) error {
			if key == durable.RevisionKey {
				return nil
			}
			fresh.Put(key, value)
			return nil
		})
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.mirror = fresh
	e.revision = rev
	e.mu.Unlock()
	return nil
}

func (e *SyncEngine) initializeMetrics() {
	m := e.metrics
	m.pendingEntriesFunc = func() interface{} { return e.PendingLen() }
	m.mirrorKeysFunc = func() interface{} { return e.Len() }
	m.revisionFunc = func() interface{} { return int64(e.Revision()) }
	m.stateFunc = func() interface{} { return e.State().String() }
	m.uptimeSecondsFunc = func() interface{} { return e.clock.Now().Sub(e.engineStartTime).Seconds() }

	if m.PublishedGlobally {
		publishExpvarFunc(m.prefix+"pending_entries", m.pendingEntriesFunc)
		publishExpvarFunc(m.prefix+"mirror_keys", m.mirrorKeysFunc)
		publishExpvarFunc(m.prefix+"revision", m.revisionFunc)
		publishExpvarFunc(m.prefix+"flush_state", m.stateFunc)
		publishExpvarFunc(m.prefix+"uptime_seconds", m.uptimeSecondsFunc)
	}
}

// onBroadcast handles a revision announcement from another context.
func (e *SyncEngine) onBroadcast(msg channel.Message) {
	e.metrics.BroadcastsReceivedTotal.Add(1)

	e.mu.RLock()
	local := e.revision
	e.mu.RUnlock()

	if msg.Rev <= local {
		// Stale, duplicate, or our own announcement looping back. The mirror
		// is already at or past this revision.
		e.metrics.BroadcastsIgnoredTotal.Add(1)
		return
	}
	e.requestResync(CauseBroadcast)
}

// requestResync queues a resync for the flush goroutine.
func (e *SyncEngine) requestResync(cause ChangeCause) {
	select {
	case e.resyncChan <- cause:
	default:
		// A resync is already queued; it will observe the latest durable state.
	}
}

// CheckStarted returns ErrEngineClosed when the engine is not running.
func (e *SyncEngine) CheckStarted() error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	return nil
}

// InstanceID identifies this engine instance, mainly in logs.
func (e *SyncEngine) InstanceID() string {
	return e.instanceID
}

// Revision returns the last durable revision this context has observed.
func (e *SyncEngine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// PendingLen returns the number of keys awaiting durable commit.
func (e *SyncEngine) PendingLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// State returns the current flush state.
func (e *SyncEngine) State() FlushState {
	return FlushState(e.state.Load())
}

// Subscribe registers for revision change events.
func (e *SyncEngine) Subscribe(filter SubscriptionFilter) *Subscription {
	return e.pubsub.Subscribe(filter)
}

// Metrics returns the engine's metrics set.
func (e *SyncEngine) Metrics() *EngineMetrics {
	return e.metrics
}

func (e *SyncEngine) currentMirror() *Mirror {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mirror
}

// Close stops background work, attempts one final flush of any pending
// writes and tears down subscriptions. The durable store itself is owned by
// the caller and stays open.
func (e *SyncEngine) Close() error {
	if err := e.events.Trigger(context.Background(), events.NewPreCloseEngineEvent()); err != nil {
		e.logger.Warn("Pre-close listener returned an error; closing anyway.", "error", err)
	}

	if !e.isStarted.CompareAndSwap(true, false) {
		return ErrEngineClosed
	}
	e.isClosing.Store(true)

	if e.unsubscribeChannel != nil {
		e.unsubscribeChannel()
		e.unsubscribeChannel = nil
	}

	close(e.shutdownChan)
	e.wg.Wait()

	// Best effort: writes still buffered should not die with the process.
	// A conflict here is absorbed like any other; the next context to start
	// sees whatever the store holds.
	if e.PendingLen() > 0 {
		if err := e.flushOnce(context.Background()); err != nil {
			e.logger.Warn("Final flush on close did not commit.", "error", err, "pending", e.PendingLen())
		}
	}

	e.pubsub.CloseAll()
	e.events.Trigger(context.Background(), events.NewPostCloseEngineEvent())
	e.events.Stop()

	e.logger.Info("SyncEngine closed.", "revision", e.Revision())
	return nil
}
