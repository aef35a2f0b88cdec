package engine

import (
	"expvar"
	"fmt"
	"sync"

	tdigest "github.com/caio/go-tdigest/v4"
)

// EngineMetrics holds all expvar variables for a SyncEngine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.
	prefix            string

	PutTotal                 *expvar.Int
	PutErrorsTotal           *expvar.Int
	GetTotal                 *expvar.Int
	DeleteTotal              *expvar.Int
	PreflightRejectionsTotal *expvar.Int

	FlushTotal       *expvar.Int
	FlushErrorsTotal *expvar.Int
	ConflictTotal    *expvar.Int
	ResyncTotal      *expvar.Int

	FlushEntriesTotal *expvar.Int
	FlushBytesTotal   *expvar.Int

	BroadcastsSentTotal     *expvar.Int
	BroadcastsReceivedTotal *expvar.Int
	BroadcastsIgnoredTotal  *expvar.Int

	PutLatencyHist    *expvar.Map
	GetLatencyHist    *expvar.Map
	DeleteLatencyHist *expvar.Map
	FlushLatencyHist  *expvar.Map
	ResyncLatencyHist *expvar.Map

	// FlushLatencyDigest tracks flush latency quantiles (p50/p95/p99).
	FlushLatencyDigest *LatencyDigest

	pendingEntriesFunc func() interface{}
	mirrorKeysFunc     func() interface{}
	revisionFunc       func() interface{}
	stateFunc          func() interface{}
	uptimeSecondsFunc  func() interface{}
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:        publishGlobally,
		prefix:                   prefix,
		PutTotal:                 newIntFunc(prefix + "put_total"),
		PutErrorsTotal:           newIntFunc(prefix + "put_errors_total"),
		GetTotal:                 newIntFunc(prefix + "get_total"),
		DeleteTotal:              newIntFunc(prefix + "delete_total"),
		PreflightRejectionsTotal: newIntFunc(prefix + "preflight_rejections_total"),

		FlushTotal:       newIntFunc(prefix + "flush_total"),
		FlushErrorsTotal: newIntFunc(prefix + "flush_errors_total"),
		ConflictTotal:    newIntFunc(prefix + "conflict_total"),
		ResyncTotal:      newIntFunc(prefix + "resync_total"),

		FlushEntriesTotal: newIntFunc(prefix + "flush_entries_total"),
		FlushBytesTotal:   newIntFunc(prefix + "flush_bytes_total"),

		BroadcastsSentTotal:     newIntFunc(prefix + "broadcasts_sent_total"),
		BroadcastsReceivedTotal: newIntFunc(prefix + "broadcasts_received_total"),
		BroadcastsIgnoredTotal:  newIntFunc(prefix + "broadcasts_ignored_total"),

		PutLatencyHist:    newMapFunc(prefix + "put_latency_seconds"),
		GetLatencyHist:    newMapFunc(prefix + "get_latency_seconds"),
		DeleteLatencyHist: newMapFunc(prefix + "delete_latency_seconds"),
		FlushLatencyHist:  newMapFunc(prefix + "flush_latency_seconds"),
		ResyncLatencyHist: newMapFunc(prefix + "resync_latency_seconds"),

		FlushLatencyDigest: NewLatencyDigest(),
	}

	histMaps := []*expvar.Map{
		em.PutLatencyHist, em.GetLatencyHist, em.DeleteLatencyHist,
		em.FlushLatencyHist, em.ResyncLatencyHist,
	}
	for _, m := range histMaps {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}

	if publishGlobally {
		publishExpvarFunc(prefix+"flush_latency_quantiles", em.FlushLatencyDigest.Snapshot)
	}
	return em
}

// LatencyDigest keeps a t-digest of observed latencies so the debug endpoint
// can report quantiles without retaining every sample.
type LatencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

// NewLatencyDigest creates an empty digest.
func NewLatencyDigest() *LatencyDigest {
	td, err := tdigest.New()
	if err != nil {
		// tdigest.New only fails on invalid options; the default has none.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}
	return &LatencyDigest{td: td}
}

// Observe records one latency sample in seconds.
func (d *LatencyDigest) Observe(seconds float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// AddWeighted only rejects non-positive weights.
	_ = d.td.AddWeighted(seconds, 1)
}

// Quantile returns the latency at quantile q in [0, 1].
func (d *LatencyDigest) Quantile(q float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.td.Count() == 0 {
		return 0
	}
	return d.td.Quantile(q)
}

// Count returns the number of observed samples.
func (d *LatencyDigest) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.td.Count()
}

// Snapshot returns p50/p95/p99 for expvar publication.
func (d *LatencyDigest) Snapshot() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.td.Count() == 0 {
		return map[string]float64{"p50": 0, "p95": 0, "p99": 0}
	}
	return map[string]float64{
		"p50": d.td.Quantile(0.50),
		"p95": d.td.Quantile(0.95),
		"p99": d.td.Quantile(0.99),
	}
}
