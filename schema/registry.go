package schema

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexussync/core"
)

// Registry owns the KeySchemas and MigrationRules for one namespace. Its
// lifetime matches the enclosing engine or session; Reset is the only way to
// clear it. All methods are safe for concurrent use.
//
// Rule slices keep registration order so the resolver's first-registered
// tie-break is reproducible instead of incidental to map iteration.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[uint64]*KeySchema
	// versions tracks every registered schema version per key; Latest is a
	// bitmap Maximum instead of a scan.
	versions map[string]*roaring64.Bitmap
	rules    map[string][]*MigrationRule
	// upgradeFrom tracks the from-versions of genuine upgrade rules per key,
	// letting the resolver detect a dead end without walking the rule list.
	upgradeFrom map[string]*roaring64.Bitmap

	cctx   *cue.Context
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return &Registry{
		schemas:     make(map[string]map[uint64]*KeySchema),
		versions:    make(map[string]*roaring64.Bitmap),
		rules:       make(map[string][]*MigrationRule),
		upgradeFrom: make(map[string]*roaring64.Bitmap),
		cctx:        cuecontext.New(),
		logger:      logger.With("component", "SchemaRegistry"),
	}
}

// Register inserts a KeySchema, compiling its definition. A second
// registration for the same (key, version) fails with DuplicateSchema and
// never overwrites the first.
func (r *Registry) Register(ks KeySchema) error {
	if ks.Key == "" {
		return fmt.Errorf("schema key is required")
	}
	compiled := r.cctx.CompileString(ks.Definition)
	if err := compiled.Err(); err != nil {
		return fmt.Errorf("compile schema for %q v%d: %s", ks.Key, ks.Version, flattenCUEError(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bm, ok := r.versions[ks.Key]; ok && bm.Contains(ks.Version) {
		return &core.DuplicateSchemaError{Key: ks.Key, Version: ks.Version}
	}

	ks.cctx = r.cctx
	ks.compiled = compiled
	byVersion, ok := r.schemas[ks.Key]
	if !ok {
		byVersion = make(map[uint64]*KeySchema)
		r.schemas[ks.Key] = byVersion
	}
	byVersion[ks.Version] = &ks

	bm, ok := r.versions[ks.Key]
	if !ok {
		bm = roaring64.New()
		r.versions[ks.Key] = bm
	}
	bm.Add(ks.Version)

	r.logger.Debug("registered schema", "key", ks.Key, "version", ks.Version)
	return nil
}

// Get returns the exact (key, version) schema.
func (r *Registry) Get(key string, version uint64) (*KeySchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.schemas[key]
	if !ok {
		return nil, false
	}
	ks, ok := byVersion[version]
	return ks, ok
}

// Latest returns the schema with the highest registered version for key.
func (r *Registry) Latest(key string) (*KeySchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bm, ok := r.versions[key]
	if !ok || bm.IsEmpty() {
		return nil, false
	}
	ks, ok := r.schemas[key][bm.Maximum()]
	return ks, ok
}

// RegisterMigration appends a rule. Rules are never deduplicated; when
// several share a from-version the earliest registration wins resolution.
func (r *Registry) RegisterMigration(rule MigrationRule) error {
	if rule.Key == "" {
		return fmt.Errorf("migration key is required")
	}
	if rule.Transform == nil {
		return fmt.Errorf("migration for %q needs a transform", rule.Key)
	}
	if rule.FromVersion > rule.ToVersion {
		return fmt.Errorf("migration for %q cannot go backwards (v%d to v%d)", rule.Key, rule.FromVersion, rule.ToVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules[rule.Key] = append(r.rules[rule.Key], &rule)
	if rule.FromVersion < rule.ToVersion {
		bm, ok := r.upgradeFrom[rule.Key]
		if !ok {
			bm = roaring64.New()
			r.upgradeFrom[rule.Key] = bm
		}
		bm.Add(rule.FromVersion)
	}

	r.logger.Debug("registered migration", "key", rule.Key, "from", rule.FromVersion, "to", rule.ToVersion, "normalizer", rule.IsNormalizer())
	return nil
}

// WriteNormalizer returns the first-registered normalizer rule for (key,
// version), if any.
func (r *Registry) WriteNormalizer(key string, version uint64) (*MigrationRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules[key] {
		if rule.IsNormalizer() && rule.FromVersion == version {
			return rule, true
		}
	}
	return nil, false
}

// Rules returns the registered rules for key in registration order.
func (r *Registry) Rules(key string) []*MigrationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MigrationRule, len(r.rules[key]))
	copy(out, r.rules[key])
	return out
}

// Reset clears every schema and rule.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = make(map[string]map[uint64]*KeySchema)
	r.versions = make(map[string]*roaring64.Bitmap)
	r.rules = make(map[string][]*MigrationRule)
	r.upgradeFrom = make(map[string]*roaring64.Bitmap)
	r.logger.Debug("registry reset")
}
