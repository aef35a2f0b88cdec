// Package memstore provides an in-memory durable.Store. It backs tests and
// single-process setups, and doubles as the shared fake two engines race
// against in the CAS tests: commit counts and injected failures are
// observable.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/durable"
)

// ErrTxNotWritable is returned when a View transaction attempts a mutation.
var ErrTxNotWritable = errors.New("memstore: transaction is read-only")

// Store is an in-memory durable.Store with transactional Update semantics.
type Store struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool

	updateCalls int
	commits     int

	failNext int
	failErr  error
}

var _ durable.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// View runs fn with a read-only snapshot transaction.
func (s *Store) View(ctx context.Context, fn func(tx durable.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	return fn(&memTx{store: s, writable: false})
}

// Update runs fn with a writable transaction. Mutations are buffered and
// applied only when fn returns nil; any error rolls the buffer away and is
// returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(tx durable.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	s.updateCalls++
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	tx := &memTx{
		store:    s,
		writable: true,
		writes:   make(map[string]string),
		deletes:  make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	s.commits++
	return nil
}

// Close marks the store closed. Further transactions fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailNextUpdates makes the next n Update calls fail with err before running
// their callback, simulating durable I/O failure.
func (s *Store) FailNextUpdates(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// UpdateCalls reports how many Update transactions were attempted.
func (s *Store) UpdateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCalls
}

// Commits reports how many Update transactions were applied.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

type memTx struct {
	store    *Store
	writable bool
	writes   map[string]string
	deletes  map[string]struct{}
}

func (tx *memTx) Get(key string) (string, bool, error) {
	if tx.writable {
		if _, gone := tx.deletes[key]; gone {
			return "", false, nil
		}
		if v, ok := tx.writes[key]; ok {
			return v, true, nil
		}
	}
	v, ok := tx.store.data[key]
	return v, ok, nil
}

func (tx *memTx) Put(key, value string) error {
	if !tx.writable {
		return ErrTxNotWritable
	}
	delete(tx.deletes, key)
	tx.writes[key] = value
	return nil
}

func (tx *memTx) Delete(key string) error {
	if !tx.writable {
		return ErrTxNotWritable
	}
	delete(tx.writes, key)
	tx.deletes[key] = struct{}{}
	return nil
}

// ForEach visits the merged view in sorted key order so enumeration is
// deterministic across runs.
func (tx *memTx) ForEach(fn func(key, value string) error) error {
	keys := make([]string, 0, len(tx.store.data)+len(tx.writes))
	seen := make(map[string]struct{}, len(tx.store.data)+len(tx.writes))
	for k := range tx.store.data {
		if tx.writable {
			if _, gone := tx.deletes[k]; gone {
				continue
			}
		}
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range tx.writes {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _, err := tx.Get(k)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
