package engine

import (
	"strings"
	"sync"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/skiplist"
)

// mirrorEntry is the value stored per key. Deletes are recorded as tombstone
// entries because the underlying skiplist does not support removal.
type mirrorEntry struct {
	Value string
	Type  core.EntryType
}

// Mirror is the in-memory, sorted view of the store that all reads are
// answered from. It is safe for concurrent use.
type Mirror struct {
	mu       sync.RWMutex
	data     *skiplist.SkipList[string, *mirrorEntry]
	liveKeys int
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		data: skiplist.NewWithComparator[string, *mirrorEntry](strings.Compare),
	}
}

// Put adds or replaces a key.
func (m *Mirror) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &mirrorEntry{Value: value, Type: core.EntryTypePut}
	oldNode := m.data.Insert(key, entry)
	if oldNode == nil || oldNode.Value().Type == core.EntryTypeDelete {
		m.liveKeys++
	}
}

// Delete marks a key as removed. Missing keys are a no-op.
func (m *Mirror) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &mirrorEntry{Type: core.EntryTypeDelete}
	oldNode := m.data.Insert(key, entry)
	if oldNode != nil && oldNode.Value().Type == core.EntryTypePut {
		m.liveKeys--
	}
}

// Get returns the value for key. A tombstone reads as absent.
func (m *Mirror) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.data.Seek(key)
	if !ok || node.Key() != key {
		return "", false
	}
	entry := node.Value()
	if entry.Type == core.EntryTypeDelete {
		return "", false
	}
	return entry.Value, true
}

// Len returns the number of live keys.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveKeys
}

// Key returns the i-th live key in sorted order, mirroring the
// localStorage-style key(index) accessor. The second return is false when
// the index is out of range.
func (m *Mirror) Key(i int) (string, bool) {
	if i < 0 {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos := 0
	var found string
	ok := false
	m.data.Range(func(key string, entry *mirrorEntry) bool {
		if entry.Type == core.EntryTypeDelete {
			return true
		}
		if pos == i {
			found = key
			ok = true
			return false
		}
		pos++
		return true
	})
	return found, ok
}

// Keys returns all live keys in sorted order.
func (m *Mirror) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, m.liveKeys)
	m.data.Range(func(key string, entry *mirrorEntry) bool {
		if entry.Type == core.EntryTypePut {
			keys = append(keys, key)
		}
		return true
	})
	return keys
}

// Range calls fn for every live key in sorted order until fn returns false.
func (m *Mirror) Range(fn func(key, value string) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.data.Range(func(key string, entry *mirrorEntry) bool {
		if entry.Type == core.EntryTypeDelete {
			return true
		}
		return fn(key, entry.Value)
	})
}

// Snapshot returns a copy of all live entries.
func (m *Mirror) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, m.liveKeys)
	m.data.Range(func(key string, entry *mirrorEntry) bool {
		if entry.Type == core.EntryTypePut {
			out[key] = entry.Value
		}
		return true
	})
	return out
}

// tombstones returns the number of delete markers currently held.
func (m *Mirror) tombstones() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len() - m.liveKeys
}

// compactThreshold is the tombstone count past which Compact rebuilds the
// skiplist. Below it a rebuild costs more than the dead nodes do.
const compactThreshold = 1024

// Compact rebuilds the skiplist without tombstones once enough delete
// markers have accumulated. Returns true when a rebuild happened.
func (m *Mirror) Compact() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dead := m.data.Len() - m.liveKeys
	if dead < compactThreshold || dead*2 < m.data.Len() {
		return false
	}

	fresh := skiplist.NewWithComparator[string, *mirrorEntry](strings.Compare)
	m.data.Range(func(key string, entry *mirrorEntry) bool {
		if entry.Type == core.EntryTypePut {
			fresh.Insert(key, entry)
		}
		return true
	})
	m.data = fresh
	return true
}
