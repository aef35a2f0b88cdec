package engine

import (
	"context"
)

// StorageAPI wraps a SyncEngine in the familiar web-storage surface:
// getItem/setItem/removeItem plus indexed key access and an external-change
// subscription. All calls are synchronous; only the change callback fires
// asynchronously, after a resync has already replaced the mirror.
type StorageAPI struct {
	engine *SyncEngine
}

// NewStorageAPI wraps an engine. The engine must be started by the caller.
func NewStorageAPI(engine *SyncEngine) *StorageAPI {
	return &StorageAPI{engine: engine}
}

// GetItem returns the value for key, or false when absent.
func (s *StorageAPI) GetItem(key string) (string, bool) {
	return s.engine.Get(key)
}

// SetItem stores value under key. Preflight validation errors surface here;
// durable I/O never does.
func (s *StorageAPI) SetItem(ctx context.Context, key, value string) error {
	return s.engine.Put(ctx, key, value)
}

// RemoveItem deletes key.
func (s *StorageAPI) RemoveItem(ctx context.Context, key string) error {
	return s.engine.Delete(ctx, key)
}

// Length returns the number of stored keys.
func (s *StorageAPI) Length() int {
	return s.engine.Len()
}

// Key returns the index-th key in sorted order, or false when out of range.
func (s *StorageAPI) Key(index int) (string, bool) {
	return s.engine.KeyAt(index)
}

// OnExternalChange registers a callback for changes committed by other
// contexts. Locally caused revisions never fire it, matching the browser
// storage-event contract. The returned function unsubscribes.
func (s *StorageAPI) OnExternalChange(fn func(ChangeEvent)) func() {
	sub := s.engine.Subscribe(SubscriptionFilter{ExternalOnly: true})
	go func() {
		for ev := range sub.Updates {
			fn(ev)
		}
	}()
	return sub.Close
}
