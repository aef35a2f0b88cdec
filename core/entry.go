package core

// EntryType defines the type of a pending mutation held for the next flush.
type EntryType byte

const (
	// EntryTypePut represents a value write.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone for a single key.
	EntryTypeDelete EntryType = 'D'
)

// PendingEntry is one not-yet-durable mutation in a pending buffer.
// Value is empty for tombstones.
type PendingEntry struct {
	Type  EntryType
	Value string
}

// PendingBuffer maps keys to their latest not-yet-flushed mutation.
// Later writes to the same key overwrite earlier ones, so a flush commits
// at most one mutation per key.
type PendingBuffer map[string]PendingEntry

// Clone returns a shallow copy of the buffer.
func (pb PendingBuffer) Clone() PendingBuffer {
	out := make(PendingBuffer, len(pb))
	for k, v := range pb {
		out[k] = v
	}
	return out
}
