// Package durable defines the transactional key/value contract the sync
// engine commits against, plus the reserved revision key every adapter
// carries.
package durable

import (
	"context"
	"fmt"
	"strconv"
)

// RevisionKey is the reserved key holding the store's revision counter as a
// decimal string. Adapters store it like any other key; the engine keeps it
// out of the mirror.
const RevisionKey = "!nexussync.rev"

// Store is a transactional key/value store over string keys and values.
// Update is atomic: if fn returns an error every mutation made inside it is
// rolled back and the error is returned unchanged, which is how the CAS
// flush aborts without touching durable state.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the handle passed to View and Update callbacks. Implementations need
// not be safe for use outside the callback.
type Tx interface {
	Get(key string) (value string, found bool, err error)
	Put(key, value string) error
	Delete(key string) error
	ForEach(fn func(key, value string) error) error
}

// ReadRevision reads the revision counter inside a transaction, treating an
// absent key as revision 0.
func ReadRevision(tx Tx) (uint64, error) {
	raw, found, err := tx.Get(RevisionKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	rev, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt revision value %q: %w", raw, err)
	}
	return rev, nil
}

// WriteRevision stores the revision counter inside a transaction.
func WriteRevision(tx Tx, rev uint64) error {
	return tx.Put(RevisionKey, strconv.FormatUint(rev, 10))
}
