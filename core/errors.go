package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCodec indicates a value could not be serialized or deserialized.
	ErrCodec = errors.New("codec error")
	// ErrSchemaRequired is returned when strict mode is active and the caller
	// supplied no explicit schema version.
	ErrSchemaRequired = errors.New("schema version required in strict mode")
	// ErrTypeMismatch indicates a value violated its schema definition.
	ErrTypeMismatch = errors.New("value does not match schema")
	// ErrNormalizerInvalid indicates a write-time normalizer produced output
	// that fails validation against the same schema.
	ErrNormalizerInvalid = errors.New("normalizer produced invalid value")
	// ErrDuplicateSchema indicates a (key, version) pair was registered twice.
	ErrDuplicateSchema = errors.New("schema already registered")
	// ErrMigrationUnreachable indicates no chain of migration rules connects
	// two versions. The resolver reports this as a value; only the migration
	// executor wraps it as an error.
	ErrMigrationUnreachable = errors.New("no migration path between versions")
	// ErrRevisionConflict is returned inside a flush transaction when the
	// durable revision advanced past the locally observed one. It aborts the
	// transaction and is absorbed by the resync path, never returned to a
	// write caller.
	ErrRevisionConflict = errors.New("durable revision conflict")
	// ErrNotFound indicates a key is absent from a durable store.
	ErrNotFound = errors.New("key not found")
	// ErrStoreClosed indicates an operation on a closed durable store.
	ErrStoreClosed = errors.New("durable store is closed")
)

// SchemaErrorKind enumerates the failure classes a preflight check can report.
type SchemaErrorKind int

const (
	// SchemaRequired: strict mode with no explicit version.
	SchemaRequired SchemaErrorKind = iota
	// TypeMismatch: the candidate value violates the schema definition.
	TypeMismatch
	// NormalizerInvalid: the normalizer output violates the schema definition.
	NormalizerInvalid
)

// Violation is one schema rule the candidate value broke.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// SchemaError is the error type for preflight failures. For TypeMismatch and
// NormalizerInvalid it carries every violation found, not just the first.
type SchemaError struct {
	Kind       SchemaErrorKind
	Key        string
	Version    uint64
	Violations []Violation
	Err        error
}

func (e *SchemaError) Error() string {
	switch e.Kind {
	case SchemaRequired:
		return fmt.Sprintf("write to %q rejected: %v", e.Key, ErrSchemaRequired)
	case NormalizerInvalid:
		return fmt.Sprintf("normalizer for %q v%d produced invalid value: %s", e.Key, e.Version, e.joinViolations())
	default:
		return fmt.Sprintf("value for %q does not match schema v%d: %s", e.Key, e.Version, e.joinViolations())
	}
}

func (e *SchemaError) joinViolations() string {
	if len(e.Violations) == 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "unknown violation"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "; ")
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Is maps each kind onto its sentinel so callers can use errors.Is without
// digging into the struct.
func (e *SchemaError) Is(target error) bool {
	switch e.Kind {
	case SchemaRequired:
		return target == ErrSchemaRequired
	case TypeMismatch:
		return target == ErrTypeMismatch
	case NormalizerInvalid:
		return target == ErrNormalizerInvalid
	}
	return false
}

// DuplicateSchemaError reports a rejected re-registration of (key, version).
type DuplicateSchemaError struct {
	Key     string
	Version uint64
}

func (e *DuplicateSchemaError) Error() string {
	return fmt.Sprintf("schema for %q v%d already registered", e.Key, e.Version)
}

func (e *DuplicateSchemaError) Is(target error) bool {
	return target == ErrDuplicateSchema
}

// UnreachableError reports that no migration chain connects From to To for Key.
type UnreachableError struct {
	Key  string
	From uint64
	To   uint64
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("no migration path for %q from v%d to v%d", e.Key, e.From, e.To)
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrMigrationUnreachable
}

// CodecError wraps a serialization failure.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s failed: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}

// IsSchemaError checks if an error is a SchemaError.
func IsSchemaError(err error) bool {
	var schemaErr *SchemaError
	return errors.As(err, &schemaErr)
}

// IsCodecError checks if an error is a CodecError.
func IsCodecError(err error) bool {
	var codecErr *CodecError
	return errors.As(err, &codecErr)
}
