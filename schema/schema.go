// Package schema implements the versioned structural schema registry, the
// migration path resolver, and the write preflight validator. Definitions
// are CUE source fragments compiled once at registration; validation
// enumerates every violation rather than stopping at the first.
package schema

import (
	"strings"

	"cuelang.org/go/cue"
)

// Mode governs whether an explicit schema version is mandatory on writes.
type Mode int

const (
	// ModeDefault validates against the latest registered schema when the
	// caller names no version.
	ModeDefault Mode = iota
	// ModeStrict rejects writes that name no explicit schema version.
	ModeStrict
	// ModeAuto behaves like ModeDefault during preflight; the distinction is
	// reserved for callers that auto-register schemas.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeAuto:
		return "autoschema"
	default:
		return "default"
	}
}

// ParseMode maps a config string onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(s) {
	case "", "default":
		return ModeDefault, true
	case "strict":
		return ModeStrict, true
	case "auto", "autoschema":
		return ModeAuto, true
	default:
		return ModeDefault, false
	}
}

// KeySchema is one immutable structural definition for (Key, Version).
// Definition is CUE source; the compiled form is cached at registration and
// shared by every validation against this schema.
type KeySchema struct {
	Key        string
	Version    uint64
	Definition string

	cctx     *cue.Context
	compiled cue.Value
}

// MigrationRule moves a value between schema versions for one key. A rule
// with FromVersion == ToVersion is a write-time normalizer applied after
// validation without changing the declared version.
type MigrationRule struct {
	Key         string
	FromVersion uint64
	ToVersion   uint64
	Transform   Transform
}

// IsNormalizer reports whether the rule is a write-time normalizer.
func (r *MigrationRule) IsNormalizer() bool {
	return r.FromVersion == r.ToVersion
}
