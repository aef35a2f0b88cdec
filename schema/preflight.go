package schema

import (
	"github.com/INLOpen/nexussync/core"
)

// Preflight validates and normalizes a candidate serialized value before the
// engine commits it to the mirror.
//
// The target schema resolves as follows: an explicit version wins; without
// one, strict mode fails with schema-required, and the other modes fall back
// to the latest registered schema for the key. When nothing resolves
// (including an explicit version nobody registered) the value passes through
// untouched beyond the codec's own encode check upstream.
//
// On success it returns the value to commit (normalized when a write-time
// normalizer applies) and the schema it was validated against, nil when none
// resolved. Preflight never partially applies anything: the caller commits
// only when err is nil.
func (r *Registry) Preflight(key, raw string, mode Mode, explicit *uint64) (string, *KeySchema, error) {
	var sch *KeySchema
	switch {
	case explicit != nil:
		if s, ok := r.Get(key, *explicit); ok {
			sch = s
		}
	case mode == ModeStrict:
		return "", nil, &core.SchemaError{Kind: core.SchemaRequired, Key: key}
	default:
		if s, ok := r.Latest(key); ok {
			sch = s
		}
	}
	if sch == nil {
		return raw, nil, nil
	}

	viols, err := sch.Validate(raw)
	if err != nil {
		return "", sch, err
	}
	if len(viols) > 0 {
		return "", sch, &core.SchemaError{
			Kind:       core.TypeMismatch,
			Key:        key,
			Version:    sch.Version,
			Violations: viols,
		}
	}

	if norm, ok := r.WriteNormalizer(key, sch.Version); ok {
		normalized, err := norm.Transform.Apply(raw)
		if err != nil {
			return "", sch, &core.SchemaError{
				Kind:    core.NormalizerInvalid,
				Key:     key,
				Version: sch.Version,
				Err:     err,
			}
		}
		nviols, err := sch.Validate(normalized)
		if err != nil {
			return "", sch, &core.SchemaError{
				Kind:    core.NormalizerInvalid,
				Key:     key,
				Version: sch.Version,
				Err:     err,
			}
		}
		if len(nviols) > 0 {
			return "", sch, &core.SchemaError{
				Kind:       core.NormalizerInvalid,
				Key:        key,
				Version:    sch.Version,
				Violations: nviols,
			}
		}
		raw = normalized
	}

	return raw, sch, nil
}
