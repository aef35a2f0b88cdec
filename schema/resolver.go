package schema

import (
	"fmt"

	"github.com/INLOpen/nexussync/core"
)

// MigrationPath resolves the ordered chain of upgrade rules moving key from
// one version to another. Starting at the from-version it repeatedly takes
// the first-registered rule whose FromVersion equals the cursor and whose
// ToVersion is strictly greater, until the cursor reaches or passes the
// target. Unreachable is a result, not an error: ok is false and callers
// decide whether that is fatal. A from-version at or past the target yields
// an empty chain.
func (r *Registry) MigrationPath(key string, from, to uint64) ([]*MigrationRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var steps []*MigrationRule
	cursor := from
	fromSet := r.upgradeFrom[key]
	for cursor < to {
		if fromSet == nil || !fromSet.Contains(cursor) {
			return nil, false
		}
		var next *MigrationRule
		for _, rule := range r.rules[key] {
			if rule.FromVersion == cursor && rule.ToVersion > cursor {
				next = rule
				break
			}
		}
		if next == nil {
			return nil, false
		}
		steps = append(steps, next)
		cursor = next.ToVersion
	}
	return steps, true
}

// Migrate resolves the path and applies each step's transform in order,
// returning UnreachableError when no chain connects the versions.
func (r *Registry) Migrate(key, raw string, from, to uint64) (string, error) {
	steps, ok := r.MigrationPath(key, from, to)
	if !ok {
		return "", &core.UnreachableError{Key: key, From: from, To: to}
	}
	out := raw
	for _, step := range steps {
		next, err := step.Transform.Apply(out)
		if err != nil {
			return "", fmt.Errorf("migrate %q v%d to v%d: %w", key, step.FromVersion, step.ToVersion, err)
		}
		out = next
	}
	return out, nil
}
