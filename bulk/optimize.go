package bulk

import (
	"strings"

	"github.com/D9292S/New-Quantum-Bank/storage"
)

// OptimizeQuery rewrites a top-level $or of single-field equality clauses
// into $in membership tests, which document stores answer with one index
// scan instead of one per arm.
//
// Only the exact shape {"$or": [{"f": v1}, {"f": v2}, ...]} is recognized:
// each arm must be a one-key document whose value is a scalar, not an
// operator document. Arms outside that shape pass through untouched, and
// equality arms on distinct fields are grouped per field. The rewrite is
// otherwise a no-op, and the returned filter always matches the same
// document set as the input.
func OptimizeQuery(filter storage.Filter) storage.Filter {
	if filter == nil {
		return nil
	}
	rawOr, ok := filter["$or"]
	if !ok {
		return filter
	}
	arms, ok := orArms(rawOr)
	if !ok {
		return filter
	}

	// Group equality arms per field, preserving first-seen field order.
	type group struct {
		field  string
		values []any
	}
	var groups []*group
	byField := make(map[string]*group)
	var passthrough []storage.Filter
	for _, arm := range arms {
		field, value, ok := equalityArm(arm)
		if !ok {
			passthrough = append(passthrough, arm)
			continue
		}
		g, seen := byField[field]
		if !seen {
			g = &group{field: field}
			byField[field] = g
			groups = append(groups, g)
		}
		if !containsValue(g.values, value) {
			g.values = append(g.values, value)
		}
	}

	rewritten := make([]storage.Filter, 0, len(groups)+len(passthrough))
	collapsed := false
	for _, g := range groups {
		if len(g.values) < 2 {
			rewritten = append(rewritten, storage.Filter{g.field: g.values[0]})
			continue
		}
		rewritten = append(rewritten, storage.Filter{
			g.field: map[string]any{"$in": g.values},
		})
		collapsed = true
	}
	rewritten = append(rewritten, passthrough...)
	if !collapsed {
		return filter
	}

	out := make(storage.Filter, len(filter))
	for k, v := range filter {
		if k != "$or" {
			out[k] = v
		}
	}
	if len(rewritten) == 1 {
		// A single surviving clause can be lifted out of the $or, unless
		// its field already appears at the top level.
		for field, cond := range rewritten[0] {
			if _, exists := out[field]; exists {
				out["$or"] = []storage.Filter{rewritten[0]}
				return out
			}
			out[field] = cond
		}
		return out
	}
	out["$or"] = rewritten
	return out
}

func orArms(raw any) ([]storage.Filter, bool) {
	switch v := raw.(type) {
	case []storage.Filter:
		return v, true
	case []any:
		out := make([]storage.Filter, 0, len(v))
		for _, item := range v {
			arm, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, arm)
		}
		return out, true
	default:
		return nil, false
	}
}

// equalityArm reports whether arm is a one-key scalar equality clause.
func equalityArm(arm storage.Filter) (string, any, bool) {
	if len(arm) != 1 {
		return "", nil, false
	}
	for field, value := range arm {
		if strings.HasPrefix(field, "$") {
			return "", nil, false
		}
		switch value.(type) {
		case map[string]any, []any, nil:
			return "", nil, false
		}
		return field, value, true
	}
	return "", nil, false
}

func containsValue(values []any, candidate any) bool {
	for _, v := range values {
		if v == candidate {
			return true
		}
	}
	return false
}
