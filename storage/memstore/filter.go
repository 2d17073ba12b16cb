package memstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/D9292S/New-Quantum-Bank/errors"
	"github.com/D9292S/New-Quantum-Bank/storage"
)

// Matches reports whether doc satisfies filter. It evaluates the filter
// literally, clause by clause, which makes it the reference against which
// rewritten filters are checked for equivalence.
func Matches(doc storage.Document, filter storage.Filter) (bool, error) {
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			ok, err := matchLogical(doc, key, cond)
			if err != nil || !ok {
				return false, err
			}
			continue
		}
		ok, err := matchField(doc[key], cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchLogical(doc storage.Document, op string, cond any) (bool, error) {
	clauses, err := filterList(op, cond)
	if err != nil {
		return false, err
	}
	switch op {
	case "$or":
		for _, clause := range clauses {
			ok, err := Matches(doc, clause)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "$and":
		for _, clause := range clauses {
			ok, err := Matches(doc, clause)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "$nor":
		for _, clause := range clauses {
			ok, err := Matches(doc, clause)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, invalidFilter("unsupported logical operator %q", op)
	}
}

func filterList(op string, cond any) ([]storage.Filter, error) {
	switch v := cond.(type) {
	case []storage.Filter:
		return v, nil
	case []any:
		out := make([]storage.Filter, 0, len(v))
		for _, item := range v {
			f, ok := item.(map[string]any)
			if !ok {
				return nil, invalidFilter("%s clause must be a filter, got %T", op, item)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, invalidFilter("%s requires a list of filters, got %T", op, cond)
	}
}

func matchField(value any, cond any) (bool, error) {
	ops, ok := operatorMap(cond)
	if !ok {
		return valuesEqual(value, cond), nil
	}
	for op, arg := range ops {
		ok, err := matchOperator(value, op, arg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// operatorMap reports whether cond is an operator document like
// {"$gt": 5}. A plain map value without $-keys is an equality match.
func operatorMap(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchOperator(value any, op string, arg any) (bool, error) {
	switch op {
	case "$eq":
		return valuesEqual(value, arg), nil
	case "$ne":
		return !valuesEqual(value, arg), nil
	case "$in":
		list, err := valueList(op, arg)
		if err != nil {
			return false, err
		}
		for _, candidate := range list {
			if valuesEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		list, err := valueList(op, arg)
		if err != nil {
			return false, err
		}
		for _, candidate := range list {
			if valuesEqual(value, candidate) {
				return false, nil
			}
		}
		return true, nil
	case "$gt", "$gte", "$lt", "$lte":
		cmp, ok := compareValues(value, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, invalidFilter("$exists requires a bool, got %T", arg)
		}
		return (value != nil) == want, nil
	default:
		return false, invalidFilter("unsupported operator %q", op)
	}
}

func valueList(op string, arg any) ([]any, error) {
	list, ok := arg.([]any)
	if !ok {
		return nil, invalidFilter("%s requires a list, got %T", op, arg)
	}
	return list, nil
}

// valuesEqual compares with numeric normalization so 5 matches 5.0, the way
// a document store compares across int and double.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values. ok is false when they are not comparable,
// in which case the operator does not match.
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// applyUpdate mutates doc in place and reports whether anything changed.
func applyUpdate(doc storage.Document, update storage.Update) (bool, error) {
	if len(update) == 0 {
		return false, invalidFilter("empty update document")
	}
	changed := false
	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return changed, invalidFilter("%s requires a field document, got %T", op, arg)
		}
		switch op {
		case "$set":
			for field, value := range fields {
				if !valuesEqual(doc[field], value) {
					doc[field] = value
					changed = true
				}
			}
		case "$inc":
			for field, value := range fields {
				delta, ok := asFloat(value)
				if !ok {
					return changed, invalidFilter("$inc requires a numeric value for %q, got %T", field, value)
				}
				current, _ := asFloat(doc[field])
				if delta != 0 {
					doc[field] = current + delta
					changed = true
				}
			}
		case "$unset":
			for field := range fields {
				if _, present := doc[field]; present {
					delete(doc, field)
					changed = true
				}
			}
		default:
			return changed, invalidFilter("unsupported update operator %q", op)
		}
	}
	return changed, nil
}

func invalidFilter(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrInvalidData, "memstore", "evaluate",
		fmt.Sprintf(format, args...))
}
