package store

import (
	"fmt"
	"sort"
)

// matchCriteria reports whether doc satisfies criteria. Each key is either
// a direct equality test, or a nested map of operators: "$gt", "$gte",
// "$lt", "$lte", "$ne", "$in".
func matchCriteria(doc Document, criteria Criteria) bool {
	for field, want := range criteria {
		got, present := doc[field]
		// Criteria is a type alias for map[string]any, so there is only
		// one map case to match here, not two.
		switch w := want.(type) {
		case map[string]any:
			if !matchOperators(got, present, w) {
				return false
			}
		default:
			if !present || !valuesEqual(got, want) {
				return false
			}
		}
	}
	return true
}

func matchOperators(got any, present bool, ops map[string]any) bool {
	for op, v := range ops {
		switch op {
		case "$gt":
			if !present || compare(got, v) <= 0 {
				return false
			}
		case "$gte":
			if !present || compare(got, v) < 0 {
				return false
			}
		case "$lt":
			if !present || compare(got, v) >= 0 {
				return false
			}
		case "$lte":
			if !present || compare(got, v) > 0 {
				return false
			}
		case "$ne":
			if present && valuesEqual(got, v) {
				return false
			}
		case "$in":
			if !present || !containsValue(v, got) {
				return false
			}
		default:
			// Unknown operator: treat as non-match rather than panic, so
			// a typo in a serialized query fails closed.
			return false
		}
	}
	return true
}

func containsValue(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// fmtSprint is the shared scalar-to-string coercion used for composite
// keys and group-by tuple identity.
func fmtSprint(v any) string {
	return fmt.Sprint(v)
}

// compare provides a best-effort ordering over the JSON-ish scalar types
// (numbers, strings, times) that documents carry. Two numbers compare
// numerically; any other pair is ordered by the fmt.Sprint string forms.
func compare(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
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

// sortDocuments sorts docs in place according to spec, stably.
func sortDocuments(docs []Document, spec []Sort) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range spec {
			c := compare(docs[i][s.Field], docs[j][s.Field])
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// projectDocument returns a copy of doc restricted to fields, always
// including key and lastUpdated.
func projectDocument(doc Document, fields []string, key, lastUpdated string) Document {
	if len(fields) == 0 {
		return doc
	}
	want := make(map[string]bool, len(fields)+2)
	for _, f := range fields {
		want[f] = true
	}
	want[key] = true
	want[lastUpdated] = true

	out := make(Document, len(want))
	for f := range want {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
