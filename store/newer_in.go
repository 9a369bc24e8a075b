package store

import "context"

// newerIn implements Store.NewerIn in terms of the rest of the Store
// interface, so every adapter gets the same semantics for free: the
// max-timestamp shortcut when exhaustive is false, a per-key comparison
// when true. A document with no parseable last-updated value is treated as
// older than every timestamped document, per spec.md's invariant that
// "every document either has a last-updated timestamp or is treated as
// older than any timestamped document" (this resolves the open question
// on NewerIn with a missing last-updated field the only way consistent
// with that invariant).
func newerIn(ctx context.Context, self, other Store, criteria Criteria, exhaustive bool) ([]any, error) {
	if !exhaustive {
		otherLast, err := other.LastUpdated(ctx)
		if err != nil {
			return nil, err
		}
		merged := mergeCriteria(criteria, Criteria{self.LastUpdatedField(): Criteria{"$gt": otherLast}})
		docs, errCh := self.Query(ctx, merged, []string{self.KeyField()}, nil, 0, 0)
		var keys []any
		for d := range docs {
			keys = append(keys, d[self.KeyField()])
		}
		if err := drainErr(errCh); err != nil {
			return nil, err
		}
		return keys, nil
	}

	selfDocs, errCh := self.Query(ctx, criteria, nil, nil, 0, 0)
	var keys []any
	for d := range selfDocs {
		k := d[self.KeyField()]
		selfTime, ok := AsTime(d[self.LastUpdatedField()])
		if !ok {
			// No timestamp on the self side: never "newer".
			continue
		}
		otherDoc, found, err := other.QueryOne(ctx, Criteria{other.KeyField(): k}, nil)
		if err != nil {
			return nil, err
		}
		if !found {
			keys = append(keys, k)
			continue
		}
		otherTime, ok := AsTime(otherDoc[other.LastUpdatedField()])
		if !ok || selfTime.After(otherTime) {
			keys = append(keys, k)
		}
	}
	if err := drainErr(errCh); err != nil {
		return nil, err
	}
	return keys, nil
}

func mergeCriteria(a, b Criteria) Criteria {
	out := make(Criteria, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
