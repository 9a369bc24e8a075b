package store

import (
	"context"
	"fmt"
	"time"
)

// ConcatStore composes N Stores into one logical sequence by concatenating
// their Query results, per the REDESIGN FLAGS guidance that compound
// adapters (join, concat, alias) compose other Stores rather than
// inheriting from a base implementation. All member Stores must share the
// same key/last-updated field names.
type ConcatStore struct {
	name    string
	members []Store
}

// NewConcatStore builds a ConcatStore over members, all assumed to share
// key/last-updated field conventions (the first member's are reported).
func NewConcatStore(name string, members ...Store) *ConcatStore {
	return &ConcatStore{name: name, members: members}
}

func (c *ConcatStore) Connect(ctx context.Context) error {
	for _, m := range c.members {
		if err := m.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConcatStore) Close(ctx context.Context) error {
	var first error
	for _, m := range c.members {
		if err := m.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *ConcatStore) Name() string { return c.name }

func (c *ConcatStore) KeyField() string {
	if len(c.members) == 0 {
		return ""
	}
	return c.members[0].KeyField()
}

func (c *ConcatStore) LastUpdatedField() string {
	if len(c.members) == 0 {
		return ""
	}
	return c.members[0].LastUpdatedField()
}

func (c *ConcatStore) Query(ctx context.Context, criteria Criteria, projection []string, sortSpec []Sort, skip, limit int) (<-chan Document, <-chan error) {
	out := make(chan Document)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		var all []Document
		for _, m := range c.members {
			docs, mErrCh := m.Query(ctx, criteria, projection, nil, 0, 0)
			for d := range docs {
				all = append(all, d)
			}
			if err := drainErr(mErrCh); err != nil {
				errCh <- err
				return
			}
		}
		sortDocuments(all, sortSpec)
		if skip > 0 {
			if skip >= len(all) {
				all = nil
			} else {
				all = all[skip:]
			}
		}
		if limit > 0 && limit < len(all) {
			all = all[:limit]
		}
		for _, d := range all {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- d:
			}
		}
	}()
	return out, errCh
}

func (c *ConcatStore) QueryOne(ctx context.Context, criteria Criteria, projection []string) (Document, bool, error) {
	docs, errCh := c.Query(ctx, criteria, projection, nil, 0, 1)
	for d := range docs {
		return d, true, nil
	}
	return nil, false, drainErr(errCh)
}

func (c *ConcatStore) Count(ctx context.Context, criteria Criteria) (int, error) {
	total := 0
	for _, m := range c.members {
		n, err := m.Count(ctx, criteria)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (c *ConcatStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]any, error) {
	seen := make(map[any]bool)
	var out []any
	for _, m := range c.members {
		vals, err := m.Distinct(ctx, field, criteria)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func (c *ConcatStore) GroupBy(ctx context.Context, fields []string, criteria Criteria) ([]GroupResult, error) {
	groups := make(map[string]*GroupResult)
	var order []string
	for _, m := range c.members {
		res, err := m.GroupBy(ctx, fields, criteria)
		if err != nil {
			return nil, err
		}
		for _, g := range res {
			gk := fmt.Sprint(g.Key)
			existing, ok := groups[gk]
			if !ok {
				cp := g
				groups[gk] = &cp
				order = append(order, gk)
				continue
			}
			existing.Members = append(existing.Members, g.Members...)
		}
	}
	out := make([]GroupResult, 0, len(order))
	for _, gk := range order {
		out = append(out, *groups[gk])
	}
	return out, nil
}

// Update, RemoveDocs, EnsureIndex are not meaningful for a read-side
// concatenation: ConcatStore is intended as a source, not a target. These
// implementations return an error rather than silently writing to the
// first member, which would surprise a caller expecting fan-out semantics.
func (c *ConcatStore) Update(ctx context.Context, docs []Document, keyFields []string) error {
	return fmt.Errorf("concat store %q is read-only", c.name)
}

func (c *ConcatStore) RemoveDocs(ctx context.Context, criteria Criteria) error {
	return fmt.Errorf("concat store %q is read-only", c.name)
}

func (c *ConcatStore) EnsureIndex(ctx context.Context, field string, unique bool) error {
	return fmt.Errorf("concat store %q is read-only", c.name)
}

func (c *ConcatStore) LastUpdated(ctx context.Context) (time.Time, error) {
	max := EpochTimestamp
	for _, m := range c.members {
		t, err := m.LastUpdated(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if t.After(max) {
			max = t
		}
	}
	return max, nil
}

func (c *ConcatStore) NewerIn(ctx context.Context, other Store, criteria Criteria, exhaustive bool) ([]any, error) {
	return newerIn(ctx, c, other, criteria, exhaustive)
}

// JoinStore merges documents from a primary Store with fields from a
// secondary Store, matched by key, without inheriting from either member's
// implementation. Useful when a Builder's incremental-selection criteria
// depend on fields that live in an auxiliary Store.
type JoinStore struct {
	name      string
	primary   Store
	secondary Store
	onField   string // field in secondary holding the primary's key value
}

// NewJoinStore builds a JoinStore over primary and secondary, joined on
// onField (a field of secondary whose value equals the primary document's
// key).
func NewJoinStore(name string, primary, secondary Store, onField string) *JoinStore {
	return &JoinStore{name: name, primary: primary, secondary: secondary, onField: onField}
}

func (j *JoinStore) Connect(ctx context.Context) error {
	if err := j.primary.Connect(ctx); err != nil {
		return err
	}
	return j.secondary.Connect(ctx)
}

func (j *JoinStore) Close(ctx context.Context) error {
	err1 := j.primary.Close(ctx)
	err2 := j.secondary.Close(ctx)
	if err1 != nil {
		return err1
	}
	return err2
}

func (j *JoinStore) Name() string               { return j.name }
func (j *JoinStore) KeyField() string           { return j.primary.KeyField() }
func (j *JoinStore) LastUpdatedField() string   { return j.primary.LastUpdatedField() }

func (j *JoinStore) Query(ctx context.Context, criteria Criteria, projection []string, sortSpec []Sort, skip, limit int) (<-chan Document, <-chan error) {
	out := make(chan Document)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		docs, pErrCh := j.primary.Query(ctx, criteria, nil, sortSpec, skip, limit)
		for d := range docs {
			key := d[j.primary.KeyField()]
			secDoc, found, err := j.secondary.QueryOne(ctx, Criteria{j.onField: key}, nil)
			if err != nil {
				errCh <- err
				return
			}
			merged := cloneDoc(d)
			if found {
				for k, v := range secDoc {
					if k == j.onField {
						continue
					}
					merged[k] = v
				}
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- projectDocument(merged, projection, j.primary.KeyField(), j.primary.LastUpdatedField()):
			}
		}
		if err := drainErr(pErrCh); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (j *JoinStore) QueryOne(ctx context.Context, criteria Criteria, projection []string) (Document, bool, error) {
	docs, errCh := j.Query(ctx, criteria, projection, nil, 0, 1)
	for d := range docs {
		return d, true, nil
	}
	return nil, false, drainErr(errCh)
}

func (j *JoinStore) Count(ctx context.Context, criteria Criteria) (int, error) {
	return j.primary.Count(ctx, criteria)
}

func (j *JoinStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]any, error) {
	return j.primary.Distinct(ctx, field, criteria)
}

func (j *JoinStore) GroupBy(ctx context.Context, fields []string, criteria Criteria) ([]GroupResult, error) {
	return j.primary.GroupBy(ctx, fields, criteria)
}

func (j *JoinStore) Update(ctx context.Context, docs []Document, keyFields []string) error {
	return fmt.Errorf("join store %q is read-only", j.name)
}

func (j *JoinStore) RemoveDocs(ctx context.Context, criteria Criteria) error {
	return fmt.Errorf("join store %q is read-only", j.name)
}

func (j *JoinStore) EnsureIndex(ctx context.Context, field string, unique bool) error {
	return fmt.Errorf("join store %q is read-only", j.name)
}

func (j *JoinStore) LastUpdated(ctx context.Context) (time.Time, error) {
	return j.primary.LastUpdated(ctx)
}

func (j *JoinStore) NewerIn(ctx context.Context, other Store, criteria Criteria, exhaustive bool) ([]any, error) {
	return newerIn(ctx, j, other, criteria, exhaustive)
}
