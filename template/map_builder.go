// Package template provides the two execution templates built atop
// builder.Base: MapBuilder (1:1) and GroupBuilder (N:1). Both encapsulate
// incremental-work selection, projection, per-item timeouts, error capture
// into an idempotent output shape, rather than requiring every concrete
// Builder to reimplement that bookkeeping.
package template

import (
	"context"
	"time"

	"maggma.dev/builder"
	"maggma.dev/store"
)

// UnaryFunction is the user-supplied transform a MapBuilder runs for every
// selected item. The subclass-override mentioned in spec.md's source has
// no Go equivalent; this field plays that role directly.
type UnaryFunction func(ctx context.Context, item builder.WorkItem) (map[string]any, error)

// MapBuilder is the 1:1 execution template: one source Store, one target
// Store, incremental selection via Store.NewerIn, and an idempotent
// output document keyed on the source's key field.
type MapBuilder struct {
	builder.Base

	// BuilderName identifies this MapBuilder; Base has no Name field
	// since Base is meant to be embedded by many different named
	// Builders.
	BuilderName string

	// Projection lists source fields to fetch; key and last-updated are
	// always included regardless of this list.
	Projection []string

	// DeleteOrphans, when true, removes target documents whose key is
	// absent from the source after the final batch.
	DeleteOrphans bool

	// Timeout is the per-item deadline; zero means none.
	Timeout time.Duration

	// StoreProcessTime embeds process_item's wall-clock duration in the
	// output document when true.
	StoreProcessTime bool

	// RetryFailed re-includes, on this run, target documents previously
	// marked state:"failed".
	RetryFailed bool

	// Query is additional source criteria applied to every selection.
	Query store.Criteria

	// Unary is the per-item transform. Required.
	Unary UnaryFunction
}

func (m *MapBuilder) Name() string { return m.BuilderName }

func (m *MapBuilder) source() store.Store { return m.Sources[0] }
func (m *MapBuilder) target() store.Store { return m.Targets[0] }

func (m *MapBuilder) projectionFields() []string {
	if len(m.Projection) == 0 {
		return nil
	}
	return m.Projection
}

// GetItems selects every source document that is (a) newer in source than
// target, (b) absent from target, or (c) marked failed in target with
// RetryFailed set, subject to Query.
func (m *MapBuilder) GetItems(ctx context.Context) (<-chan builder.WorkItem, <-chan error) {
	out := make(chan builder.WorkItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		source, target := m.source(), m.target()

		keys, err := source.NewerIn(ctx, target, m.Query, true)
		if err != nil {
			errCh <- err
			return
		}
		keySet := make(map[any]bool, len(keys))
		for _, k := range keys {
			keySet[k] = true
		}
		m.Logger().WithField("selected", len(keySet)).Debug("incremental selection")

		if m.RetryFailed {
			failedCriteria := mergeCriteria(m.Query, store.Criteria{"state": "failed"})
			failedDocs, fErrCh := target.Query(ctx, failedCriteria, []string{target.KeyField()}, nil, 0, 0)
			for d := range failedDocs {
				keySet[d[target.KeyField()]] = true
			}
			if err := <-fErrCh; err != nil {
				errCh <- err
				return
			}
		}

		for k := range keySet {
			crit := mergeCriteria(m.Query, store.Criteria{source.KeyField(): k})
			doc, found, err := source.QueryOne(ctx, crit, m.projectionFields())
			if err != nil {
				errCh <- err
				return
			}
			if !found {
				// Deleted from source between selection and fetch; skip.
				continue
			}
			select {
			case out <- builder.WorkItem(doc):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

// ProcessItem runs Unary and converts any failure into the failed-state
// output shape rather than returning an error, so the failure itself is
// persisted by UpdateTargets like any other item.
func (m *MapBuilder) ProcessItem(ctx context.Context, item builder.WorkItem) (builder.ProcessedItem, error) {
	source, target := m.source(), m.target()
	key := item[source.KeyField()]

	start := time.Now()
	payload, err := m.Unary(ctx, item)
	elapsed := time.Since(start)

	out := builder.ProcessedItem{}
	if err != nil {
		m.Logger().WithField("key", key).WithError(err).Warn("item failed")
		out["error"] = err.Error()
		out["state"] = "failed"
	} else {
		for k, v := range payload {
			out[k] = v
		}
		if m.StoreProcessTime {
			out["process_time"] = elapsed
		}
	}
	out[source.KeyField()] = key
	out[target.LastUpdatedField()] = time.Now()
	out["_bt"] = m.BuildTag
	return out, nil
}

// UpdateTargets upserts batch into the target Store by key.
func (m *MapBuilder) UpdateTargets(ctx context.Context, batch []builder.ProcessedItem) error {
	target := m.target()
	docs := make([]store.Document, len(batch))
	for i, p := range batch {
		docs[i] = store.Document(p)
	}
	return target.Update(ctx, docs, []string{target.KeyField()})
}

// Total reports the source's matching document count as a STARTED hint.
// This over-counts relative to the true incremental selection (it does
// not evaluate newer_in), which is an acceptable approximation for a
// progress hint.
func (m *MapBuilder) Total(ctx context.Context) (int, bool) {
	n, err := m.source().Count(ctx, m.Query)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ItemTimeout satisfies builder.TimeoutProvider.
func (m *MapBuilder) ItemTimeout() time.Duration { return m.Timeout }

// Finalize deletes target documents whose key is absent from the source,
// when DeleteOrphans is set. Satisfies builder.Finalizer.
func (m *MapBuilder) Finalize(ctx context.Context) error {
	if !m.DeleteOrphans {
		return nil
	}
	source, target := m.source(), m.target()

	sourceKeys := make(map[any]bool)
	sourceDocs, sErrCh := source.Query(ctx, m.Query, []string{source.KeyField()}, nil, 0, 0)
	for d := range sourceDocs {
		sourceKeys[d[source.KeyField()]] = true
	}
	if err := <-sErrCh; err != nil {
		return err
	}

	targetDocs, tErrCh := target.Query(ctx, nil, []string{target.KeyField()}, nil, 0, 0)
	var orphans []any
	for d := range targetDocs {
		k := d[target.KeyField()]
		if !sourceKeys[k] {
			orphans = append(orphans, k)
		}
	}
	if err := <-tErrCh; err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	return target.RemoveDocs(ctx, store.Criteria{target.KeyField(): store.Criteria{"$in": orphans}})
}

func mergeCriteria(a, b store.Criteria) store.Criteria {
	out := make(store.Criteria, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
