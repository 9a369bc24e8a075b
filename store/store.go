// Package store defines the Store capability: a uniform, document-oriented
// access surface that Builders read from and write to. Store is specified
// here only as a capability set — concrete networked adapters (document
// DBs, object stores, relational/graph backends) are explicitly out of
// scope; this package ships only the capability contract plus the
// in-memory and embedded-file reference adapters needed to exercise it.
package store

import (
	"context"
	"time"
)

// Document is a self-describing nested map with string keys. One field is
// designated the key (unique identifier); one is the last-updated
// timestamp field.
type Document = map[string]any

// Criteria is a query filter. It uses the same flat equality/operator
// convention throughout the package: {"field": value} for equality, or
// {"field": Criteria{"$gt": v}} for range operators recognized by
// matchCriteria.
type Criteria = map[string]any

// Sort describes one field of an ORDER BY-equivalent clause.
type Sort struct {
	Field string
	Desc  bool
}

// EpochTimestamp is the sentinel "empty store" last-updated value: older
// than any real timestamp, so newer_in treats an empty target as entirely
// stale relative to any populated source.
var EpochTimestamp = time.Unix(0, 0).UTC()

// Store is the capability every Builder consumes. Implementations must
// honor the lazy, finite, single-consumption semantics of Query and the
// upsert semantics of Update described below.
type Store interface {
	// Connect performs scoped acquisition of the underlying connection,
	// with guaranteed release on every exit path via Close. Re-entrant
	// Connect calls are idempotent.
	Connect(ctx context.Context) error

	// Close releases the connection acquired by Connect. Idempotent.
	Close(ctx context.Context) error

	// Name identifies this Store for logging and BuildEvent payloads.
	Name() string

	// KeyField is the document field that uniquely identifies a document
	// within this Store.
	KeyField() string

	// LastUpdatedField is the document field holding the last-updated
	// timestamp.
	LastUpdatedField() string

	// Query produces a lazy, finite, non-restartable sequence of
	// documents matching criteria, restricted to projection fields (nil
	// or empty means all fields), ordered by sort, skipping skip
	// documents and yielding at most limit (0 means unlimited). The
	// returned document channel is closed when exhausted; the error
	// channel receives at most one error and is then closed.
	Query(ctx context.Context, criteria Criteria, projection []string, sort []Sort, skip, limit int) (<-chan Document, <-chan error)

	// QueryOne returns the first document matching criteria, or ok=false
	// if none match.
	QueryOne(ctx context.Context, criteria Criteria, projection []string) (doc Document, ok bool, err error)

	// Count returns the exact number of documents matching criteria.
	Count(ctx context.Context, criteria Criteria) (int, error)

	// Distinct returns the set of distinct scalar values of field among
	// documents matching criteria.
	Distinct(ctx context.Context, field string, criteria Criteria) ([]any, error)

	// GroupBy groups documents matching criteria by the tuple of values
	// in fields, yielding one GroupResult per distinct tuple.
	GroupBy(ctx context.Context, fields []string, criteria Criteria) ([]GroupResult, error)

	// Update upserts docs keyed by keyFields (or KeyField() if
	// keyFields is empty). Bulk; idempotent on the composite key.
	Update(ctx context.Context, docs []Document, keyFields []string) error

	// RemoveDocs deletes every document matching criteria.
	RemoveDocs(ctx context.Context, criteria Criteria) error

	// EnsureIndex idempotently creates an index on field.
	EnsureIndex(ctx context.Context, field string, unique bool) error

	// LastUpdated returns the max of LastUpdatedField() across all
	// documents, or EpochTimestamp if the Store is empty.
	LastUpdated(ctx context.Context) (time.Time, error)

	// NewerIn returns the set of keys that are newer in this Store than
	// in other, subject to criteria. When exhaustive is false, it uses
	// the max-timestamp shortcut: every key in this Store whose
	// last-updated exceeds other.LastUpdated(). When true, it performs a
	// per-key comparison and also returns every timestamped key absent
	// from other, including ones not newer than other.LastUpdated(); such
	// keys are missing from the shortcut's result.
	NewerIn(ctx context.Context, other Store, criteria Criteria, exhaustive bool) ([]any, error)
}

// GroupResult is one group produced by GroupBy: the tuple of values in the
// grouping fields, paired with its member documents.
type GroupResult struct {
	Key     map[string]any
	Members []Document
}

// drainErr reads at most one error off an error channel without blocking
// forever if it's already closed empty. Reference adapters use this to
// normalize "no error" into nil.
func drainErr(errCh <-chan error) error {
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	default:
	}
	return nil
}
