// Package builder defines the three-phase transformation contract that the
// executor, template builders, and distributed coordinator all run against.
//
// A Builder moves documents from one or more source Stores to one or more
// target Stores through three phases: GetItems (extract), ProcessItem
// (transform), UpdateTargets (load). The contract imposes no interpretation
// on WorkItem or ProcessedItem beyond what each phase needs: GetItems
// produces a finite, single-consumption sequence; ProcessItem is pure and
// safe to call concurrently for distinct items; UpdateTargets receives
// batches and should be idempotent on the key(s) of each output document.
package builder

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"maggma.dev/store"
)

// WorkItem is the opaque value produced by GetItems and consumed by
// ProcessItem. The executor treats it as a value type; in distributed mode
// it must survive a JSON round-trip across the wire.
type WorkItem = map[string]any

// ProcessedItem is returned by ProcessItem and handed to UpdateTargets in
// batches of at most ChunkSize.
type ProcessedItem = map[string]any

// Chunk is a partial-work directive produced by Prechunk: a map of
// attribute overrides that, applied to a Builder, restricts GetItems to a
// disjoint subset of the total work. Keys are Builder-specific; the core
// only transports them opaquely.
type Chunk map[string]any

// Base carries the fields every Builder embeds: source/target/auxiliary
// Stores, the batch size, and a build-version tag. Concrete Builders embed
// Base and satisfy the Builder interface by composition, not inheritance,
// per the REDESIGN FLAGS guidance on polymorphism over Store.
type Base struct {
	Sources   []store.Store
	Targets   []store.Store
	Auxiliary []store.Store
	ChunkSize int
	BuildTag  string

	// Entry is the per-instance logger handle every Builder carries. It is
	// normally set by the runner (or a distributed Worker) before a run;
	// Logger falls back to a disabled logrus.Entry when left nil so a
	// Builder built directly in a test doesn't need to set it up.
	Entry *logrus.Entry
}

var discardEntry = func() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}()

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Logger returns this Builder's logger handle, as spec.md requires every
// Builder to carry. Concrete Builders embedding Base satisfy the method by
// composition.
func (b *Base) Logger() *logrus.Entry {
	if b.Entry == nil {
		return discardEntry
	}
	return b.Entry
}

// SetLogger installs the Builder's logger handle, tagging it with name so
// every line it emits is attributable. The runner and the distributed
// Worker call this once per Builder that exposes it via the Loggable
// interface.
func (b *Base) SetLogger(entry *logrus.Entry, name string) {
	if entry != nil {
		entry = entry.WithField("builder", name)
	}
	b.Entry = entry
}

// Loggable is implemented by any Builder whose logger handle can be set
// after construction; Base satisfies it by composition. Builders that
// build their own Entry in a constructor need not implement it.
type Loggable interface {
	SetLogger(entry *logrus.Entry, name string)
}

// DefaultChunkSize is used when Base.ChunkSize is left at zero.
const DefaultChunkSize = 1000

// effectiveChunkSize returns b.ChunkSize, or DefaultChunkSize if unset.
func (b *Base) effectiveChunkSize() int {
	if b.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return b.ChunkSize
}

// ChunkSizeOrDefault is the exported accessor used by the executor and
// template builders, since Base's fields are otherwise opaque to callers
// holding only a Builder interface.
func (b *Base) ChunkSizeOrDefault() int { return b.effectiveChunkSize() }

// Connect opens every attached Store. It is safe to call more than once.
func (b *Base) Connect(ctx context.Context) error {
	for _, s := range allStores(b) {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every attached Store, continuing past individual errors
// so that a failure closing one Store does not leak the others; the first
// error encountered is returned.
func (b *Base) Close(ctx context.Context) error {
	var first error
	for _, s := range allStores(b) {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func allStores(b *Base) []store.Store {
	all := make([]store.Store, 0, len(b.Sources)+len(b.Targets)+len(b.Auxiliary))
	all = append(all, b.Sources...)
	all = append(all, b.Targets...)
	all = append(all, b.Auxiliary...)
	return all
}

// Builder is the contract every transformation unit implements. Prechunk
// and Finalize are optional; the executor and distributed coordinator
// detect their presence via the narrower Prechunker and Finalizer
// interfaces rather than requiring every Builder to implement no-ops.
type Builder interface {
	// Name identifies the Builder for logging, events, and the reporter.
	Name() string

	// Connect opens every attached Store; idempotent.
	Connect(ctx context.Context) error

	// GetItems returns a lazy, finite, single-consumption channel of
	// WorkItems. It may perform I/O. A non-nil error is a SourceError and
	// is fatal to the current run. The returned channel is closed when
	// the sequence is exhausted or ctx is cancelled.
	GetItems(ctx context.Context) (<-chan WorkItem, <-chan error)

	// ProcessItem transforms one WorkItem. It must not perform I/O shared
	// with GetItems/UpdateTargets, must be deterministic given its input,
	// and may return an ItemError without aborting the pipeline.
	ProcessItem(ctx context.Context, item WorkItem) (ProcessedItem, error)

	// UpdateTargets writes one batch (at most ChunkSizeOrDefault() items)
	// to the target Store(s). It may perform I/O. A non-nil error is a
	// SinkError and is fatal to the current run. Implementations must be
	// idempotent with respect to each output document's key.
	UpdateTargets(ctx context.Context, batch []ProcessedItem) error

	// ChunkSizeOrDefault returns the configured batch size, or
	// DefaultChunkSize if unset.
	ChunkSizeOrDefault() int

	// Logger returns this Builder's logger handle.
	Logger() *logrus.Entry

	// Total optionally reports the expected item count for the STARTED
	// event; ok is false when no estimate is available.
	Total(ctx context.Context) (total int, ok bool)

	// Close releases every attached Store. Called on every exit path.
	Close(ctx context.Context) error
}

// Prechunker is implemented by Builders that support distributed dispatch.
// A Builder that does not implement Prechunker is non-distributable: the
// Distributed Coordinator falls back to running it as a single chunk.
type Prechunker interface {
	// Prechunk computes n attribute-override chunks whose union covers
	// the Builder's full intended work set. Disjointness is the
	// Builder's responsibility.
	Prechunk(ctx context.Context, n int) ([]Chunk, error)

	// ApplyChunk returns a copy of the Builder restricted to one chunk's
	// subset of work, by applying the chunk's attribute overrides.
	ApplyChunk(chunk Chunk) (Builder, error)
}

// Finalizer is implemented by Builders with post-run cleanup (index
// tune-down, summary writes). Invoked once after the last UpdateTargets.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// ItemTimeout is the per-item deadline a Builder may declare; zero means
// no timeout. Builders that want a deadline implement TimeoutProvider.
type TimeoutProvider interface {
	ItemTimeout() time.Duration
}
