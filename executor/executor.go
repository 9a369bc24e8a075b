// Package executor implements the single-process concurrent pipeline that
// drives one Builder's three phases: a producer goroutine streams items
// from GetItems into a bounded channel, a worker pool applies ProcessItem
// with bounded parallelism, and a consumer goroutine batches results and
// calls UpdateTargets. Backpressure is enforced entirely by the two
// bounded channels; no unbounded buffering occurs anywhere in the
// pipeline.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maggma.dev/builder"
)

// Config configures one Executor run.
type Config struct {
	// NumWorkers is the size of the ProcessItem worker pool. Default 1
	// (degenerate in-process serial mode).
	NumWorkers int

	// IdleFlush is the maximum time the consumer waits for a partial
	// batch to fill before flushing it anyway. Zero disables idle
	// flushing (batches only flush at ChunkSize or stream end).
	IdleFlush time.Duration

	// MachineID is the stable anonymous identifier stamped on every
	// BuildEvent this run emits.
	MachineID string

	// Events, if non-nil, receives every BuildEvent emitted during the
	// run. Run never blocks on this channel: sends are non-blocking
	// best-effort, matching the Reporter's own never-block-the-executor
	// contract.
	Events chan<- builder.BuildEvent

	// Logger is the per-run logger; defaults to logrus.StandardLogger().
	Logger *logrus.Entry
}

func (c Config) numWorkers() int {
	if c.NumWorkers <= 0 {
		return 1
	}
	return c.NumWorkers
}

// Result is the summary returned by Run.
type Result struct {
	BuildID  uuid.UUID
	Errors   int
	Warnings int
	Duration time.Duration
}

type itemEnvelope struct {
	item builder.WorkItem
}

type resultEnvelope struct {
	item      builder.WorkItem
	processed builder.ProcessedItem
	err       error
}

// Run drives b to completion: STARTED, the producer/pool/consumer
// pipeline, ENDED. It honors ctx for build-level cancellation: cancelling
// ctx (or a fatal SourceError/SinkError) closes the item queue, lets
// workers drain items already in flight, and lets the consumer flush its
// final partial batch before returning. Connecting and closing b's own
// Stores is the caller's responsibility, not Run's.
func Run(ctx context.Context, b builder.Builder, cfg Config) (Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	buildID := uuid.New()
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	emit := func(kind builder.EventKind, payload any) {
		if cfg.Events == nil {
			return
		}
		ev := builder.NewEvent(kind, b.Name(), cfg.MachineID, buildID, payload)
		select {
		case cfg.Events <- ev:
		default:
			logger.WithField("event", kind).Warn("event channel full, dropping build event")
		}
	}

	total, hasTotal := b.Total(runCtx)
	var totalPtr *int
	if hasTotal {
		totalPtr = &total
	}
	emit(builder.EventStarted, builder.StartedPayload{Total: totalPtr})

	numWorkers := cfg.numWorkers()
	itemCh := make(chan itemEnvelope, 2*numWorkers)
	resultCh := make(chan resultEnvelope, 2*numWorkers)

	var fatalMu sync.Mutex
	var fatalErr error
	setFatal := func(err *builder.Error) {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		if fatalErr == nil {
			fatalErr = err
		}
		cancel()
	}

	var wg sync.WaitGroup

	// Producer: the single reader of GetItems.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(itemCh)

		items, errCh := b.GetItems(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case item, ok := <-items:
				if !ok {
					if err := <-errCh; err != nil {
						setFatal(builder.NewSourceError(err))
					}
					return
				}
				select {
				case itemCh <- itemEnvelope{item: item}:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	// Worker pool: bounded-parallel ProcessItem.
	var poolWG sync.WaitGroup
	poolWG.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer poolWG.Done()
			for env := range itemCh {
				processed, err := processOne(ctx, b, env.item)
				select {
				case resultCh <- resultEnvelope{item: env.item, processed: processed, err: err}:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		poolWG.Wait()
		close(resultCh)
	}()

	// Consumer: the single writer into target Stores.
	wg.Add(1)
	var errorCount, warningCount int
	go func() {
		defer wg.Done()

		chunkSize := b.ChunkSizeOrDefault()
		batch := make([]builder.ProcessedItem, 0, chunkSize)
		var idleTimer *time.Timer
		var idleC <-chan time.Time
		resetIdle := func() {
			if cfg.IdleFlush <= 0 {
				return
			}
			if idleTimer == nil {
				idleTimer = time.NewTimer(cfg.IdleFlush)
			} else {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(cfg.IdleFlush)
			}
			idleC = idleTimer.C
		}
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := b.UpdateTargets(ctx, batch); err != nil {
				setFatal(builder.NewSinkError(batch, err))
				logger.WithField("batch_size", len(batch)).WithError(err).Error("update_targets failed, batch dropped")
				batch = batch[:0]
				return
			}
			emit(builder.EventUpdate, builder.UpdatePayload{Count: len(batch)})
			batch = batch[:0]
		}

		resetIdle()
		for {
			select {
			case res, ok := <-resultCh:
				if !ok {
					flush()
					return
				}
				if res.err != nil {
					isTimeout := false
					if te, ok := res.err.(interface{ Timeout() bool }); ok {
						isTimeout = te.Timeout()
					}
					itemErr := builder.NewItemError(res.item, res.err, isTimeout)
					errorCount++
					logger.WithField("kind", itemErr.Kind.String()).WithError(res.err).Error("process_item failed")
					continue
				}
				batch = append(batch, res.processed)
				if len(batch) >= chunkSize {
					flush()
				}
				resetIdle()
			case <-idleC:
				flush()
				resetIdle()
			}
		}
	}()

	wg.Wait()

	fatalMu.Lock()
	fe := fatalErr
	fatalMu.Unlock()

	if fe == nil {
		if f, ok := b.(builder.Finalizer); ok {
			if err := f.Finalize(ctx); err != nil {
				fe = builder.NewConfigError("finalize", err)
				logger.WithError(err).Error("finalize failed")
			}
		}
	}

	duration := time.Since(start)
	emit(builder.EventEnded, builder.EndedPayload{Errors: errorCount, Warnings: warningCount, Duration: duration})

	return Result{BuildID: buildID, Errors: errorCount, Warnings: warningCount, Duration: duration}, fe
}

// processOne applies b.ProcessItem to item, racing it against the
// Builder's declared per-item timeout (if any) via context.WithTimeout.
func processOne(ctx context.Context, b builder.Builder, item builder.WorkItem) (builder.ProcessedItem, error) {
	timeout := time.Duration(0)
	if tp, ok := b.(builder.TimeoutProvider); ok {
		timeout = tp.ItemTimeout()
	}
	if timeout <= 0 {
		return b.ProcessItem(ctx, item)
	}

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		processed builder.ProcessedItem
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		p, err := b.ProcessItem(itemCtx, item)
		done <- outcome{processed: p, err: err}
	}()

	select {
	case o := <-done:
		return o.processed, o.err
	case <-itemCtx.Done():
		return nil, timeoutError{cause: itemCtx.Err()}
	}
}

// timeoutError marks a process_item deadline expiry so the consumer can
// distinguish ItemTimeout from a plain ItemError.
type timeoutError struct{ cause error }

func (t timeoutError) Error() string { return "process_item timed out: " + t.cause.Error() }
func (t timeoutError) Timeout() bool { return true }
