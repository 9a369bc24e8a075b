package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maggma.dev/builder"
)

// chunkState tracks one dispatched chunk's lifecycle for re-queue-on-
// heartbeat-timeout.
type chunkState struct {
	chunk      builder.Chunk
	index      int
	worker     string
	lastBeat   time.Time
	dispatched bool
}

// Manager drives the distributed side of spec.md §4.4: it prechunks a
// Builder, answers Worker READY with the next queued CHUNK (or parks the
// Worker while no chunk is queued), tracks heartbeats, re-queues chunks
// whose Worker stopped heartbeating, and broadcasts EXIT and finalizes
// once every chunk is terminal.
type Manager struct {
	Transport Transport
	Builder   builder.Builder // must also implement builder.Prechunker
	NumChunks int

	// HeartbeatTimeout is the grace period after a chunk's last
	// HEARTBEAT (or dispatch, if none yet) before it is presumed dead
	// and re-queued. Zero disables the timeout (default unbounded per
	// spec.md §4.4).
	HeartbeatTimeout time.Duration

	Events    chan<- builder.BuildEvent
	MachineID string
	Logger    *logrus.Entry
}

func (m *Manager) logger() *logrus.Entry {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (m *Manager) emit(kind builder.EventKind, buildID uuid.UUID, payload any) {
	if m.Events == nil {
		return
	}
	ev := builder.NewEvent(kind, m.Builder.Name(), m.MachineID, buildID, payload)
	select {
	case m.Events <- ev:
	default:
		m.logger().WithField("event", kind).Warn("event channel full, dropping build event")
	}
}

// Run executes the full Manager protocol and returns once every chunk is
// terminal (DONE or FAILED) and Finalize has run. A chunk re-queued after a
// heartbeat timeout is not terminal; there is no limit on re-queues.
func (m *Manager) Run(ctx context.Context) error {
	logger := m.logger()
	buildID := uuid.New()
	start := time.Now()

	prechunker, ok := m.Builder.(builder.Prechunker)
	if !ok {
		return builder.NewConfigError("prechunk", fmt.Errorf("builder %q does not implement Prechunker", m.Builder.Name()))
	}

	n := m.NumChunks
	if n <= 0 {
		n = 1
	}
	chunks, err := prechunker.Prechunk(ctx, n)
	if err != nil {
		return builder.NewConfigError("prechunk", err)
	}
	m.emit(builder.EventStarted, buildID, builder.StartedPayload{Total: intPtr(len(chunks))})

	pending := make([]chunkState, len(chunks))
	for i, c := range chunks {
		pending[i] = chunkState{chunk: c, index: i}
	}

	var mu sync.Mutex
	remaining := len(pending)
	var errorCount int

	queue := make([]int, len(pending))
	for i := range queue {
		queue[i] = i
	}
	// waiting holds Workers whose READY arrived while queue was empty but
	// work was still outstanding; they are dispatched to directly the
	// moment a chunk is re-queued, rather than being told EXIT
	// prematurely (EXIT is only correct once remaining reaches zero).
	var waiting []string

	dispatch := func(idx int, workerID string) Message {
		p := &pending[idx]
		p.dispatched = true
		p.worker = workerID
		p.lastBeat = time.Now()
		return Message{
			Type:        MsgChunk,
			WorkerID:    workerID,
			ChunkIndex:  p.index,
			TotalChunks: len(pending),
			BuilderName: m.Builder.Name(),
			Override:    p.chunk,
		}
	}

	heartbeatCheck := time.NewTicker(time.Second)
	defer heartbeatCheck.Stop()
	if m.HeartbeatTimeout <= 0 {
		heartbeatCheck.Stop()
	}

	// Receive runs on its own goroutine so a heartbeat-timeout tick is
	// never starved by a Transport.Receive call blocked waiting for the
	// next message.
	type recvResult struct {
		env Envelope
		err error
	}
	recvCh := make(chan recvResult)
	go func() {
		for {
			env, err := m.Transport.Receive(ctx)
			select {
			case recvCh <- recvResult{env: env, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			m.Transport.Broadcast(context.Background(), Message{Type: MsgExit})
			return ctx.Err()

		case <-heartbeatCheck.C:
			mu.Lock()
			now := time.Now()
			var redispatch []Message
			for i := range pending {
				p := &pending[i]
				if p.dispatched && now.Sub(p.lastBeat) > m.HeartbeatTimeout {
					logger.WithField("chunk", p.index).WithField("worker", p.worker).
						Warn("worker heartbeat timed out, re-queueing chunk")
					p.dispatched = false
					p.worker = ""
					if len(waiting) > 0 {
						w := waiting[0]
						waiting = waiting[1:]
						redispatch = append(redispatch, dispatch(i, w))
					} else {
						queue = append(queue, i)
					}
				}
			}
			mu.Unlock()
			for _, msg := range redispatch {
				if err := m.Transport.Send(ctx, msg.WorkerID, msg); err != nil {
					logger.WithError(err).Warn("failed to re-dispatch chunk")
				}
			}

		case r := <-recvCh:
			if r.err != nil {
				if ctx.Err() != nil {
					m.Transport.Broadcast(context.Background(), Message{Type: MsgExit})
					return ctx.Err()
				}
				logger.WithError(r.err).Warn("transport receive failed")
				continue
			}
			env := r.env

			switch env.Message.Type {
			case MsgReady:
				mu.Lock()
				var chunkMsg Message
				has := false
				if len(queue) > 0 {
					next := queue[0]
					queue = queue[1:]
					chunkMsg = dispatch(next, env.From)
					has = true
				} else {
					// Nothing queued right now, but since remaining > 0
					// at least one chunk is still dispatched and may
					// yet be re-queued; park this Worker instead of
					// replying EXIT early.
					waiting = append(waiting, env.From)
				}
				mu.Unlock()
				if has {
					if err := m.Transport.Send(ctx, env.From, chunkMsg); err != nil {
						logger.WithError(err).Warn("failed to send chunk")
					}
				}

			case MsgHeartbeat:
				mu.Lock()
				for i := range pending {
					if pending[i].dispatched && pending[i].worker == env.From && pending[i].index == env.Message.ChunkIndex {
						pending[i].lastBeat = time.Now()
					}
				}
				mu.Unlock()

			case MsgDone:
				mu.Lock()
				for i := range pending {
					if pending[i].index == env.Message.ChunkIndex && pending[i].dispatched {
						pending[i].dispatched = false
						remaining--
						break
					}
				}
				mu.Unlock()

			case MsgFailed:
				mu.Lock()
				for i := range pending {
					if pending[i].index == env.Message.ChunkIndex && pending[i].dispatched {
						pending[i].dispatched = false
						remaining--
						errorCount++
						break
					}
				}
				mu.Unlock()
				logger.WithField("chunk", env.Message.ChunkIndex).WithField("error", env.Message.Error).
					Error("worker reported chunk failure")
			}
		}
	}

	m.Transport.Broadcast(context.Background(), Message{Type: MsgExit})

	var finalizeErr error
	if f, ok := m.Builder.(builder.Finalizer); ok {
		if err := f.Finalize(context.Background()); err != nil {
			finalizeErr = builder.NewConfigError("finalize", err)
			logger.WithError(err).Error("finalize failed")
		}
	}

	duration := time.Since(start)
	m.emit(builder.EventEnded, buildID, builder.EndedPayload{Errors: errorCount, Duration: duration})

	return finalizeErr
}

func intPtr(n int) *int { return &n }
