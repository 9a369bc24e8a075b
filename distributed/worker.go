package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"maggma.dev/builder"
	"maggma.dev/executor"
)

// Worker drives the Worker side of spec.md §4.4: send READY; receive CHUNK
// or EXIT; on CHUNK, apply the override to a freshly rehydrated Builder,
// run the single-process Executor on it, heartbeat while running, then
// report DONE or FAILED; loop.
type Worker struct {
	Transport Transport
	WorkerID  string

	// WorkerCount is declared in every READY; it has no bearing on this
	// Worker process's own concurrency (that is ExecutorConfig.NumWorkers)
	// and exists purely for the Manager's visibility into fleet size.
	WorkerCount int

	// Prototype is the un-chunked Builder template; it must implement
	// builder.Prechunker so ApplyChunk can rehydrate a per-chunk
	// instance.
	Prototype builder.Builder

	// HeartbeatInterval is the fixed interval HEARTBEAT is sent while a
	// chunk runs. Default ~5s per spec.md §4.4.
	HeartbeatInterval time.Duration

	ExecutorConfig executor.Config
	Logger         *logrus.Entry
}

func (w *Worker) logger() *logrus.Entry {
	if w.Logger != nil {
		return w.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (w *Worker) heartbeatInterval() time.Duration {
	if w.HeartbeatInterval <= 0 {
		return 5 * time.Second
	}
	return w.HeartbeatInterval
}

// Run loops send-READY/receive-CHUNK-or-EXIT until an EXIT arrives or ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.Transport.Send(ctx, "", Message{Type: MsgReady, WorkerID: w.WorkerID, WorkerCount: w.WorkerCount}); err != nil {
			return builder.NewBusError("send_ready", err)
		}

		env, err := w.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return builder.NewBusError("receive", err)
		}

		switch env.Message.Type {
		case MsgExit:
			return nil
		case MsgChunk:
			if err := w.runChunk(ctx, env.Message); err != nil {
				logger.WithField("chunk", env.Message.ChunkIndex).WithError(err).Error("chunk run failed")
			}
		default:
			logger.WithField("type", env.Message.Type).Warn("worker received unexpected message while idle")
		}
	}
}

func (w *Worker) runChunk(ctx context.Context, msg Message) error {
	prechunker, ok := w.Prototype.(builder.Prechunker)
	if !ok {
		err := fmt.Errorf("builder %q does not implement Prechunker", w.Prototype.Name())
		w.sendFailed(ctx, msg, err)
		return err
	}

	b, err := prechunker.ApplyChunk(msg.Override)
	if err != nil {
		w.sendFailed(ctx, msg, err)
		return err
	}
	if lb, ok := b.(builder.Loggable); ok {
		lb.SetLogger(w.logger(), b.Name())
	}
	if err := b.Connect(ctx); err != nil {
		w.sendFailed(ctx, msg, err)
		return err
	}
	defer b.Close(ctx)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx, msg.ChunkIndex)

	cfg := w.ExecutorConfig
	_, runErr := executor.Run(ctx, b, cfg)
	cancelHB()

	if runErr != nil {
		w.sendFailed(ctx, msg, runErr)
		return runErr
	}
	if err := w.Transport.Send(ctx, "", Message{Type: MsgDone, WorkerID: w.WorkerID, ChunkIndex: msg.ChunkIndex}); err != nil {
		return builder.NewBusError("send_done", err)
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context, chunkIndex int) {
	ticker := time.NewTicker(w.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Transport.Send(ctx, "", Message{Type: MsgHeartbeat, WorkerID: w.WorkerID, ChunkIndex: chunkIndex}); err != nil {
				w.logger().WithError(err).Warn("heartbeat send failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) sendFailed(ctx context.Context, msg Message, cause error) {
	sendCtx := ctx
	if ctx.Err() != nil {
		sendCtx = context.Background()
	}
	if err := w.Transport.Send(sendCtx, "", Message{
		Type:       MsgFailed,
		WorkerID:   w.WorkerID,
		ChunkIndex: msg.ChunkIndex,
		Error:      cause.Error(),
	}); err != nil {
		w.logger().WithError(err).Warn("failed to report chunk failure")
	}
}
