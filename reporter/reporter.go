// Package reporter forwards builder.BuildEvent values from a non-blocking
// buffered channel to a sink Store, never blocking the Executor that
// produced them.
package reporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"maggma.dev/builder"
	"maggma.dev/store"
)

// Reporter owns a buffered channel of BuildEvents and a single goroutine
// that drains it into a sink Store. Sends are non-blocking: a full buffer
// drops the event and logs a warning rather than stalling the Executor,
// per the REDESIGN FLAGS guidance that the Reporter must never block
// Executor progress.
type Reporter struct {
	sink   store.Store
	events chan builder.BuildEvent
	logger *logrus.Entry

	wg sync.WaitGroup
}

// New creates a Reporter that writes into sink with a buffer of
// bufferSize events. Call Start to begin draining and Close to stop.
func New(sink store.Store, bufferSize int, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Reporter{
		sink:   sink,
		events: make(chan builder.BuildEvent, bufferSize),
		logger: logger,
	}
}

// Events returns the channel an Executor's Config.Events should send to.
func (r *Reporter) Events() chan<- builder.BuildEvent { return r.events }

// Start connects the sink and launches the drain goroutine. Call Close to
// stop it and release the sink.
func (r *Reporter) Start(ctx context.Context) error {
	if err := r.sink.Connect(ctx); err != nil {
		return builder.NewReporterError(err)
	}
	r.wg.Add(1)
	go r.drain(ctx)
	return nil
}

func (r *Reporter) drain(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.write(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter) write(ctx context.Context, ev builder.BuildEvent) {
	doc := store.Document{
		"event":      string(ev.Kind),
		"builder":    ev.Builder,
		"build_id":   ev.BuildID.String(),
		"machine_id": ev.MachineID,
		"at":         ev.At,
		"payload":    ev.Payload,
	}
	if err := r.sink.Update(ctx, []store.Document{doc}, nil); err != nil {
		r.logger.WithError(builder.NewReporterError(err)).Warn("failed to write build event to reporter sink")
	}
}

// Close stops accepting new events, waits for the drain goroutine to
// finish the events already buffered, and closes the sink.
func (r *Reporter) Close(ctx context.Context) error {
	close(r.events)
	r.wg.Wait()
	return r.sink.Close(ctx)
}

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID returns a stable, process-wide anonymous identifier derived
// from the host name: a short hash rather than the raw host name itself,
// so the reporter sink never carries a literal machine name.
func MachineID() string {
	machineIDOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown-host"
		}
		sum := sha256.Sum256([]byte(host))
		machineID = hex.EncodeToString(sum[:])[:16]
	})
	return machineID
}
