// Package runner is the top-level driver of spec.md §4.6: it materializes
// one or more Builders (from a registry.Registry-backed serialized
// description, or handed directly as in-memory builder.Builder values),
// chooses single-process or distributed execution, runs them
// sequentially, and wires the optional Reporter.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"maggma.dev/builder"
	"maggma.dev/distributed"
	"maggma.dev/executor"
	"maggma.dev/internal/mlog"
	"maggma.dev/registry"
	"maggma.dev/reporter"
)

// Mode selects how a single Builder is executed.
type Mode int

const (
	// ModeSingleProcess drives the Builder through executor.Run locally.
	ModeSingleProcess Mode = iota
	// ModeDistributedManager prechunks the Builder and dispatches it
	// across Workers over a distributed.Transport.
	ModeDistributedManager
	// ModeDistributedWorker runs this process as one Worker against an
	// already-running Manager.
	ModeDistributedWorker
)

// BuilderSpec names one unit of work for the Runner: either a descriptor
// resolved through a Registry, or a ready-made Builder (spec.md §6's "code
// modules exposing a builder object" path — the only way a MapBuilder's
// or GroupBuilder's per-item transform, a Go closure, reaches the Runner,
// since no textual encoding can carry a function value).
type BuilderSpec struct {
	Descriptor *registry.BuilderDescriptor
	Builder    builder.Builder
}

func (s BuilderSpec) resolve(reg *registry.Registry) (builder.Builder, error) {
	if s.Builder != nil {
		return s.Builder, nil
	}
	if s.Descriptor == nil {
		return nil, builder.NewConfigError("resolve", fmt.Errorf("builder spec has neither a Builder nor a Descriptor"))
	}
	return reg.NewBuilder(*s.Descriptor)
}

// Config configures one Runner.
type Config struct {
	Registry *registry.Registry

	// Mode selects single-process or distributed execution for every
	// Builder this Runner drives. Builders needing different modes in
	// the same process should use two Runners.
	Mode Mode

	// NumWorkers is the single-process worker pool size (spec.md §6's
	// "worker count").
	NumWorkers int
	IdleFlush  time.Duration

	// DistributedManagerURL/DistributedWorkerURL select the bus
	// endpoint when Mode is one of the distributed modes. NumChunks is
	// required for Manager mode; WorkerID/WorkerCount describe this
	// process in Worker mode.
	DistributedManagerURL string
	DistributedWorkerURL  string
	NumChunks             int
	HeartbeatTimeout      time.Duration
	WorkerID              string
	WorkerCount           int

	// Reporter, if non-nil, receives every BuildEvent from every
	// Builder this Runner drives, via a single shared Reporter.
	Reporter *reporter.Reporter

	MachineID string
	Logger    *logrus.Entry
}

// Runner drives a sequence of BuilderSpecs to completion, never
// overlapping two Builders' target writes (spec.md §4.6).
type Runner struct {
	cfg Config
}

// New constructs a Runner. cfg.Registry defaults to registry.Default() if
// nil.
func New(cfg Config) *Runner {
	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.MachineID == "" {
		cfg.MachineID = reporter.MachineID()
	}
	return &Runner{cfg: cfg}
}

// Run is RunSpecs with no specs: it starts and closes the Reporter, if
// one is configured, and runs no Builder. Builders are run through
// RunSpecs.
func (r *Runner) Run(ctx context.Context) error {
	return r.RunSpecs(ctx, nil)
}

// RunSpecs materializes and runs the given BuilderSpecs in order, stopping
// at the first fatal error (propagated to the caller for a nonzero process
// exit status, per spec.md §6). A nil specs is a no-op success.
func (r *Runner) RunSpecs(ctx context.Context, specs []BuilderSpec) error {
	logger := r.cfg.Logger

	if r.cfg.Reporter != nil {
		if err := r.cfg.Reporter.Start(ctx); err != nil {
			return err
		}
		defer r.cfg.Reporter.Close(context.Background())
	}

	for _, spec := range specs {
		b, err := spec.resolve(r.cfg.Registry)
		if err != nil {
			return err
		}

		if lb, ok := b.(builder.Loggable); ok {
			lb.SetLogger(logger, b.Name())
		}

		builderLogger := logger.WithField("builder", b.Name()).WithField("mode", r.cfg.Mode)
		if err := mlog.Timed(builderLogger, "run_builder", func() error {
			return r.runOne(ctx, b)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) events() chan<- builder.BuildEvent {
	if r.cfg.Reporter == nil {
		return nil
	}
	return r.cfg.Reporter.Events()
}

func (r *Runner) runOne(ctx context.Context, b builder.Builder) error {
	switch r.cfg.Mode {
	case ModeDistributedManager:
		return r.runManager(ctx, b)
	case ModeDistributedWorker:
		return r.runWorker(ctx, b)
	default:
		return r.runSingleProcess(ctx, b)
	}
}

func (r *Runner) runSingleProcess(ctx context.Context, b builder.Builder) error {
	if err := b.Connect(ctx); err != nil {
		return builder.NewConfigError("connect", err)
	}
	defer b.Close(ctx)

	_, err := executor.Run(ctx, b, executor.Config{
		NumWorkers: r.cfg.NumWorkers,
		IdleFlush:  r.cfg.IdleFlush,
		MachineID:  r.cfg.MachineID,
		Events:     r.events(),
		Logger:     r.cfg.Logger,
	})
	return err
}

func (r *Runner) runManager(ctx context.Context, b builder.Builder) error {
	if r.cfg.DistributedManagerURL == "" {
		return builder.NewConfigError("distributed_manager", fmt.Errorf("distributed manager URL is required"))
	}
	transport, err := r.dialManagerTransport()
	if err != nil {
		return builder.NewBusError("dial_manager", err)
	}
	defer transport.Close()

	mgr := &distributed.Manager{
		Transport:        transport,
		Builder:          b,
		NumChunks:        r.cfg.NumChunks,
		HeartbeatTimeout: r.cfg.HeartbeatTimeout,
		Events:           r.events(),
		MachineID:        r.cfg.MachineID,
		Logger:           r.cfg.Logger,
	}
	return mgr.Run(ctx)
}

func (r *Runner) runWorker(ctx context.Context, b builder.Builder) error {
	if r.cfg.DistributedWorkerURL == "" {
		return builder.NewConfigError("distributed_worker", fmt.Errorf("distributed worker URL is required"))
	}
	workerID := r.cfg.WorkerID
	if workerID == "" {
		workerID = uuid.New().String()
	}
	transport, err := r.dialWorkerTransport(workerID)
	if err != nil {
		return builder.NewBusError("dial_worker", err)
	}
	defer transport.Close()

	w := &distributed.Worker{
		Transport:   transport,
		WorkerID:    workerID,
		WorkerCount: r.cfg.WorkerCount,
		Prototype:   b,
		ExecutorConfig: executor.Config{
			NumWorkers: r.cfg.NumWorkers,
			IdleFlush:  r.cfg.IdleFlush,
			MachineID:  r.cfg.MachineID,
			Events:     r.events(),
			Logger:     r.cfg.Logger,
		},
		Logger: r.cfg.Logger,
	}
	return w.Run(ctx)
}

// dialManagerTransport/dialWorkerTransport pick the WS or AMQP dialect
// from the URL scheme, per spec.md §4.4's "two bus dialects behind a
// single abstraction, addressed by URL".
func (r *Runner) dialManagerTransport() (distributed.Transport, error) {
	scheme, addr := splitSchemeAddr(r.cfg.DistributedManagerURL)
	switch scheme {
	case "amqp":
		return distributed.NewAMQPManagerTransport(r.cfg.DistributedManagerURL, nil, r.cfg.Logger)
	default:
		hwm := maxInt(r.cfg.NumChunks, 1) * 2
		return distributed.NewWSManagerTransport(addr, hwm, r.cfg.Logger), nil
	}
}

func (r *Runner) dialWorkerTransport(workerID string) (distributed.Transport, error) {
	scheme, addr := splitSchemeAddr(r.cfg.DistributedWorkerURL)
	switch scheme {
	case "amqp":
		return distributed.NewAMQPWorkerTransport(r.cfg.DistributedWorkerURL, workerID, nil, r.cfg.Logger)
	default:
		return distributed.NewWSWorkerTransport(addr, workerID, 4, r.cfg.Logger), nil
	}
}

func splitSchemeAddr(url string) (scheme, rest string) {
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			return url[:i], url
		}
	}
	return "ws", url
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
