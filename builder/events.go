package builder

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the three BuildEvent kinds of spec.md §3.
type EventKind string

const (
	EventStarted EventKind = "STARTED"
	EventUpdate  EventKind = "UPDATE"
	EventEnded   EventKind = "ENDED"
)

// BuildEvent is the lifecycle record emitted by the Executor and optionally
// persisted by the Reporter. build_id is fixed for one executor.Run (or
// distributed Manager.Run) call;
// machine_id is a stable anonymous identifier cached at first use.
type BuildEvent struct {
	Kind      EventKind      `yaml:"event" json:"event"`
	Builder   string         `yaml:"builder" json:"builder"`
	BuildID   uuid.UUID      `yaml:"build_id" json:"build_id"`
	MachineID string         `yaml:"machine_id" json:"machine_id"`
	At        time.Time      `yaml:"at" json:"at"`
	Payload   map[string]any `yaml:"payload" json:"payload"`
}

// StartedPayload is the payload shape for an EventStarted event.
type StartedPayload struct {
	Sources []string `yaml:"sources" json:"sources"`
	Targets []string `yaml:"targets" json:"targets"`
	Total   *int     `yaml:"total,omitempty" json:"total,omitempty"`
}

// UpdatePayload is the payload shape for an EventUpdate event.
type UpdatePayload struct {
	Count int `yaml:"count" json:"count"`
}

// EndedPayload is the payload shape for an EventEnded event.
type EndedPayload struct {
	Errors   int           `yaml:"errors" json:"errors"`
	Warnings int           `yaml:"warnings" json:"warnings"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// Fields renders the event as logrus.Fields-compatible map for structured
// logging, flattening the payload alongside the envelope.
func (e BuildEvent) Fields() map[string]any {
	f := map[string]any{
		"event":      string(e.Kind),
		"builder":    e.Builder,
		"build_id":   e.BuildID.String(),
		"machine_id": e.MachineID,
		"at":         e.At,
	}
	for k, v := range e.Payload {
		f["payload."+k] = v
	}
	return f
}

func toPayload(v any) map[string]any {
	switch p := v.(type) {
	case StartedPayload:
		m := map[string]any{"sources": p.Sources, "targets": p.Targets}
		if p.Total != nil {
			m["total"] = *p.Total
		}
		return m
	case UpdatePayload:
		return map[string]any{"count": p.Count}
	case EndedPayload:
		return map[string]any{"errors": p.Errors, "warnings": p.Warnings, "duration": p.Duration}
	default:
		return map[string]any{}
	}
}

// NewEvent constructs a BuildEvent with the given kind and typed payload.
func NewEvent(kind EventKind, builderName, machineID string, buildID uuid.UUID, payload any) BuildEvent {
	return BuildEvent{
		Kind:      kind,
		Builder:   builderName,
		BuildID:   buildID,
		MachineID: machineID,
		At:        time.Now(),
		Payload:   toPayload(payload),
	}
}
