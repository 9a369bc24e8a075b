package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maggma.dev/builder"
	"maggma.dev/store"
)

func TestReporter_ForwardsEventsToSink(t *testing.T) {
	sink := store.NewMemoryStore("events", "build_id", "at")
	r := New(sink, 8, nil)
	require.NoError(t, r.Start(context.Background()))

	ev := builder.NewEvent(builder.EventStarted, "double", MachineID(), uuid.New(), builder.StartedPayload{})
	r.Events() <- ev

	require.NoError(t, r.Close(context.Background()))

	doc, found, err := sink.QueryOne(context.Background(), store.Criteria{"build_id": ev.BuildID.String()}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "STARTED", doc["event"])
	assert.Equal(t, "double", doc["builder"])
}

func TestReporter_NonBlockingOnFullBuffer(t *testing.T) {
	sink := store.NewMemoryStore("events", "build_id", "at")
	r := New(sink, 1, nil)
	// Do not Start: nothing drains the buffer, so the second send must
	// not block the test.
	ev := builder.NewEvent(builder.EventStarted, "b", "m", uuid.New(), builder.StartedPayload{})

	done := make(chan struct{})
	go func() {
		select {
		case r.Events() <- ev:
		default:
		}
		select {
		case r.Events() <- ev:
		default:
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sending to a full, undrained Reporter buffer must not block")
	}
}

func TestMachineID_Stable(t *testing.T) {
	a := MachineID()
	b := MachineID()
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
