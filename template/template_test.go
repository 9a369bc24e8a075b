package template

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maggma.dev/builder"
	"maggma.dev/executor"
	"maggma.dev/store"
)

func newMapFixture(t *testing.T, unary UnaryFunction) (*MapBuilder, *store.MemoryStore, *store.MemoryStore) {
	t.Helper()
	src := store.NewMemoryStore("source", "name", "last_updated")
	dst := store.NewMemoryStore("target", "name", "last_updated")
	mb := &MapBuilder{
		Base: builder.Base{
			Sources: []store.Store{src},
			Targets: []store.Store{dst},
		},
		BuilderName: "double_v",
		Unary:       unary,
	}
	return mb, src, dst
}

func doubleV(ctx context.Context, item builder.WorkItem) (map[string]any, error) {
	return map[string]any{"v": item["v"].(int) * 2}, nil
}

// Scenario 1: multiply-by-two MapBuilder.
func TestMapBuilder_MultiplyByTwo(t *testing.T) {
	mb, src, dst := newMapFixture(t, doubleV)
	src.Seed(
		store.Document{"name": "a", "v": 1, "last_updated": store.EpochTimestamp},
		store.Document{"name": "b", "v": 2, "last_updated": store.EpochTimestamp},
		store.Document{"name": "c", "v": 3, "last_updated": store.EpochTimestamp},
	)

	_, err := executor.Run(context.Background(), mb, executor.Config{NumWorkers: 2})
	require.NoError(t, err)

	for name, want := range map[string]int{"a": 2, "b": 4, "c": 6} {
		doc, found, err := dst.QueryOne(context.Background(), store.Criteria{"name": name}, nil)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want, doc["v"])
		assert.NotNil(t, doc["last_updated"])
	}
}

// Scenario 2: incremental re-run only rewrites the changed document.
func TestMapBuilder_IncrementalRerun(t *testing.T) {
	mb, src, dst := newMapFixture(t, doubleV)
	src.Seed(
		store.Document{"name": "a", "v": 1, "last_updated": store.EpochTimestamp},
		store.Document{"name": "b", "v": 2, "last_updated": store.EpochTimestamp},
		store.Document{"name": "c", "v": 3, "last_updated": store.EpochTimestamp},
	)
	_, err := executor.Run(context.Background(), mb, executor.Config{NumWorkers: 2})
	require.NoError(t, err)

	src.Update(context.Background(), []store.Document{
		{"name": "b", "v": 20, "last_updated": time.Now()},
	}, nil)

	events := make(chan builder.BuildEvent, 16)
	_, err = executor.Run(context.Background(), mb, executor.Config{NumWorkers: 2, Events: events})
	require.NoError(t, err)
	close(events)

	updateCount := 0
	writtenCount := 0
	for ev := range events {
		if ev.Kind == builder.EventUpdate {
			updateCount++
			writtenCount += ev.Payload["count"].(int)
		}
	}
	assert.Equal(t, 1, updateCount, "exactly one UPDATE event on the second run")
	assert.Equal(t, 1, writtenCount)

	doc, found, err := dst.QueryOne(context.Background(), store.Criteria{"name": "b"}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 40, doc["v"])

	docA, _, _ := dst.QueryOne(context.Background(), store.Criteria{"name": "a"}, nil)
	assert.Equal(t, 2, docA["v"])
}

// Scenario 3: error isolation. process_item fails for one item; the
// target still receives a failed-state document for it, and other items
// complete normally.
func TestMapBuilder_ErrorIsolation(t *testing.T) {
	mb, src, dst := newMapFixture(t, func(ctx context.Context, item builder.WorkItem) (map[string]any, error) {
		if item["name"] == "b" {
			return nil, fmt.Errorf("boom")
		}
		return map[string]any{"v": item["v"].(int) * 2}, nil
	})
	src.Seed(
		store.Document{"name": "a", "v": 1, "last_updated": store.EpochTimestamp},
		store.Document{"name": "b", "v": 2, "last_updated": store.EpochTimestamp},
		store.Document{"name": "c", "v": 3, "last_updated": store.EpochTimestamp},
	)

	events := make(chan builder.BuildEvent, 16)
	_, err := executor.Run(context.Background(), mb, executor.Config{NumWorkers: 2, Events: events})
	require.NoError(t, err, "a per-item failure must not be fatal to the run")
	close(events)

	var ended *builder.BuildEvent
	for ev := range events {
		if ev.Kind == builder.EventEnded {
			e := ev
			ended = &e
		}
	}
	require.NotNil(t, ended)
	assert.Equal(t, 0, ended.Payload["errors"], "MapBuilder converts failures into documents, not ItemErrors")

	docB, found, err := dst.QueryOne(context.Background(), store.Criteria{"name": "b"}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "failed", docB["state"])
	assert.Contains(t, docB["error"], "boom")

	docA, found, _ := dst.QueryOne(context.Background(), store.Criteria{"name": "a"}, nil)
	require.True(t, found)
	assert.Equal(t, 2, docA["v"])
}

// Scenario 4: orphan deletion leaves the target's key-set equal to the
// source's.
func TestMapBuilder_OrphanDeletion(t *testing.T) {
	mb, src, dst := newMapFixture(t, doubleV)
	mb.DeleteOrphans = true
	src.Seed(
		store.Document{"name": "a", "v": 1, "last_updated": store.EpochTimestamp},
		store.Document{"name": "b", "v": 2, "last_updated": store.EpochTimestamp},
	)
	dst.Seed(
		store.Document{"name": "a", "v": 999, "last_updated": store.EpochTimestamp},
		store.Document{"name": "b", "v": 999, "last_updated": store.EpochTimestamp},
		store.Document{"name": "c", "v": 999, "last_updated": store.EpochTimestamp},
		store.Document{"name": "d", "v": 999, "last_updated": store.EpochTimestamp},
	)

	_, err := executor.Run(context.Background(), mb, executor.Config{NumWorkers: 1})
	require.NoError(t, err)

	n, err := dst.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, name := range []string{"c", "d"} {
		_, found, _ := dst.QueryOne(context.Background(), store.Criteria{"name": name}, nil)
		assert.False(t, found, "%s must have been deleted as an orphan", name)
	}
}

// Scenario 5: GroupBuilder groups by one field, and a change to a single
// member re-writes only its group.
func TestGroupBuilder_GroupsByField(t *testing.T) {
	src := store.NewMemoryStore("source", "n", "last_updated")
	dst := store.NewMemoryStore("target", "t", "last_updated")
	src.Seed(
		store.Document{"n": "apple", "t": "fruit", "q": 3, "last_updated": store.EpochTimestamp},
		store.Document{"n": "pear", "t": "fruit", "q": 5, "last_updated": store.EpochTimestamp},
		store.Document{"n": "cod", "t": "fish", "q": 1, "last_updated": store.EpochTimestamp},
	)

	gb := &GroupBuilder{
		Base: builder.Base{
			Sources: []store.Store{src},
			Targets: []store.Store{dst},
		},
		BuilderName:        "by_type",
		GroupingProperties: []string{"t"},
		Unary: func(ctx context.Context, members []store.Document) (map[string]any, error) {
			total := 0
			for _, m := range members {
				total += m["q"].(int)
			}
			return map[string]any{"total_q": total}, nil
		},
	}

	_, err := executor.Run(context.Background(), gb, executor.Config{NumWorkers: 2})
	require.NoError(t, err)

	fruit, found, err := dst.QueryOne(context.Background(), store.Criteria{"t": "fruit"}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 8, fruit["total_q"])
	assert.ElementsMatch(t, []any{"apple", "pear"}, fruit["ns"])

	fish, found, err := dst.QueryOne(context.Background(), store.Criteria{"t": "fish"}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, fish["total_q"])

	// Re-run with only pear.q changed: only the fruit group is rewritten.
	src.Update(context.Background(), []store.Document{
		{"n": "pear", "t": "fruit", "q": 50, "last_updated": time.Now()},
	}, nil)

	events := make(chan builder.BuildEvent, 16)
	_, err = executor.Run(context.Background(), gb, executor.Config{NumWorkers: 2, Events: events})
	require.NoError(t, err)
	close(events)

	updateCount := 0
	for ev := range events {
		if ev.Kind == builder.EventUpdate {
			updateCount++
		}
	}
	assert.Equal(t, 1, updateCount)

	fruit, _, _ = dst.QueryOne(context.Background(), store.Criteria{"t": "fruit"}, nil)
	assert.Equal(t, 53, fruit["total_q"])
}
