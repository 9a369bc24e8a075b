package runner

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maggma.dev/builder"
	"maggma.dev/registry"
	"maggma.dev/store"
	"maggma.dev/template"
)

func seedDoubler(t *testing.T) (*store.MemoryStore, *store.MemoryStore, *template.MapBuilder) {
	t.Helper()
	src := store.NewMemoryStore("source", "name", "last_updated")
	dst := store.NewMemoryStore("target", "name", "last_updated")
	for i := 0; i < 5; i++ {
		src.Seed(store.Document{"name": fmt.Sprintf("item-%d", i), "v": i, "last_updated": store.EpochTimestamp})
	}

	b := &template.MapBuilder{
		BuilderName: "doubler",
		Unary: func(ctx context.Context, item builder.WorkItem) (map[string]any, error) {
			v, _ := item["v"].(int)
			return map[string]any{"v": v * 2}, nil
		},
	}
	b.Sources = []store.Store{src}
	b.Targets = []store.Store{dst}
	return src, dst, b
}

func TestRunner_RunSpecs_InMemoryBuilder(t *testing.T) {
	_, dst, b := seedDoubler(t)

	r := New(Config{Mode: ModeSingleProcess, NumWorkers: 2})
	err := r.RunSpecs(context.Background(), []BuilderSpec{{Builder: b}})
	require.NoError(t, err)

	n, err := dst.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRunner_RunSpecs_ResolvesFromRegistry(t *testing.T) {
	_, dst, b := seedDoubler(t)

	reg := registry.New()
	reg.RegisterBuilder("doubler-tag", func(desc registry.BuilderDescriptor, sources, targets, auxiliary []store.Store) (builder.Builder, error) {
		return b, nil
	})

	r := New(Config{Registry: reg, Mode: ModeSingleProcess, NumWorkers: 1})
	desc := registry.BuilderDescriptor{Type: "doubler-tag", Name: "doubler"}
	err := r.RunSpecs(context.Background(), []BuilderSpec{{Descriptor: &desc}})
	require.NoError(t, err)

	n, err := dst.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRunner_RunSpecs_StopsAtFirstFatalError(t *testing.T) {
	bad := &template.MapBuilder{
		BuilderName: "always-fails",
		Unary: func(ctx context.Context, item builder.WorkItem) (map[string]any, error) {
			return nil, fmt.Errorf("boom")
		},
	}
	badSrc := store.NewMemoryStore("bad-source", "name", "last_updated")
	badSrc.Seed(store.Document{"name": "x", "v": 1, "last_updated": store.EpochTimestamp})
	bad.Sources = []store.Store{badSrc}
	// A failing Unary alone is not fatal (MapBuilder writes a failed-state
	// document instead); the read-only target makes UpdateTargets fail,
	// which is.
	bad.Targets = []store.Store{store.NewConcatStore("bad-target", store.NewMemoryStore("bad-target-member", "name", "last_updated"))}

	src := store.NewMemoryStore("never-source", "name", "last_updated")
	src.Seed(store.Document{"name": "y", "v": 1, "last_updated": store.EpochTimestamp})
	never := &template.MapBuilder{
		BuilderName: "never-runs",
		Unary: func(ctx context.Context, item builder.WorkItem) (map[string]any, error) {
			return map[string]any{"v": item["v"]}, nil
		},
	}
	never.Sources = []store.Store{src}
	never.Targets = []store.Store{store.NewMemoryStore("never-target", "name", "last_updated")}

	var connected bool
	good := &connectTrackingBuilder{inner: never, connected: &connected}

	r := New(Config{Mode: ModeSingleProcess, NumWorkers: 1})
	err := r.RunSpecs(context.Background(), []BuilderSpec{
		{Builder: bad},
		{Builder: good},
	})
	require.Error(t, err)
	assert.False(t, connected, "builders after a fatal error must not run")
}

// connectTrackingBuilder wraps a *template.MapBuilder to record whether
// Connect was ever called, proving a later builder in the sequence never
// ran after an earlier one failed.
type connectTrackingBuilder struct {
	inner     *template.MapBuilder
	connected *bool
}

func (c *connectTrackingBuilder) Name() string { return c.inner.Name() }
func (c *connectTrackingBuilder) Connect(ctx context.Context) error {
	*c.connected = true
	return c.inner.Connect(ctx)
}
func (c *connectTrackingBuilder) Close(ctx context.Context) error { return c.inner.Close(ctx) }
func (c *connectTrackingBuilder) ChunkSizeOrDefault() int         { return c.inner.ChunkSizeOrDefault() }
func (c *connectTrackingBuilder) Logger() *logrus.Entry           { return c.inner.Logger() }
func (c *connectTrackingBuilder) Total(ctx context.Context) (int, bool) {
	return c.inner.Total(ctx)
}
func (c *connectTrackingBuilder) GetItems(ctx context.Context) (<-chan builder.WorkItem, <-chan error) {
	return c.inner.GetItems(ctx)
}
func (c *connectTrackingBuilder) ProcessItem(ctx context.Context, item builder.WorkItem) (builder.ProcessedItem, error) {
	return c.inner.ProcessItem(ctx, item)
}
func (c *connectTrackingBuilder) UpdateTargets(ctx context.Context, batch []builder.ProcessedItem) error {
	return c.inner.UpdateTargets(ctx, batch)
}
