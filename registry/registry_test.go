package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maggma.dev/builder"
)

func TestRegistry_NewStore_Memory(t *testing.T) {
	r := New()
	RegisterDefaults(r)

	s, err := r.NewStore(StoreDescriptor{Type: "memory", Name: "docs", Key: "task_id", LastUpdated: "last_updated"})
	require.NoError(t, err)
	assert.Equal(t, "docs", s.Name())
	assert.Equal(t, "task_id", s.KeyField())
}

func TestRegistry_NewStore_UnknownTagIsConfigError(t *testing.T) {
	r := New()
	_, err := r.NewStore(StoreDescriptor{Type: "does-not-exist"})
	require.Error(t, err)
	var be *builder.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, builder.KindConfigError, be.Kind)
}

func TestRegistry_NewBuilder_UnknownTagIsConfigError(t *testing.T) {
	r := New()
	RegisterDefaults(r)

	// Builder construction from a registered tag is covered by runner's
	// TestRunner_RunSpecs_ResolvesFromRegistry; here we
	// only check that an unregistered builder tag surfaces as a
	// ConfigError before any Store is touched.
	_, err := r.NewBuilder(BuilderDescriptor{Type: "unregistered"})
	require.Error(t, err)
	var be *builder.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, builder.KindConfigError, be.Kind)
}

func TestRegistry_Default_IsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)
}

func TestRegistry_NewStore_ConcatResolvesMembers(t *testing.T) {
	r := New()
	RegisterDefaults(r)

	desc := StoreDescriptor{
		Type: "concat",
		Name: "all-runs",
		Params: map[string]any{
			"members": []any{
				map[string]any{"type": "memory", "name": "run-a", "key": "task_id", "last_updated_field": "last_updated"},
				map[string]any{"type": "memory", "name": "run-b", "key": "task_id", "last_updated_field": "last_updated"},
			},
		},
	}
	s, err := r.NewStore(desc)
	require.NoError(t, err)
	assert.Equal(t, "all-runs", s.Name())
	assert.Equal(t, "task_id", s.KeyField())

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "freshly constructed concat over empty members reports zero documents")
}

func TestRegistry_NewStore_ConcatRejectsEmptyMembers(t *testing.T) {
	r := New()
	RegisterDefaults(r)

	_, err := r.NewStore(StoreDescriptor{Type: "concat", Name: "empty"})
	require.Error(t, err)
}

func TestRegistry_NewStore_JoinRequiresParams(t *testing.T) {
	r := New()
	RegisterDefaults(r)

	_, err := r.NewStore(StoreDescriptor{Type: "join", Name: "joined"})
	require.Error(t, err)

	_, err = r.NewStore(StoreDescriptor{
		Type: "join",
		Name: "joined",
		Params: map[string]any{
			"on_field":  "task_id",
			"primary":   map[string]any{"type": "memory", "name": "primary", "key": "task_id", "last_updated_field": "last_updated"},
			"secondary": map[string]any{"type": "memory", "name": "secondary", "key": "task_id", "last_updated_field": "last_updated"},
		},
	})
	require.NoError(t, err)
}
