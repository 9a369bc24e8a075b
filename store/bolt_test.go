package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := NewBoltStore(path, "measurements", "id", "last_updated")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestBoltStore_UpdateQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, []Document{
		{"id": "x", "lab": "a", "value": 10, "last_updated": base},
		{"id": "y", "lab": "b", "value": 20, "last_updated": base.Add(time.Hour)},
	}, nil))

	doc, ok, err := s.QueryOne(ctx, Criteria{"id": "x"}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", doc["lab"])

	// json round-trip: numbers decode as float64, and the last_updated
	// field decodes as a plain RFC3339 string, not a time.Time.
	_, isString := doc["last_updated"].(string)
	assert.True(t, isString, "bolt round-trip turns time.Time into a string")

	n, err := s.Count(ctx, Criteria{"value": Criteria{"$gt": 15}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBoltStore_GroupBy(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	require.NoError(t, s.Update(ctx, []Document{
		{"id": "x", "lab": "a", "last_updated": EpochTimestamp},
		{"id": "y", "lab": "a", "last_updated": EpochTimestamp},
		{"id": "z", "lab": "b", "last_updated": EpochTimestamp},
	}, nil))

	groups, err := s.GroupBy(ctx, []string{"lab"}, nil)
	require.NoError(t, err)
	require.Len(t, groups, 2)
}

// TestBoltStore_LastUpdated_SurvivesJSONRoundTrip proves that a time.Time
// written through Update and read back through all() is still recognized
// by LastUpdated, closing the gap where a bolt-backed last-updated field
// comes back as a string rather than a time.Time.
func TestBoltStore_LastUpdated_SurvivesJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	newest := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, []Document{
		{"id": "x", "last_updated": newest.Add(-time.Hour)},
		{"id": "y", "last_updated": newest},
	}, nil))

	got, err := s.LastUpdated(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(newest), "LastUpdated must recognize the RFC3339 string a bolt round-trip produces")
}

// TestBoltStore_NewerIn_ExhaustiveSurvivesJSONRoundTrip is the direct
// regression test for the incremental-rebuild bug: MapBuilder always calls
// NewerIn with exhaustive=true, so a BoltStore target must correctly
// recognize its own round-tripped timestamps or nothing is ever selected
// as newer.
func TestBoltStore_NewerIn_ExhaustiveSurvivesJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := openBoltStore(t)
	target := openBoltStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, source.Update(ctx, []Document{
		{"id": "x", "last_updated": base},
		{"id": "y", "last_updated": base.Add(time.Hour)},
		{"id": "z", "last_updated": base.Add(2 * time.Hour)},
	}, nil))
	require.NoError(t, target.Update(ctx, []Document{
		{"id": "x", "last_updated": base},                      // same time: not newer
		{"id": "y", "last_updated": base.Add(30 * time.Minute)}, // source is newer
		// "z" absent from target: always newer
	}, nil))

	keys, err := source.NewerIn(ctx, target, nil, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"y", "z"}, keys)
}

func TestBoltStore_RemoveDocs(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	require.NoError(t, s.Update(ctx, []Document{
		{"id": "x", "lab": "a", "last_updated": EpochTimestamp},
		{"id": "y", "lab": "b", "last_updated": EpochTimestamp},
	}, nil))
	require.NoError(t, s.RemoveDocs(ctx, Criteria{"lab": "a"}))

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBoltStore_Distinct(t *testing.T) {
	ctx := context.Background()
	s := openBoltStore(t)

	require.NoError(t, s.Update(ctx, []Document{
		{"id": "x", "lab": "a", "last_updated": EpochTimestamp},
		{"id": "y", "lab": "a", "last_updated": EpochTimestamp},
		{"id": "z", "lab": "b", "last_updated": EpochTimestamp},
	}, nil))

	labs, err := s.Distinct(ctx, "lab", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, labs)
}
