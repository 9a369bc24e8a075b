package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcatStore_QueryMergesMembers(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryStore("run-a", "id", "last_updated")
	a.Seed(Document{"id": 1, "lab": "x", "last_updated": EpochTimestamp})
	b := NewMemoryStore("run-b", "id", "last_updated")
	b.Seed(Document{"id": 2, "lab": "y", "last_updated": EpochTimestamp})

	c := NewConcatStore("all-runs", a, b)
	require.NoError(t, c.Connect(ctx))

	docs, errCh := c.Query(ctx, nil, nil, []Sort{{Field: "id"}}, 0, 0)
	got := drainDocs(t, docs, errCh)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0]["id"])
	assert.Equal(t, 2, got[1]["id"])

	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcatStore_GroupByMergesAcrossMembers(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryStore("run-a", "id", "last_updated")
	a.Seed(Document{"id": 1, "lab": "x", "last_updated": EpochTimestamp})
	b := NewMemoryStore("run-b", "id", "last_updated")
	b.Seed(Document{"id": 2, "lab": "x", "last_updated": EpochTimestamp})

	c := NewConcatStore("all-runs", a, b)
	groups, err := c.GroupBy(ctx, []string{"lab"}, nil)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Members, 2)
}

func TestConcatStore_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	c := NewConcatStore("all-runs", NewMemoryStore("a", "id", "last_updated"))
	assert.Error(t, c.Update(ctx, nil, nil))
	assert.Error(t, c.RemoveDocs(ctx, nil))
	assert.Error(t, c.EnsureIndex(ctx, "id", false))
}

func TestConcatStore_LastUpdated_MaxAcrossMembers(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewMemoryStore("run-a", "id", "last_updated")
	a.Seed(Document{"id": 1, "last_updated": base})
	b := NewMemoryStore("run-b", "id", "last_updated")
	b.Seed(Document{"id": 2, "last_updated": base.Add(time.Hour)})

	c := NewConcatStore("all-runs", a, b)
	got, err := c.LastUpdated(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Hour), got)
}

func TestJoinStore_QueryMergesSecondaryFields(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore("samples", "sample_id", "last_updated")
	primary.Seed(
		Document{"sample_id": "s1", "value": 1, "last_updated": EpochTimestamp},
		Document{"sample_id": "s2", "value": 2, "last_updated": EpochTimestamp},
	)
	secondary := NewMemoryStore("metadata", "ref", "last_updated")
	secondary.Seed(Document{"ref": "s1", "operator": "alice", "last_updated": EpochTimestamp})

	j := NewJoinStore("samples-with-metadata", primary, secondary, "ref")
	require.NoError(t, j.Connect(ctx))

	doc, ok, err := j.QueryOne(ctx, Criteria{"sample_id": "s1"}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", doc["operator"])

	doc2, ok, err := j.QueryOne(ctx, Criteria{"sample_id": "s2"}, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, doc2, "operator", "s2 has no matching secondary row")
}

func TestJoinStore_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	j := NewJoinStore("joined",
		NewMemoryStore("primary", "id", "last_updated"),
		NewMemoryStore("secondary", "ref", "last_updated"),
		"ref")
	assert.Error(t, j.Update(ctx, nil, nil))
	assert.Error(t, j.RemoveDocs(ctx, nil))
	assert.Error(t, j.EnsureIndex(ctx, "id", false))
}
