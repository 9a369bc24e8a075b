package builder

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase_Logger_DefaultsToDiscard(t *testing.T) {
	var b Base
	assert.NotNil(t, b.Logger())
}

func TestBase_SetLogger_TagsEntryWithBuilderName(t *testing.T) {
	var b Base
	root := logrus.NewEntry(logrus.New())
	b.SetLogger(root, "my-builder")

	require.NotNil(t, b.Logger())
	assert.Equal(t, "my-builder", b.Logger().Data["builder"])
}

func TestBase_SetLogger_NilClearsEntry(t *testing.T) {
	var b Base
	b.SetLogger(logrus.NewEntry(logrus.New()), "x")
	b.SetLogger(nil, "x")
	assert.NotNil(t, b.Logger(), "Logger falls back to the discard entry when Entry is nil")
}

func TestBase_ImplementsLoggable(t *testing.T) {
	var _ Loggable = &Base{}
}

func TestBase_ChunkSizeOrDefault(t *testing.T) {
	var b Base
	assert.Equal(t, DefaultChunkSize, b.ChunkSizeOrDefault())
	b.ChunkSize = 42
	assert.Equal(t, 42, b.ChunkSizeOrDefault())
}
