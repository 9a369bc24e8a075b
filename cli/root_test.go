package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maggma.dev/runner"
)

func TestResolveMode_SingleProcessByDefault(t *testing.T) {
	mode, err := resolveMode(runner.Config{})
	require.NoError(t, err)
	assert.Equal(t, runner.ModeSingleProcess, mode)
}

func TestResolveMode_ManagerRequiresNumChunks(t *testing.T) {
	_, err := resolveMode(runner.Config{DistributedManagerURL: "ws://localhost:9000"})
	assert.Error(t, err)

	mode, err := resolveMode(runner.Config{DistributedManagerURL: "ws://localhost:9000", NumChunks: 4})
	require.NoError(t, err)
	assert.Equal(t, runner.ModeDistributedManager, mode)
}

func TestResolveMode_WorkerMode(t *testing.T) {
	mode, err := resolveMode(runner.Config{DistributedWorkerURL: "ws://localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, runner.ModeDistributedWorker, mode)
}

func TestResolveMode_ManagerAndWorkerMutuallyExclusive(t *testing.T) {
	_, err := resolveMode(runner.Config{
		DistributedManagerURL: "ws://localhost:9000",
		DistributedWorkerURL:  "ws://localhost:9001",
		NumChunks:             4,
	})
	assert.Error(t, err)
}
