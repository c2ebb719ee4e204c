package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDatadogDefaultAgentHost(t *testing.T) {
	cfg := Config{
		AgentHost:   "", // Empty should use default
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := SetupDatadog(ctx, cfg)

	// Exporter creation is lazy, so an unreachable agent must not fail setup
	require.NoError(t, err)
	require.NotNil(t, shutdown)
}

func TestSetupDatadogCustomAgentHost(t *testing.T) {
	cfg := Config{
		AgentHost:   "custom-host:4318",
		Environment: "staging",
		ServiceName: "sage",
	}

	shutdown, err := SetupDatadog(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, shutdown)
}
