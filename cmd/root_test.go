// cmd/root_test.go
package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfence/ThreatMapper-sub001/internal/config"
)

func TestInitializeConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	require.NoError(t, initializeConfig())

	resolved, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", resolved.Redis.URL)
	assert.Equal(t, ":8084", resolved.Server.ListenAddr)
	assert.False(t, resolved.Postgres.Enabled)
	assert.Equal(t, 5, resolved.Pathfinder.TopN)
}

func TestEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("THREATGRAPH_REDIS_URL", "redis://cache.internal:6380")
	t.Setenv("THREATGRAPH_POSTGRES_PASSWORD", "s3cret")

	require.NoError(t, initializeConfig())

	resolved, err := config.NewConfigFromViper(viper.GetViper())
	require.NoError(t, err)

	assert.Equal(t, "redis://cache.internal:6380", resolved.Redis.URL)
	assert.Equal(t, "s3cret", resolved.Postgres.Password)
}

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"], "serve command must be registered")
	assert.True(t, names["aggregate"], "aggregate command must be registered")
}
