package dispatchcfg

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "direct", cfg.DefaultOutbound)
	assert.Equal(t, 32, cfg.UDPChannelCapacity)
	assert.Equal(t, 300, cfg.UDPNatIdleTimeoutSeconds)
	assert.Equal(t, 10, cfg.DialTimeoutSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverride(t *testing.T) {
	ctx := context.Background()
	lookup := envconfig.MapLookuper(map[string]string{"DISPATCHCORE_UDP_CHANNEL_CAPACITY": "64"})
	cfg, err := loadFrom(ctx, lookup)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.UDPChannelCapacity)
	assert.Equal(t, "direct", cfg.DefaultOutbound)
}
