package zero

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicGradScaler(t *testing.T) {
	t.Run("backoff", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InitialScale = 4
		s := NewDynamicGradScaler(cfg)
		s.Update(true)
		assert.Equal(t, 2.0, s.Scale())
		s.Update(true)
		s.Update(true)
		assert.Equal(t, 1.0, s.Scale(), "never below MinScale")
		assert.Equal(t, 3, s.NumOverflows())
	})

	t.Run("hysteresis", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Hysteresis = 2
		s := NewDynamicGradScaler(cfg)
		s.Update(true)
		assert.Equal(t, cfg.InitialScale, s.Scale())
		s.Update(true)
		assert.Equal(t, cfg.InitialScale/2, s.Scale())
	})

	t.Run("growth", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InitialScale = 8
		cfg.MaxScale = 32
		cfg.GrowthInterval = 3
		s := NewDynamicGradScaler(cfg)
		for range 2 {
			s.Update(false)
		}
		assert.Equal(t, 8.0, s.Scale())
		s.Update(false)
		assert.Equal(t, 16.0, s.Scale())

		// An overflow restarts the count of clean steps.
		s.Update(false)
		s.Update(false)
		s.Update(true)
		require.Equal(t, 8.0, s.Scale())
		for range 3 {
			s.Update(false)
		}
		assert.Equal(t, 16.0, s.Scale())
		for range 9 {
			s.Update(false)
		}
		assert.Equal(t, 32.0, s.Scale(), "never above MaxScale")
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 65536.0, cfg.InitialScale)
	assert.Equal(t, 4<<20, cfg.ReduceBucketSize)
	assert.False(t, cfg.OverlapCommunication)
	assert.False(t, cfg.PartitionGrad)

	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero initial scale", func(c *Config) { c.InitialScale = 0 }},
		{"min above max", func(c *Config) { c.MinScale, c.MaxScale = 4, 2 }},
		{"initial out of bounds", func(c *Config) { c.InitialScale = 1 << 40 }},
		{"shrinking growth", func(c *Config) { c.GrowthFactor = 0.5 }},
		{"growing backoff", func(c *Config) { c.BackoffFactor = 2 }},
		{"zero interval", func(c *Config) { c.GrowthInterval = 0 }},
		{"zero hysteresis", func(c *Config) { c.Hysteresis = 0 }},
		{"tiny bucket", func(c *Config) { c.ReduceBucketSize = 2 }},
		{"negative clip", func(c *Config) { c.ClipGradNorm = -1 }},
		{"negative inflight", func(c *Config) { c.MaxInflight = -1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(&c)
			require.ErrorIs(t, c.Validate(), ErrConfiguration)
		})
	}
}
