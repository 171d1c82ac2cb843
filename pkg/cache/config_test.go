package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.MaxSizeBytes = 0 }, false},
		{"zero size", func(c *Config) { c.MaxSizeBytes = 0 }, true},
		{"zero ttl", func(c *Config) { c.DefaultTTL = 0 }, true},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }, true},
		{"negative top n", func(c *Config) { c.TopN = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_UnmarshalJSON(t *testing.T) {
	var cfg Config
	err := json.Unmarshal([]byte(`{"enabled":true,"max_size_bytes":2048,"default_ttl":"30s","sweep_interval":1000000000}`), &cfg)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 2048, cfg.MaxSizeBytes)
	assert.Equal(t, 30*time.Second, cfg.DefaultTTL)
	assert.Equal(t, time.Second, cfg.SweepInterval)

	err = json.Unmarshal([]byte(`{"default_ttl":"soon"}`), &cfg)
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	c, err := NewFromConfig[string](DefaultConfig())
	require.NoError(t, err)
	_, isLRU := c.(*SizedLRU[string])
	assert.True(t, isLRU)

	cfg := DefaultConfig()
	cfg.Enabled = false
	c, err = NewFromConfig[string](cfg)
	require.NoError(t, err)
	assert.False(t, c.Put("k", "v", 0))

	cfg = DefaultConfig()
	cfg.MaxSizeBytes = -1
	_, err = NewFromConfig[string](cfg)
	assert.Error(t, err)
}
