package syncq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero auto interval", func(c *Config) { c.AutoSyncInterval = 0 }},
		{"zero network interval", func(c *Config) { c.NetworkCheckInterval = 0 }},
		{"zero timeout", func(c *Config) { c.SyncTimeout = 0 }},
		{"negative throttle", func(c *Config) { c.SyncThrottleTime = -time.Second }},
		{"zero retries", func(c *Config) { c.MaxRetryCount = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero base delay", func(c *Config) { c.BaseRetryDelay = 0 }},
		{"cap below base", func(c *Config) { c.RetryDelayCap = c.BaseRetryDelay / 2 }},
		{"bad policy", func(c *Config) { c.ConflictResolution = "merge" }},
		{"empty key field", func(c *Config) { c.KeyField = " " }},
		{"brace pattern", func(c *Config) { c.PriorityTables = []string{"{a,b}"} }},
		{"bad pattern", func(c *Config) { c.PriorityTables = []string{"audit_["} }},
		{"bang negation", func(c *Config) { c.PriorityTables = []string{"audit_[!x]*"} }},
		{"escaped pattern", func(c *Config) { c.PriorityTables = []string{`audit_\*`} }},
		{"slash pattern", func(c *Config) { c.PriorityTables = []string{"audit/*"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfig_ValidatePatternsAccepted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityTables = []string{"orders", "audit/events", "audit_*", "log_[^0-9]", "log_?"}
	assert.NoError(t, cfg.Validate())
}

func TestConfigPatch_Apply(t *testing.T) {
	base := DefaultConfig()
	batch := 5
	policy := ConflictManual
	timeout := 3 * time.Second

	patched := (&ConfigPatch{
		BatchSize:          &batch,
		ConflictResolution: &policy,
		SyncTimeout:        &timeout,
		PriorityTables:     []string{"orders"},
	}).Apply(base)

	assert.Equal(t, 5, patched.BatchSize)
	assert.Equal(t, ConflictManual, patched.ConflictResolution)
	assert.Equal(t, 3*time.Second, patched.SyncTimeout)
	assert.Equal(t, []string{"orders"}, patched.PriorityTables)
	assert.Equal(t, base.AutoSyncInterval, patched.AutoSyncInterval)

	// base is untouched
	assert.Equal(t, 50, base.BatchSize)
	assert.Empty(t, base.PriorityTables)

	var nilPatch *ConfigPatch
	assert.Equal(t, base, nilPatch.Apply(base))
}

func TestConfig_EmptyPriorityTablesStayEmpty(t *testing.T) {
	base := DefaultConfig()
	require.NotNil(t, base.Clone().PriorityTables)

	base.PriorityTables = []string{"orders"}
	cleared := (&ConfigPatch{PriorityTables: []string{}}).Apply(base)
	require.NotNil(t, cleared.PriorityTables)
	assert.Empty(t, cleared.PriorityTables)
	assert.Equal(t, []string{"orders"}, base.PriorityTables)
}

func TestConfig_PatchRoundTrip(t *testing.T) {
	want := DefaultConfig()
	want.BatchSize = 7
	want.ConflictResolution = ConflictFavorRemote
	want.PriorityTables = []string{"orders"}
	want.AutoSyncInterval = time.Minute

	got := want.Patch().Apply(DefaultConfig())
	assert.Equal(t, want, got)

	// the patch does not alias want
	want.BatchSize = 9
	assert.Equal(t, 7, got.BatchSize)
}
