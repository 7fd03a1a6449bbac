package syncq

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ConflictPolicy decides what happens when the remote reports a conflict.
type ConflictPolicy string

const (
	ConflictFavorLocal  ConflictPolicy = "favor-local"
	ConflictFavorRemote ConflictPolicy = "favor-remote"
	ConflictManual      ConflictPolicy = "manual"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictFavorLocal, ConflictFavorRemote, ConflictManual:
		return true
	}
	return false
}

type Config struct {
	AutoSyncInterval      time.Duration  `json:"autoSyncInterval" mapstructure:"auto_sync_interval"`
	MaxRetryCount         int            `json:"maxRetryCount" mapstructure:"max_retry_count"`
	BatchSize             int            `json:"batchSize" mapstructure:"batch_size"`
	EnableIncrementalSync bool           `json:"enableIncrementalSync" mapstructure:"enable_incremental_sync"`
	EnablePrioritySync    bool           `json:"enablePrioritySync" mapstructure:"enable_priority_sync"`
	NetworkCheckInterval  time.Duration  `json:"networkCheckInterval" mapstructure:"network_check_interval"`
	SyncThrottleTime      time.Duration  `json:"syncThrottleTime" mapstructure:"sync_throttle_time"`
	SyncTimeout           time.Duration  `json:"syncTimeout" mapstructure:"sync_timeout"`
	BaseRetryDelay        time.Duration  `json:"baseRetryDelay" mapstructure:"base_retry_delay"`
	RetryDelayCap         time.Duration  `json:"retryDelayCap" mapstructure:"retry_delay_cap"`
	ConflictResolution    ConflictPolicy `json:"conflictResolution" mapstructure:"conflict_resolution"`
	EnableCompression     bool           `json:"enableCompression" mapstructure:"enable_compression"`
	EnableSyncLogging     bool           `json:"enableSyncLogging" mapstructure:"enable_sync_logging"`
	PriorityTables        []string       `json:"priorityTables" mapstructure:"priority_tables"`
	KeyField              string         `json:"keyField" mapstructure:"key_field"`
}

func DefaultConfig() *Config {
	return &Config{
		AutoSyncInterval:      30 * time.Second,
		MaxRetryCount:         3,
		BatchSize:             50,
		EnableIncrementalSync: true,
		EnablePrioritySync:    true,
		NetworkCheckInterval:  10 * time.Second,
		SyncThrottleTime:      time.Second,
		SyncTimeout:           time.Minute,
		BaseRetryDelay:        2 * time.Second,
		RetryDelayCap:         5 * time.Minute,
		ConflictResolution:    ConflictFavorLocal,
		EnableCompression:     false,
		EnableSyncLogging:     false,
		PriorityTables:        []string{},
		KeyField:              "id",
	}
}

func (c *Config) Validate() error {
	if c.AutoSyncInterval <= 0 {
		return fmt.Errorf("%w: autoSyncInterval must be positive", ErrInvalidConfig)
	}
	if c.NetworkCheckInterval <= 0 {
		return fmt.Errorf("%w: networkCheckInterval must be positive", ErrInvalidConfig)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("%w: syncTimeout must be positive", ErrInvalidConfig)
	}
	if c.SyncThrottleTime < 0 {
		return fmt.Errorf("%w: syncThrottleTime cannot be negative", ErrInvalidConfig)
	}
	if c.MaxRetryCount < 1 {
		return fmt.Errorf("%w: maxRetryCount must be at least 1", ErrInvalidConfig)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batchSize must be at least 1", ErrInvalidConfig)
	}
	if c.BaseRetryDelay <= 0 {
		return fmt.Errorf("%w: baseRetryDelay must be positive", ErrInvalidConfig)
	}
	if c.RetryDelayCap < c.BaseRetryDelay {
		return fmt.Errorf("%w: retryDelayCap must be >= baseRetryDelay", ErrInvalidConfig)
	}
	if !c.ConflictResolution.Valid() {
		return fmt.Errorf("%w: unknown conflictResolution %q", ErrInvalidConfig, c.ConflictResolution)
	}
	if strings.TrimSpace(c.KeyField) == "" {
		return fmt.Errorf("%w: keyField cannot be empty", ErrInvalidConfig)
	}
	for _, table := range c.PriorityTables {
		if err := validateTablePattern(table); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) Clone() *Config {
	clone := *c
	clone.PriorityTables = slices.Clone(c.PriorityTables)
	return &clone
}

func (c *Config) retryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:     c.BaseRetryDelay,
		DelayCap:      c.RetryDelayCap,
		MaxRetryCount: c.MaxRetryCount,
	}
}

// ConfigPatch is a partial Config update. Nil fields are left untouched.
type ConfigPatch struct {
	AutoSyncInterval      *time.Duration  `json:"autoSyncInterval,omitempty"`
	MaxRetryCount         *int            `json:"maxRetryCount,omitempty"`
	BatchSize             *int            `json:"batchSize,omitempty"`
	EnableIncrementalSync *bool           `json:"enableIncrementalSync,omitempty"`
	EnablePrioritySync    *bool           `json:"enablePrioritySync,omitempty"`
	NetworkCheckInterval  *time.Duration  `json:"networkCheckInterval,omitempty"`
	SyncThrottleTime      *time.Duration  `json:"syncThrottleTime,omitempty"`
	SyncTimeout           *time.Duration  `json:"syncTimeout,omitempty"`
	BaseRetryDelay        *time.Duration  `json:"baseRetryDelay,omitempty"`
	RetryDelayCap         *time.Duration  `json:"retryDelayCap,omitempty"`
	ConflictResolution    *ConflictPolicy `json:"conflictResolution,omitempty"`
	EnableCompression     *bool           `json:"enableCompression,omitempty"`
	EnableSyncLogging     *bool           `json:"enableSyncLogging,omitempty"`
	PriorityTables        []string        `json:"priorityTables,omitempty"`
	KeyField              *string         `json:"keyField,omitempty"`
}

// Apply returns a copy of c with the patch merged in.
func (p *ConfigPatch) Apply(c *Config) *Config {
	out := c.Clone()
	if p == nil {
		return out
	}
	setIf(&out.AutoSyncInterval, p.AutoSyncInterval)
	setIf(&out.MaxRetryCount, p.MaxRetryCount)
	setIf(&out.BatchSize, p.BatchSize)
	setIf(&out.EnableIncrementalSync, p.EnableIncrementalSync)
	setIf(&out.EnablePrioritySync, p.EnablePrioritySync)
	setIf(&out.NetworkCheckInterval, p.NetworkCheckInterval)
	setIf(&out.SyncThrottleTime, p.SyncThrottleTime)
	setIf(&out.SyncTimeout, p.SyncTimeout)
	setIf(&out.BaseRetryDelay, p.BaseRetryDelay)
	setIf(&out.RetryDelayCap, p.RetryDelayCap)
	setIf(&out.ConflictResolution, p.ConflictResolution)
	setIf(&out.EnableCompression, p.EnableCompression)
	setIf(&out.EnableSyncLogging, p.EnableSyncLogging)
	setIf(&out.KeyField, p.KeyField)
	if p.PriorityTables != nil {
		out.PriorityTables = slices.Clone(p.PriorityTables)
	}
	return out
}

// Patch returns a patch that sets every field to c's value. Applying it to any config
// yields a copy of c.
func (c *Config) Patch() *ConfigPatch {
	cp := c.Clone()
	return &ConfigPatch{
		AutoSyncInterval:      &cp.AutoSyncInterval,
		MaxRetryCount:         &cp.MaxRetryCount,
		BatchSize:             &cp.BatchSize,
		EnableIncrementalSync: &cp.EnableIncrementalSync,
		EnablePrioritySync:    &cp.EnablePrioritySync,
		NetworkCheckInterval:  &cp.NetworkCheckInterval,
		SyncThrottleTime:      &cp.SyncThrottleTime,
		SyncTimeout:           &cp.SyncTimeout,
		BaseRetryDelay:        &cp.BaseRetryDelay,
		RetryDelayCap:         &cp.RetryDelayCap,
		ConflictResolution:    &cp.ConflictResolution,
		EnableCompression:     &cp.EnableCompression,
		EnableSyncLogging:     &cp.EnableSyncLogging,
		PriorityTables:        append([]string{}, cp.PriorityTables...),
		KeyField:              &cp.KeyField,
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// table patterns must mean the same thing to doublestar and to SQLite GLOB:
// no brace alternation, no [!x] negation (GLOB spells it [^x]), no backslash
// escapes, and no '/' since GLOB lets '*' cross it
func validateTablePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty priority table")
	}
	if strings.ContainsAny(pattern, "{}") {
		return fmt.Errorf("priority table %q: brace alternation is not supported", pattern)
	}
	if !isPattern(pattern) {
		return nil
	}
	switch {
	case strings.Contains(pattern, "[!"):
		return fmt.Errorf("priority table %q: use [^...] to negate a class", pattern)
	case strings.Contains(pattern, `\`):
		return fmt.Errorf("priority table %q: escapes are not supported", pattern)
	case strings.Contains(pattern, "/"):
		return fmt.Errorf("priority table %q: patterns cannot contain '/'", pattern)
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("priority table %q: invalid pattern", pattern)
	}
	return nil
}
