package controlplane

import (
	"fmt"
	"time"

	"github.com/openmined/syncq/internal/syncq"
)

// ConfigView renders durations as Go duration strings ("30s", "5m0s").
type ConfigView struct {
	AutoSyncInterval      string               `json:"autoSyncInterval"`
	MaxRetryCount         int                  `json:"maxRetryCount"`
	BatchSize             int                  `json:"batchSize"`
	EnableIncrementalSync bool                 `json:"enableIncrementalSync"`
	EnablePrioritySync    bool                 `json:"enablePrioritySync"`
	NetworkCheckInterval  string               `json:"networkCheckInterval"`
	SyncThrottleTime      string               `json:"syncThrottleTime"`
	SyncTimeout           string               `json:"syncTimeout"`
	BaseRetryDelay        string               `json:"baseRetryDelay"`
	RetryDelayCap         string               `json:"retryDelayCap"`
	ConflictResolution    syncq.ConflictPolicy `json:"conflictResolution"`
	EnableCompression     bool                 `json:"enableCompression"`
	EnableSyncLogging     bool                 `json:"enableSyncLogging"`
	PriorityTables        []string             `json:"priorityTables"`
	KeyField              string               `json:"keyField"`
}

func newConfigView(c *syncq.Config) ConfigView {
	tables := c.PriorityTables
	if tables == nil {
		tables = []string{}
	}
	return ConfigView{
		AutoSyncInterval:      c.AutoSyncInterval.String(),
		MaxRetryCount:         c.MaxRetryCount,
		BatchSize:             c.BatchSize,
		EnableIncrementalSync: c.EnableIncrementalSync,
		EnablePrioritySync:    c.EnablePrioritySync,
		NetworkCheckInterval:  c.NetworkCheckInterval.String(),
		SyncThrottleTime:      c.SyncThrottleTime.String(),
		SyncTimeout:           c.SyncTimeout.String(),
		BaseRetryDelay:        c.BaseRetryDelay.String(),
		RetryDelayCap:         c.RetryDelayCap.String(),
		ConflictResolution:    c.ConflictResolution,
		EnableCompression:     c.EnableCompression,
		EnableSyncLogging:     c.EnableSyncLogging,
		PriorityTables:        tables,
		KeyField:              c.KeyField,
	}
}

// ConfigPatchRequest is a partial config. Absent fields keep their current value.
type ConfigPatchRequest struct {
	AutoSyncInterval      *string               `json:"autoSyncInterval"`
	MaxRetryCount         *int                  `json:"maxRetryCount"`
	BatchSize             *int                  `json:"batchSize"`
	EnableIncrementalSync *bool                 `json:"enableIncrementalSync"`
	EnablePrioritySync    *bool                 `json:"enablePrioritySync"`
	NetworkCheckInterval  *string               `json:"networkCheckInterval"`
	SyncThrottleTime      *string               `json:"syncThrottleTime"`
	SyncTimeout           *string               `json:"syncTimeout"`
	BaseRetryDelay        *string               `json:"baseRetryDelay"`
	RetryDelayCap         *string               `json:"retryDelayCap"`
	ConflictResolution    *syncq.ConflictPolicy `json:"conflictResolution"`
	EnableCompression     *bool                 `json:"enableCompression"`
	EnableSyncLogging     *bool                 `json:"enableSyncLogging"`
	PriorityTables        []string              `json:"priorityTables"`
	KeyField              *string               `json:"keyField"`
}

func (r *ConfigPatchRequest) toPatch() (*syncq.ConfigPatch, error) {
	p := &syncq.ConfigPatch{
		MaxRetryCount:         r.MaxRetryCount,
		BatchSize:             r.BatchSize,
		EnableIncrementalSync: r.EnableIncrementalSync,
		EnablePrioritySync:    r.EnablePrioritySync,
		ConflictResolution:    r.ConflictResolution,
		EnableCompression:     r.EnableCompression,
		EnableSyncLogging:     r.EnableSyncLogging,
		PriorityTables:        r.PriorityTables,
		KeyField:              r.KeyField,
	}

	durations := []struct {
		name string
		src  *string
		dst  **time.Duration
	}{
		{"autoSyncInterval", r.AutoSyncInterval, &p.AutoSyncInterval},
		{"networkCheckInterval", r.NetworkCheckInterval, &p.NetworkCheckInterval},
		{"syncThrottleTime", r.SyncThrottleTime, &p.SyncThrottleTime},
		{"syncTimeout", r.SyncTimeout, &p.SyncTimeout},
		{"baseRetryDelay", r.BaseRetryDelay, &p.BaseRetryDelay},
		{"retryDelayCap", r.RetryDelayCap, &p.RetryDelayCap},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", syncq.ErrInvalidConfig, d.name, err)
		}
		*d.dst = &v
	}
	return p, nil
}
