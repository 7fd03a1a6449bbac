package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/openmined/syncq/internal/controlplane"
	"github.com/openmined/syncq/internal/logging"
	"github.com/openmined/syncq/internal/remote"
	"github.com/openmined/syncq/internal/syncq"
)

var ErrNoDataDir = errors.New("daemon: data dir missing")

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type Config struct {
	DataDir string `mapstructure:"data_dir"`
	// InMemory keeps the queue and records in memory. Nothing survives a restart.
	InMemory bool                `mapstructure:"in_memory"`
	Sync     *syncq.Config       `mapstructure:"sync"`
	Remote   remote.Config       `mapstructure:"remote"`
	HTTP     controlplane.Config `mapstructure:"http"`
	Cache    CacheConfig         `mapstructure:"cache"`
	Log      logging.Options     `mapstructure:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Sync:   syncq.DefaultConfig(),
		Remote: remote.Config{Kind: remote.KindNone},
		HTTP: controlplane.Config{
			Addr:      "localhost:7940",
			RateLimit: "50-S",
		},
		Cache: CacheConfig{Size: 1024, TTL: 5 * time.Minute},
		Log:   logging.DefaultOptions(),
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	if c.Sync == nil {
		c.Sync = syncq.DefaultConfig()
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	return nil
}
