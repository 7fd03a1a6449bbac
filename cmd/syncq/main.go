package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/openmined/syncq/internal/daemon"
	"github.com/openmined/syncq/internal/logging"
	"github.com/openmined/syncq/internal/version"
	"github.com/openmined/syncq/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	defaultDataDir = filepath.Join(home, ".syncq")
	configFileName = "config"
	envPrefix      = "SYNCQ"
)

var rootCmd = &cobra.Command{
	Use:     "syncq",
	Short:   "Offline-first mutation sync daemon",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", defaultDataDir, "Data directory for the queue, records and logs")
	rootCmd.Flags().StringP("http-addr", "a", daemon.DefaultConfig().HTTP.Addr, "Control plane listen address")
	rootCmd.Flags().String("http-token", "", "Bearer token required by the control plane")
	rootCmd.Flags().String("remote", "none", "Remote kind: none, http or s3")
	rootCmd.Flags().String("remote-url", "", "Base URL of the HTTP remote")
	rootCmd.Flags().Bool("in-memory", false, "Keep the queue in memory")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.Flags().StringP("config", "c", "", "Config file (default <datadir>/config.yaml)")
}

func main() {
	// console only until the daemon knows where its log file lives
	logging.Setup(logging.Options{Level: "info"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfg *daemon.Config) error {
	if cfg.Log.File == "" && !cfg.InMemory {
		ws, err := workspace.New(cfg.DataDir)
		if err != nil {
			return err
		}
		cfg.Log.File = ws.LogFile
	}
	logger := logging.Setup(cfg.Log)
	defer logger.Close()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			next, err := unmarshalConfig()
			if err != nil {
				slog.Error("config reload", "path", e.Name, "error", err)
				return
			}
			if err := d.Reload(next); err != nil {
				slog.Error("config reload", "path", e.Name, "error", err)
				return
			}
			logger.SetLevel(logging.ParseLevel(next.Log.Level))
			slog.Info("config reloaded", "path", e.Name, "op", e.Op.String())
		})
		viper.WatchConfig()
	}

	defer slog.Info("Bye!")
	return d.Start(ctx)
}

// loadConfig resolves the daemon config from flags, SYNCQ_* environment variables
// (a .env file in the working directory is honored), the config file and defaults,
// in that order of precedence.
func loadConfig(cmd *cobra.Command) (*daemon.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("dotenv: %w", err)
	}

	setDefaults(daemon.DefaultConfig())

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindFlag(cmd, "data_dir", "datadir")
	bindFlag(cmd, "http.addr", "http-addr")
	bindFlag(cmd, "http.token", "http-token")
	bindFlag(cmd, "remote.kind", "remote")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "in_memory", "in-memory")
	bindFlag(cmd, "log.level", "log-level")

	if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
		viper.SetConfigFile(f.Value.String())
	} else {
		viper.AddConfigPath(viper.GetString("data_dir"))
		viper.AddConfigPath(filepath.Join(home, ".config", "syncq"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	return unmarshalConfig()
}

func unmarshalConfig() (*daemon.Config, error) {
	cfg := daemon.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	return cfg, nil
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if f := cmd.Flags().Lookup(flag); f != nil {
		viper.BindPFlag(key, f)
	}
}

// setDefaults registers every key so that AutomaticEnv overrides reach Unmarshal.
func setDefaults(cfg *daemon.Config) {
	viper.SetDefault("data_dir", defaultDataDir)
	viper.SetDefault("in_memory", cfg.InMemory)

	s := cfg.Sync
	viper.SetDefault("sync.auto_sync_interval", s.AutoSyncInterval)
	viper.SetDefault("sync.max_retry_count", s.MaxRetryCount)
	viper.SetDefault("sync.batch_size", s.BatchSize)
	viper.SetDefault("sync.enable_incremental_sync", s.EnableIncrementalSync)
	viper.SetDefault("sync.enable_priority_sync", s.EnablePrioritySync)
	viper.SetDefault("sync.network_check_interval", s.NetworkCheckInterval)
	viper.SetDefault("sync.sync_throttle_time", s.SyncThrottleTime)
	viper.SetDefault("sync.sync_timeout", s.SyncTimeout)
	viper.SetDefault("sync.base_retry_delay", s.BaseRetryDelay)
	viper.SetDefault("sync.retry_delay_cap", s.RetryDelayCap)
	viper.SetDefault("sync.conflict_resolution", string(s.ConflictResolution))
	viper.SetDefault("sync.enable_compression", s.EnableCompression)
	viper.SetDefault("sync.enable_sync_logging", s.EnableSyncLogging)
	viper.SetDefault("sync.priority_tables", s.PriorityTables)
	viper.SetDefault("sync.key_field", s.KeyField)

	viper.SetDefault("remote.kind", cfg.Remote.Kind)
	viper.SetDefault("remote.url", cfg.Remote.URL)
	viper.SetDefault("remote.token", cfg.Remote.Token)
	viper.SetDefault("remote.timeout", cfg.Remote.Timeout)
	viper.SetDefault("remote.s3.bucket", cfg.Remote.S3.Bucket)
	viper.SetDefault("remote.s3.region", cfg.Remote.S3.Region)
	viper.SetDefault("remote.s3.endpoint", cfg.Remote.S3.Endpoint)
	viper.SetDefault("remote.s3.access_key", cfg.Remote.S3.AccessKey)
	viper.SetDefault("remote.s3.secret_key", cfg.Remote.S3.SecretKey)
	viper.SetDefault("remote.s3.prefix", cfg.Remote.S3.Prefix)

	viper.SetDefault("http.addr", cfg.HTTP.Addr)
	viper.SetDefault("http.token", cfg.HTTP.Token)
	viper.SetDefault("http.rate_limit", cfg.HTTP.RateLimit)

	viper.SetDefault("cache.size", cfg.Cache.Size)
	viper.SetDefault("cache.ttl", cfg.Cache.TTL)

	viper.SetDefault("log.level", cfg.Log.Level)
	viper.SetDefault("log.file", cfg.Log.File)
	viper.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	viper.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	viper.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	viper.SetDefault("log.json", cfg.Log.JSON)
}
