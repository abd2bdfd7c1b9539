// Package config loads and validates dispatch engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in configuration.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StoreConfig selects and configures the feed store.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	FeedsTable   string `mapstructure:"feeds_table"`
	EntriesTable string `mapstructure:"entries_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
}

// QueueConfig selects the dispatch queue. Subject names the stream, topic
// or in-memory queue.
type QueueConfig struct {
	Backend  string       `mapstructure:"backend"`
	Subject  string       `mapstructure:"subject"`
	Capacity int          `mapstructure:"capacity"`
	Redis    RedisConfig  `mapstructure:"redis"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// RedisConfig configures the Redis Streams queue.
type RedisConfig struct {
	URL            string `mapstructure:"url"`
	Group          string `mapstructure:"group"`
	Consumer       string `mapstructure:"consumer"`
	BlockTimeoutMs int    `mapstructure:"block_timeout_ms"`
	MaxLen         int64  `mapstructure:"max_len"`

	// ReapIntervalSeconds is how often the lease process clears entries and
	// consumers abandoned by dead workers. Zero disables the reaper.
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"`
}

// PubSubConfig configures the Pub/Sub queue.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// LeaseConfig controls the lease manager loop.
type LeaseConfig struct {
	StaleIntervalSeconds int `mapstructure:"stale_interval_seconds"`
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	ThreadsNum int `mapstructure:"threads_num"`
	// MaxRejects is how many times an undecodable message is nacked before
	// it is acknowledged and dropped.
	MaxRejects int `mapstructure:"max_rejects"`
}

// CrawlerConfig governs a single crawl.
type CrawlerConfig struct {
	UserAgent           string  `mapstructure:"user_agent"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	BulkInsertThreshold int     `mapstructure:"bulk_insert_threshold"`
	FetchFullContent    bool    `mapstructure:"fetch_full_content"`
	PageRPS             float64 `mapstructure:"page_rps"`
	PageBurst           int     `mapstructure:"page_burst"`
}

// ArchiveConfig enables raw feed archiving. An empty backend disables it.
type ArchiveConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// AuditConfig controls the similarity auditor.
type AuditConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// ProgressConfig controls the batched crawl summary log.
type ProgressConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	BufferSize           int  `mapstructure:"buffer_size"`
	FlushIntervalSeconds int  `mapstructure:"flush_interval_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("store.feeds_table", "feeds")
	v.SetDefault("store.entries_table", "entries")
	v.SetDefault("store.max_conns", 20)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.backend", BackendRedis)
	v.SetDefault("queue.subject", "RSSFEEDSQUEUE")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.group", "rss-workers")
	v.SetDefault("queue.redis.block_timeout_ms", 2000)
	v.SetDefault("queue.redis.reap_interval_seconds", 300)
	v.SetDefault("queue.pubsub.max_outstanding", 10)
	v.SetDefault("lease.stale_interval_seconds", 7200)
	v.SetDefault("lease.check_interval_seconds", 1)
	v.SetDefault("pool.threads_num", 10)
	v.SetDefault("pool.max_rejects", 3)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 Firefox/26.0")
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.bulk_insert_threshold", 1000)
	v.SetDefault("crawler.fetch_full_content", false)
	v.SetDefault("crawler.page_rps", 1.0)
	v.SetDefault("crawler.page_burst", 2)
	v.SetDefault("archive.prefix", "feeds")
	v.SetDefault("audit.threshold", 0.98)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.flush_interval_seconds", 30)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit // one flat check per setting
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}

	if c.Queue.Subject == "" {
		return fmt.Errorf("queue.subject must be set")
	}
	switch c.Queue.Backend {
	case BackendMemory:
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case BackendRedis:
		if c.Queue.Redis.URL == "" {
			return fmt.Errorf("queue.redis.url must be set for the redis queue")
		}
	case BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}

	if c.Lease.StaleIntervalSeconds <= 0 {
		return fmt.Errorf("lease.stale_interval_seconds must be > 0")
	}
	if c.Lease.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("lease.check_interval_seconds must be > 0")
	}
	if c.Pool.ThreadsNum <= 0 {
		return fmt.Errorf("pool.threads_num must be > 0")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if c.Crawler.BulkInsertThreshold <= 0 {
		return fmt.Errorf("crawler.bulk_insert_threshold must be > 0")
	}

	switch c.Archive.Backend {
	case "":
	case BackendGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	case BackendLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local archive")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}

	if c.Audit.Threshold <= 0 || c.Audit.Threshold > 1 {
		return fmt.Errorf("audit.threshold must be in (0, 1]")
	}
	if c.Progress.Enabled && c.Progress.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("progress.flush_interval_seconds must be > 0")
	}
	return nil
}

// StaleInterval is how long a lease may live before it is reclaimed.
func (c Config) StaleInterval() time.Duration {
	return time.Duration(c.Lease.StaleIntervalSeconds) * time.Second
}

// CheckInterval is the pause after a sweep that dispatched nothing.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Lease.CheckIntervalSeconds) * time.Second
}

// FetchTimeout bounds every feed and page fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// ProgressFlushInterval is the period of the crawl summary log.
func (c Config) ProgressFlushInterval() time.Duration {
	return time.Duration(c.Progress.FlushIntervalSeconds) * time.Second
}

// RedisBlockTimeout is the XREADGROUP block duration.
func (c Config) RedisBlockTimeout() time.Duration {
	return time.Duration(c.Queue.Redis.BlockTimeoutMs) * time.Millisecond
}

// RedisReapInterval is the period of the Redis pending-entry reaper.
func (c Config) RedisReapInterval() time.Duration {
	return time.Duration(c.Queue.Redis.ReapIntervalSeconds) * time.Second
}

// PubSubSubscription defaults to "<subject>-workers".
func (c Config) PubSubSubscription() string {
	if c.Queue.PubSub.Subscription != "" {
		return c.Queue.PubSub.Subscription
	}
	return c.Queue.Subject + "-workers"
}
