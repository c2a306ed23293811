package relayd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/relayd/internal/forward"
	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/publisher"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/tasks"
)

const (
	// DefaultKVStore selects the in-process KV store.
	DefaultKVStore = "mem://"
	// DefaultDatabase is a shared in-memory SQLite database.
	DefaultDatabase = "file:relayd?mode=memory&cache=shared"
	// DefaultHeartbeatInterval controls how often the instance record is
	// refreshed and the cluster activity count recomputed.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultInstanceStaleness is how long a heartbeat counts as live.
	DefaultInstanceStaleness = lockmgr.DefaultStaleness
	// DefaultUpstreamLeaseTTL is the lifetime of the upstream lease.
	DefaultUpstreamLeaseTTL = 30 * time.Second
	// DefaultStallSweepInterval is the cadence of the stall sweep.
	DefaultStallSweepInterval = time.Minute
	// DefaultStallMaxAge is how long an active task may sit untouched.
	DefaultStallMaxAge = 10 * time.Minute
	// DefaultKVRetryAttempts bounds retries of transient KV failures.
	DefaultKVRetryAttempts = 3
	// DefaultKVRetryBaseDelay is the first KV retry delay.
	DefaultKVRetryBaseDelay = 50 * time.Millisecond
	// DefaultKVRetryMaxDelay caps KV retry delays.
	DefaultKVRetryMaxDelay = 2 * time.Second
	// DefaultDeliverConcurrency is the asynq worker count when delivering.
	DefaultDeliverConcurrency = 10
	// DefaultShutdownTimeout bounds Shutdown when the caller passes no deadline.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultMetricsListen disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables pprof.
	DefaultPprofListen = ""
)

// Config captures everything a Coordinator needs.
type Config struct {
	// InstanceID names this instance; generated when empty.
	InstanceID string
	// AdvertiseAddress is published in the instance record so followers can
	// forward to the leader.
	AdvertiseAddress string

	KVStore          string
	KVRetryAttempts  int
	KVRetryBaseDelay time.Duration
	KVRetryMaxDelay  time.Duration
	Database         string

	HeartbeatInterval  time.Duration
	InstanceStaleness  time.Duration
	UpstreamLeaseTTL   time.Duration
	StallSweepInterval time.Duration
	StallMaxAge        time.Duration
	StallMaxResults    int

	CacheTTL             time.Duration
	MarkerTTL            time.Duration
	BufferFlushInterval  time.Duration
	BufferFlushThreshold int
	PendingExpiry        time.Duration

	// QueueRedis is a redis:// URL for the asynq queue; empty runs the
	// publisher in degraded mode.
	QueueRedis         string
	QueueName          string
	QueueBaseURL       string
	Deliver            bool
	DeliverConcurrency int
	SigningKey         string
	NextSigningKey     string

	PublishMaxAttempts int
	PublishBaseDelay   time.Duration
	PublishMaxDelay    time.Duration

	BreakerThreshold int
	BreakerBaseWait  time.Duration
	BreakerMaxWait   time.Duration

	ForwardToken   string
	ForwardTimeout time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.InstanceID = strings.TrimSpace(c.InstanceID)
	c.AdvertiseAddress = strings.TrimSpace(c.AdvertiseAddress)
	if c.KVStore == "" {
		c.KVStore = DefaultKVStore
	}
	if _, err := kvScheme(c.KVStore); err != nil {
		return err
	}
	if c.KVRetryAttempts <= 0 {
		c.KVRetryAttempts = DefaultKVRetryAttempts
	}
	if c.KVRetryBaseDelay <= 0 {
		c.KVRetryBaseDelay = DefaultKVRetryBaseDelay
	}
	if c.KVRetryMaxDelay <= 0 {
		c.KVRetryMaxDelay = DefaultKVRetryMaxDelay
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InstanceStaleness <= 0 {
		c.InstanceStaleness = DefaultInstanceStaleness
	}
	if c.InstanceStaleness <= c.HeartbeatInterval {
		return fmt.Errorf("config: instance staleness %s must exceed heartbeat interval %s", c.InstanceStaleness, c.HeartbeatInterval)
	}
	if c.UpstreamLeaseTTL <= 0 {
		c.UpstreamLeaseTTL = DefaultUpstreamLeaseTTL
	}
	if c.UpstreamLeaseTTL < time.Second {
		return fmt.Errorf("config: upstream lease ttl must be at least 1s")
	}
	if c.StallSweepInterval <= 0 {
		c.StallSweepInterval = DefaultStallSweepInterval
	}
	if c.StallMaxAge <= 0 {
		c.StallMaxAge = DefaultStallMaxAge
	}
	if c.StallMaxResults < 0 {
		return fmt.Errorf("config: stall max results must be >= 0")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = tasks.DefaultCacheTTL
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = tasks.DefaultMarkerTTL
	}
	if c.BufferFlushInterval <= 0 {
		c.BufferFlushInterval = tasks.DefaultFlushInterval
	}
	if c.BufferFlushThreshold <= 0 {
		c.BufferFlushThreshold = tasks.DefaultFlushThreshold
	}
	if c.PendingExpiry <= 0 {
		c.PendingExpiry = tasks.DefaultPendingExpiry
	}
	c.QueueRedis = strings.TrimSpace(c.QueueRedis)
	if c.QueueRedis != "" {
		u, err := url.Parse(c.QueueRedis)
		if err != nil {
			return fmt.Errorf("config: parse queue redis url: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("config: queue redis url must use redis:// or rediss://")
		}
	} else if c.Deliver {
		return fmt.Errorf("config: deliver requires queue-redis")
	}
	if c.QueueName == "" {
		c.QueueName = publisher.DefaultQueueName
	}
	if c.DeliverConcurrency <= 0 {
		c.DeliverConcurrency = DefaultDeliverConcurrency
	}
	if c.NextSigningKey != "" && c.SigningKey == "" {
		return fmt.Errorf("config: next signing key requires a signing key")
	}
	if c.PublishMaxAttempts <= 0 {
		c.PublishMaxAttempts = reliability.DefaultMaxAttempts
	}
	if c.PublishBaseDelay <= 0 {
		c.PublishBaseDelay = reliability.DefaultBaseDelay
	}
	if c.PublishMaxDelay <= 0 {
		c.PublishMaxDelay = reliability.DefaultMaxDelay
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = reliability.DefaultFailureThreshold
	}
	if c.BreakerBaseWait <= 0 {
		c.BreakerBaseWait = reliability.DefaultBaseWait
	}
	if c.BreakerMaxWait <= 0 {
		c.BreakerMaxWait = reliability.DefaultMaxWait
	}
	if c.BreakerMaxWait < c.BreakerBaseWait {
		return fmt.Errorf("config: breaker max wait must be >= base wait")
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = forward.DefaultTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// Degraded reports whether the publisher runs without a queue.
func (c Config) Degraded() bool {
	return c.QueueRedis == ""
}

func kvScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: parse kv store url: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return "mem", nil
	case "redis", "rediss":
		return "redis", nil
	default:
		return "", fmt.Errorf("config: unsupported kv store scheme %q (use mem:// or redis://)", u.Scheme)
	}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.relayd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("RELAYD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayd"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
