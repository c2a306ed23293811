package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/forward"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/publisher"
	"pkt.systems/relayd/internal/reliability"
	"pkt.systems/relayd/internal/tasks"
)

const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	gate := newLevelGate(os.Stderr, "info")
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RELAYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.TraceLevel}),
		pslog.WithEnvWriter(gate),
	).With("app", "relayd")
	cmd := newRootCommand(baseLogger, gate)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := relayd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// newRootCommand builds the relayd command tree. gate may be nil, in which
// case the log level is fixed at startup.
func newRootCommand(baseLogger pslog.Logger, gate *levelGate) *cobra.Command {
	var cfg relayd.Config

	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd coordinates stateless relay instances through a shared KV store",
		SilenceErrors: true,
		Example: `
  # Single instance, everything in memory
  relayd

  # Shared Redis KV and a persistent task database
  relayd --kv-store redis://localhost:6379/0 --database file:/var/lib/relayd/tasks.db

  # Publish through asynq and run the delivery worker in-process
  RELAYD_SIGNING_KEY=s3cr3t relayd --queue-redis redis://localhost:6379/1 --deliver
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logger := applyLogLevel(baseLogger, gate, viper.GetString("log-level"))
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to relayd", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("config.loaded", "path", configFile)
				watchLogLevel(cliLogger, gate)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			coord, err := relayd.New(cfg, relayd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := viper.GetDuration("shutdown-timeout")
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := coord.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := coord.Start(ctx); err != nil {
				return err
			}
			fields := []any{"instance", coord.InstanceID(), "leader", coord.IsLeader()}
			if addr := coord.MetricsAddr(); addr != "" {
				fields = append(fields, "metrics", addr)
			}
			cliLogger.Info("relayd.started", fields...)
			<-ctx.Done()
			cliLogger.Info("relayd.stopping")
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.relayd/"+defaultConfigFileName+")")
	persistentFlags.String("kv-store", relayd.DefaultKVStore, "KV store URL (mem:// or redis://host:port/db)")
	persistentFlags.String("database", relayd.DefaultDatabase, "SQLite DSN for the task database")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("instance-id", "", "instance identifier (generated when empty)")
	flags.String("advertise", "", "address followers use to forward to this instance when it leads")
	flags.Int("kv-retry-attempts", relayd.DefaultKVRetryAttempts, "attempts for transient KV failures")
	flags.Duration("kv-retry-base-delay", relayd.DefaultKVRetryBaseDelay, "first KV retry delay")
	flags.Duration("kv-retry-max-delay", relayd.DefaultKVRetryMaxDelay, "maximum KV retry delay")
	flags.Duration("heartbeat-interval", relayd.DefaultHeartbeatInterval, "instance heartbeat cadence")
	flags.Duration("instance-staleness", relayd.DefaultInstanceStaleness, "age after which a heartbeat no longer counts")
	flags.Duration("upstream-lease-ttl", relayd.DefaultUpstreamLeaseTTL, "lifetime of the upstream leadership lease")
	flags.Duration("stall-sweep-interval", relayd.DefaultStallSweepInterval, "cadence of the stalled task sweep")
	flags.Duration("stall-max-age", relayd.DefaultStallMaxAge, "age after which an active task counts as stalled")
	flags.Int("stall-max-results", 0, "maximum stalled tasks per sweep (0 uses the upper bound)")
	flags.Duration("cache-ttl", tasks.DefaultCacheTTL, "task cache entry lifetime")
	flags.Duration("marker-ttl", tasks.DefaultMarkerTTL, "processing marker lifetime")
	flags.Duration("buffer-flush-interval", tasks.DefaultFlushInterval, "status buffer flush cadence")
	flags.Int("buffer-flush-threshold", tasks.DefaultFlushThreshold, "pending updates that trigger an early flush")
	flags.Duration("pending-expiry", tasks.DefaultPendingExpiry, "age after which unflushed updates are dropped")
	flags.String("queue-redis", "", "redis:// URL of the asynq queue (empty runs the publisher degraded)")
	flags.String("queue-name", publisher.DefaultQueueName, "asynq queue name")
	flags.String("queue-base-url", "", "base URL joined with relative publish topics")
	flags.Bool("deliver", false, "run the asynq delivery worker in this process")
	flags.Int("deliver-concurrency", relayd.DefaultDeliverConcurrency, "asynq delivery worker concurrency")
	flags.String("signing-key", "", "HMAC key used to sign and verify deliveries")
	flags.String("next-signing-key", "", "next HMAC key accepted during rotation")
	flags.Int("publish-max-attempts", reliability.DefaultMaxAttempts, "publish attempts before giving up")
	flags.Duration("publish-base-delay", reliability.DefaultBaseDelay, "first publish retry delay")
	flags.Duration("publish-max-delay", reliability.DefaultMaxDelay, "maximum publish retry delay")
	flags.Int("breaker-threshold", reliability.DefaultFailureThreshold, "consecutive transient failures that open a breaker")
	flags.Duration("breaker-base-wait", reliability.DefaultBaseWait, "first breaker open period")
	flags.Duration("breaker-max-wait", reliability.DefaultMaxWait, "maximum breaker open period")
	flags.String("forward-token", "", "bearer token sent when forwarding to the leader")
	flags.Duration("forward-timeout", forward.DefaultTimeout, "timeout for forwarding to the leader")
	flags.Duration("shutdown-timeout", relayd.DefaultShutdownTimeout, "time allowed for a graceful shutdown")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", relayd.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	flags.String("pprof-listen", relayd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("RELAYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "kv-store", "database", "log-level",
		"instance-id", "advertise", "kv-retry-attempts", "kv-retry-base-delay", "kv-retry-max-delay",
		"heartbeat-interval", "instance-staleness", "upstream-lease-ttl", "stall-sweep-interval", "stall-max-age", "stall-max-results",
		"cache-ttl", "marker-ttl", "buffer-flush-interval", "buffer-flush-threshold", "pending-expiry",
		"queue-redis", "queue-name", "queue-base-url", "deliver", "deliver-concurrency", "signing-key", "next-signing-key",
		"publish-max-attempts", "publish-base-delay", "publish-max-delay",
		"breaker-threshold", "breaker-base-wait", "breaker-max-wait",
		"forward-token", "forward-timeout", "shutdown-timeout",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newInstancesCommand(baseLogger))
	cmd.AddCommand(newTasksCommand(baseLogger))
	return cmd
}

func applyLogLevel(logger pslog.Logger, gate *levelGate, raw string) pslog.Logger {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "info"
	}
	if gate != nil {
		gate.SetLevel(raw)
		return logger
	}
	if level, ok := pslog.ParseLevel(raw); ok {
		return logger.LogLevel(level)
	}
	return logger
}

// watchLogLevel re-reads log-level whenever the config file changes.
func watchLogLevel(logger pslog.Logger, gate *levelGate) {
	if gate == nil {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := strings.TrimSpace(viper.GetString("log-level"))
		if level == "" {
			return
		}
		if !gate.SetLevel(level) {
			logger.Warn("config.reload.invalid_level", "path", e.Name, "level", level)
			return
		}
		logger.Info("config.reload", "path", e.Name, "log_level", level)
	})
	viper.WatchConfig()
}

func bindConfig(cfg *relayd.Config) error {
	cfg.InstanceID = viper.GetString("instance-id")
	cfg.AdvertiseAddress = viper.GetString("advertise")
	cfg.KVStore = viper.GetString("kv-store")
	cfg.KVRetryAttempts = viper.GetInt("kv-retry-attempts")
	cfg.KVRetryBaseDelay = viper.GetDuration("kv-retry-base-delay")
	cfg.KVRetryMaxDelay = viper.GetDuration("kv-retry-max-delay")
	cfg.Database = viper.GetString("database")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.InstanceStaleness = viper.GetDuration("instance-staleness")
	cfg.UpstreamLeaseTTL = viper.GetDuration("upstream-lease-ttl")
	cfg.StallSweepInterval = viper.GetDuration("stall-sweep-interval")
	cfg.StallMaxAge = viper.GetDuration("stall-max-age")
	cfg.StallMaxResults = viper.GetInt("stall-max-results")
	cfg.CacheTTL = viper.GetDuration("cache-ttl")
	cfg.MarkerTTL = viper.GetDuration("marker-ttl")
	cfg.BufferFlushInterval = viper.GetDuration("buffer-flush-interval")
	cfg.BufferFlushThreshold = viper.GetInt("buffer-flush-threshold")
	cfg.PendingExpiry = viper.GetDuration("pending-expiry")
	cfg.QueueRedis = viper.GetString("queue-redis")
	cfg.QueueName = viper.GetString("queue-name")
	cfg.QueueBaseURL = viper.GetString("queue-base-url")
	cfg.Deliver = viper.GetBool("deliver")
	cfg.DeliverConcurrency = viper.GetInt("deliver-concurrency")
	cfg.SigningKey = viper.GetString("signing-key")
	cfg.NextSigningKey = viper.GetString("next-signing-key")
	cfg.PublishMaxAttempts = viper.GetInt("publish-max-attempts")
	cfg.PublishBaseDelay = viper.GetDuration("publish-base-delay")
	cfg.PublishMaxDelay = viper.GetDuration("publish-max-delay")
	cfg.BreakerThreshold = viper.GetInt("breaker-threshold")
	cfg.BreakerBaseWait = viper.GetDuration("breaker-base-wait")
	cfg.BreakerMaxWait = viper.GetDuration("breaker-max-wait")
	cfg.ForwardToken = viper.GetString("forward-token")
	cfg.ForwardTimeout = viper.GetDuration("forward-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
