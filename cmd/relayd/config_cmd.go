package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/relayd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relayd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.relayd/" + defaultConfigFileName
	if dir, err := relayd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default relayd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := relayd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	InstanceID             string `yaml:"instance-id"`
	Advertise              string `yaml:"advertise"`
	KVStore                string `yaml:"kv-store"`
	KVRetryAttempts        int    `yaml:"kv-retry-attempts"`
	KVRetryBaseDelay       string `yaml:"kv-retry-base-delay"`
	KVRetryMaxDelay        string `yaml:"kv-retry-max-delay"`
	Database               string `yaml:"database"`
	HeartbeatInterval      string `yaml:"heartbeat-interval"`
	InstanceStaleness      string `yaml:"instance-staleness"`
	UpstreamLeaseTTL       string `yaml:"upstream-lease-ttl"`
	StallSweepInterval     string `yaml:"stall-sweep-interval"`
	StallMaxAge            string `yaml:"stall-max-age"`
	StallMaxResults        int    `yaml:"stall-max-results"`
	CacheTTL               string `yaml:"cache-ttl"`
	MarkerTTL              string `yaml:"marker-ttl"`
	BufferFlushInterval    string `yaml:"buffer-flush-interval"`
	BufferFlushThreshold   int    `yaml:"buffer-flush-threshold"`
	PendingExpiry          string `yaml:"pending-expiry"`
	QueueRedis             string `yaml:"queue-redis"`
	QueueName              string `yaml:"queue-name"`
	QueueBaseURL           string `yaml:"queue-base-url"`
	Deliver                bool   `yaml:"deliver"`
	DeliverConcurrency     int    `yaml:"deliver-concurrency"`
	SigningKey             string `yaml:"signing-key"`
	NextSigningKey         string `yaml:"next-signing-key"`
	PublishMaxAttempts     int    `yaml:"publish-max-attempts"`
	PublishBaseDelay       string `yaml:"publish-base-delay"`
	PublishMaxDelay        string `yaml:"publish-max-delay"`
	BreakerThreshold       int    `yaml:"breaker-threshold"`
	BreakerBaseWait        string `yaml:"breaker-base-wait"`
	BreakerMaxWait         string `yaml:"breaker-max-wait"`
	ForwardToken           string `yaml:"forward-token"`
	ForwardTimeout         string `yaml:"forward-timeout"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	cfg := relayd.DefaultConfig()
	defaults := configDefaults{
		KVStore:                cfg.KVStore,
		KVRetryAttempts:        cfg.KVRetryAttempts,
		KVRetryBaseDelay:       cfg.KVRetryBaseDelay.String(),
		KVRetryMaxDelay:        cfg.KVRetryMaxDelay.String(),
		Database:               cfg.Database,
		HeartbeatInterval:      cfg.HeartbeatInterval.String(),
		InstanceStaleness:      cfg.InstanceStaleness.String(),
		UpstreamLeaseTTL:       cfg.UpstreamLeaseTTL.String(),
		StallSweepInterval:     cfg.StallSweepInterval.String(),
		StallMaxAge:            cfg.StallMaxAge.String(),
		StallMaxResults:        cfg.StallMaxResults,
		CacheTTL:               cfg.CacheTTL.String(),
		MarkerTTL:              cfg.MarkerTTL.String(),
		BufferFlushInterval:    cfg.BufferFlushInterval.String(),
		BufferFlushThreshold:   cfg.BufferFlushThreshold,
		PendingExpiry:          cfg.PendingExpiry.String(),
		QueueName:              cfg.QueueName,
		DeliverConcurrency:     cfg.DeliverConcurrency,
		PublishMaxAttempts:     cfg.PublishMaxAttempts,
		PublishBaseDelay:       cfg.PublishBaseDelay.String(),
		PublishMaxDelay:        cfg.PublishMaxDelay.String(),
		BreakerThreshold:       cfg.BreakerThreshold,
		BreakerBaseWait:        cfg.BreakerBaseWait.String(),
		BreakerMaxWait:         cfg.BreakerMaxWait.String(),
		ForwardTimeout:         cfg.ForwardTimeout.String(),
		ShutdownTimeout:        relayd.DefaultShutdownTimeout.String(),
		MetricsListen:          relayd.DefaultMetricsListen,
		PprofListen:            relayd.DefaultPprofListen,
		EnableProfilingMetrics: false,
		LogLevel:               "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
