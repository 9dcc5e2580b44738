package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the engine, scheduler and queue subsystems read.
// Values come from defaults, an optional YAML file and LOOM_* environment
// variables, in that precedence order.
type Config struct {
	Engine       EngineConfig       `mapstructure:"engine"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Store        StoreConfig        `mapstructure:"store"`
	Ops          OpsConfig          `mapstructure:"ops"`
	LogLevel     string             `mapstructure:"log_level"`
}

// EngineConfig tunes the workflow dispatcher and lease machinery.
type EngineConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleTick          time.Duration `mapstructure:"idle_tick"`
	BusyTick          time.Duration `mapstructure:"busy_tick"`
	ScanLimit         int           `mapstructure:"scan_limit"`
	RetryBase         time.Duration `mapstructure:"retry_base"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	DefinitionCache   int           `mapstructure:"definition_cache"`
}

// SchedulerConfig tunes cron schedule evaluation and firing.
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	DeferDelay       time.Duration `mapstructure:"defer_delay"`
}

// QueueConfig tunes the durable queue and its processor.
type QueueConfig struct {
	Name            string        `mapstructure:"name"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout"`
	ClaimBatch      int           `mapstructure:"claim_batch"`
	BaseConcurrency int           `mapstructure:"base_concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	NackBackoff     time.Duration `mapstructure:"nack_backoff"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// BackpressureConfig tunes watermark classification and stream hysteresis.
type BackpressureConfig struct {
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	AdjustmentInterval time.Duration `mapstructure:"adjustment_interval"`
	LowWatermark       int           `mapstructure:"low_watermark"`
	NormalWatermark    int           `mapstructure:"normal_watermark"`
	HighWatermark      int           `mapstructure:"high_watermark"`
	CriticalWatermark  int           `mapstructure:"critical_watermark"`
	StreamCooldown     time.Duration `mapstructure:"stream_cooldown"`
	MinStreamDuration  time.Duration `mapstructure:"min_stream_duration"`
	StopStreamDelay    time.Duration `mapstructure:"stop_stream_delay"`
	StreamBatch        int           `mapstructure:"stream_batch"`
	HighMultiplier     float64       `mapstructure:"high_multiplier"`
	CriticalMultiplier float64       `mapstructure:"critical_multiplier"`
}

// StoreConfig selects and configures the persistent store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | postgres
	DSN    string `mapstructure:"dsn"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Concurrency:       8,
			LeaseTTL:          60 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			IdleTick:          500 * time.Millisecond,
			BusyTick:          50 * time.Millisecond,
			ScanLimit:         64,
			RetryBase:         time.Second,
			RetryMultiplier:   2.0,
			RetryMax:          5 * time.Minute,
			GracePeriod:       10 * time.Second,
			DefinitionCache:   256,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			MaxConcurrency:   16,
			RecoveryInterval: 600 * time.Second,
			DeferDelay:       60 * time.Second,
		},
		Queue: QueueConfig{
			Name:            "default",
			SweepInterval:   30 * time.Second,
			ClaimTimeout:    60 * time.Second,
			ClaimBatch:      16,
			BaseConcurrency: 8,
			MaxAttempts:     3,
			NackBackoff:     5 * time.Second,
			ShutdownGrace:   30 * time.Second,
		},
		Backpressure: BackpressureConfig{
			ScanInterval:       time.Second,
			AdjustmentInterval: 5 * time.Second,
			LowWatermark:       100,
			NormalWatermark:    500,
			HighWatermark:      1000,
			CriticalWatermark:  2000,
			StreamCooldown:     30 * time.Second,
			MinStreamDuration:  10 * time.Second,
			StopStreamDelay:    5 * time.Second,
			StreamBatch:        100,
			HighMultiplier:     0.5,
			CriticalMultiplier: 0.1,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Ops: OpsConfig{
			Addr: ":9090",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from the optional YAML file at path plus LOOM_*
// environment overrides, layered over Default().
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	applyDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("engine.concurrency", cfg.Engine.Concurrency)
	v.SetDefault("engine.lease_ttl", cfg.Engine.LeaseTTL)
	v.SetDefault("engine.heartbeat_interval", cfg.Engine.HeartbeatInterval)
	v.SetDefault("engine.idle_tick", cfg.Engine.IdleTick)
	v.SetDefault("engine.busy_tick", cfg.Engine.BusyTick)
	v.SetDefault("engine.scan_limit", cfg.Engine.ScanLimit)
	v.SetDefault("engine.retry_base", cfg.Engine.RetryBase)
	v.SetDefault("engine.retry_multiplier", cfg.Engine.RetryMultiplier)
	v.SetDefault("engine.retry_max", cfg.Engine.RetryMax)
	v.SetDefault("engine.grace_period", cfg.Engine.GracePeriod)
	v.SetDefault("engine.definition_cache", cfg.Engine.DefinitionCache)
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.max_concurrency", cfg.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.recovery_interval", cfg.Scheduler.RecoveryInterval)
	v.SetDefault("scheduler.defer_delay", cfg.Scheduler.DeferDelay)
	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.sweep_interval", cfg.Queue.SweepInterval)
	v.SetDefault("queue.claim_timeout", cfg.Queue.ClaimTimeout)
	v.SetDefault("queue.claim_batch", cfg.Queue.ClaimBatch)
	v.SetDefault("queue.base_concurrency", cfg.Queue.BaseConcurrency)
	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.nack_backoff", cfg.Queue.NackBackoff)
	v.SetDefault("queue.shutdown_grace", cfg.Queue.ShutdownGrace)
	v.SetDefault("backpressure.scan_interval", cfg.Backpressure.ScanInterval)
	v.SetDefault("backpressure.adjustment_interval", cfg.Backpressure.AdjustmentInterval)
	v.SetDefault("backpressure.low_watermark", cfg.Backpressure.LowWatermark)
	v.SetDefault("backpressure.normal_watermark", cfg.Backpressure.NormalWatermark)
	v.SetDefault("backpressure.high_watermark", cfg.Backpressure.HighWatermark)
	v.SetDefault("backpressure.critical_watermark", cfg.Backpressure.CriticalWatermark)
	v.SetDefault("backpressure.stream_cooldown", cfg.Backpressure.StreamCooldown)
	v.SetDefault("backpressure.min_stream_duration", cfg.Backpressure.MinStreamDuration)
	v.SetDefault("backpressure.stop_stream_delay", cfg.Backpressure.StopStreamDelay)
	v.SetDefault("backpressure.stream_batch", cfg.Backpressure.StreamBatch)
	v.SetDefault("backpressure.high_multiplier", cfg.Backpressure.HighMultiplier)
	v.SetDefault("backpressure.critical_multiplier", cfg.Backpressure.CriticalMultiplier)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.dsn", cfg.Store.DSN)
	v.SetDefault("ops.addr", cfg.Ops.Addr)
}

// Validate rejects configurations the runtime cannot operate under.
func (c Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("config: engine.concurrency must be positive")
	}
	if c.Engine.LeaseTTL <= 0 {
		return fmt.Errorf("config: engine.lease_ttl must be positive")
	}
	if c.Engine.HeartbeatInterval <= 0 || c.Engine.HeartbeatInterval > c.Engine.LeaseTTL/3 {
		return fmt.Errorf("config: engine.heartbeat_interval must be in (0, lease_ttl/3]")
	}
	if c.Engine.RetryMultiplier < 1 {
		return fmt.Errorf("config: engine.retry_multiplier must be >= 1")
	}
	if c.Queue.BaseConcurrency <= 0 {
		return fmt.Errorf("config: queue.base_concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	bp := c.Backpressure
	if !(bp.LowWatermark < bp.NormalWatermark && bp.NormalWatermark < bp.HighWatermark && bp.HighWatermark < bp.CriticalWatermark) {
		return fmt.Errorf("config: watermarks must satisfy low < normal < high < critical")
	}
	if bp.HighMultiplier <= 0 || bp.HighMultiplier > 1 || bp.CriticalMultiplier <= 0 || bp.CriticalMultiplier > bp.HighMultiplier {
		return fmt.Errorf("config: concurrency multipliers must satisfy 0 < critical <= high <= 1")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}
