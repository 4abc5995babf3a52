// Package config loads the hot-reload runtime's configuration record
// via viper, with layered defaults, file, and environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the configuration record consumed by the core runtime.
type Config struct {
	MaxModules           int           `mapstructure:"max_modules"`
	MaxParallelJobs      int           `mapstructure:"max_parallel_jobs"`
	CacheSizeLimitBytes  int64         `mapstructure:"cache_size_limit_bytes"`
	BuildTimeout         time.Duration `mapstructure:"build_timeout_ns"`
	CheckIntervalFrames  int           `mapstructure:"check_interval_frames"`
	MaxFrameBudget       time.Duration `mapstructure:"max_frame_budget_ns"`
	AdaptiveBudgeting    bool          `mapstructure:"adaptive_budgeting"`
	BatchTimeout         time.Duration `mapstructure:"batch_timeout_ms"`
	GlobalDebounce       time.Duration `mapstructure:"global_debounce_ms"`
	MaxBatchSize         int           `mapstructure:"max_batch_size"`
	SLAMeasurementBudget time.Duration `mapstructure:"sla_measurement_budget_ns"`

	// HostMemoryGB informs the cache-size default and the worker-pool
	// memory cap; it is supplied by the host, not auto-detected (no
	// portable stdlib way to query physical RAM).
	HostMemoryGB float64 `mapstructure:"host_memory_gb"`
}

// maxModulesCeiling is the implementation-defined hard cap on MaxModules.
const maxModulesCeiling = 4096

// Default returns the runtime's built-in configuration defaults.
func Default() *Config {
	return &Config{
		MaxModules:           64,
		MaxParallelJobs:      8,
		CacheSizeLimitBytes:  0, // resolved by HostMemoryGB in Validate
		BuildTimeout:         300 * time.Second,
		CheckIntervalFrames:  60,
		MaxFrameBudget:       100 * time.Microsecond,
		AdaptiveBudgeting:    true,
		BatchTimeout:         250 * time.Millisecond,
		GlobalDebounce:       50 * time.Millisecond,
		MaxBatchSize:         256,
		SLAMeasurementBudget: 20 * time.Microsecond,
		HostMemoryGB:         8,
	}
}

// Load reads configuration from (in ascending precedence): the compiled
// defaults, an optional file at path, and environment variables
// prefixed HMR_ (e.g. HMR_MAX_PARALLEL_JOBS). path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HMR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("max_modules", def.MaxModules)
	v.SetDefault("max_parallel_jobs", def.MaxParallelJobs)
	v.SetDefault("cache_size_limit_bytes", def.CacheSizeLimitBytes)
	v.SetDefault("build_timeout_ns", def.BuildTimeout)
	v.SetDefault("check_interval_frames", def.CheckIntervalFrames)
	v.SetDefault("max_frame_budget_ns", def.MaxFrameBudget)
	v.SetDefault("adaptive_budgeting", def.AdaptiveBudgeting)
	v.SetDefault("batch_timeout_ms", def.BatchTimeout)
	v.SetDefault("global_debounce_ms", def.GlobalDebounce)
	v.SetDefault("max_batch_size", def.MaxBatchSize)
	v.SetDefault("sla_measurement_budget_ns", def.SLAMeasurementBudget)
	v.SetDefault("host_memory_gb", def.HostMemoryGB)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Validate()
	return cfg, nil
}

// Validate clamps and resolves fields that depend on other fields.
func (c *Config) Validate() {
	if c.MaxModules < 1 {
		c.MaxModules = 1
	}
	if c.MaxModules > maxModulesCeiling {
		c.MaxModules = maxModulesCeiling
	}
	if c.MaxParallelJobs < 1 {
		c.MaxParallelJobs = 1
	}
	if c.MaxParallelJobs > 64 {
		c.MaxParallelJobs = 64
	}
	if c.CacheSizeLimitBytes <= 0 {
		if c.HostMemoryGB > 8 {
			c.CacheSizeLimitBytes = 2 << 30
		} else {
			c.CacheSizeLimitBytes = 1 << 30
		}
	}
	if c.CheckIntervalFrames < 1 {
		c.CheckIntervalFrames = 1
	}
}
