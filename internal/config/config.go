// Package config loads and validates the kernel's configuration. It
// never reads process state or files directly beyond the single
// configuration file path it is handed — the CLI/flag surface is an
// external collaborator per spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// WALSyncMode controls how aggressively the Γ log flushes to disk.
type WALSyncMode string

const (
	SyncImmediate WALSyncMode = "immediate" // fsync per write
	SyncBatch     WALSyncMode = "batch"     // fsync per segment
	SyncLazy      WALSyncMode = "lazy"      // OS-flushed
)

// DefaultKernelKind names the kernel used for unregistered predicates.
type DefaultKernelKind string

const (
	KernelAskSp      DefaultKernelKind = "AskSp"
	KernelCountSpGe  DefaultKernelKind = "CountSpGe"
	KernelValidateSp DefaultKernelKind = "ValidateSp"
)

// RolloutStrategy is the default promotion rollout policy for WarmSafe
// overlays.
type RolloutStrategy string

const (
	RolloutImmediate RolloutStrategy = "Immediate"
	RolloutCanary     RolloutStrategy = "Canary"
	RolloutBlueGreen  RolloutStrategy = "BlueGreen"
	RolloutABTest     RolloutStrategy = "ABTest"
)

// Config is the kernel's full configuration, per spec.md §6.
type Config struct {
	// τ: hot-path budget in ticks.
	ChatmanConstantTicks int `yaml:"chatman_constant_ticks"`
	// Scheduler period in ticks.
	BeatTicksPerCycle int `yaml:"beat_ticks_per_cycle"`
	// Wall-clock duration of one tick; drives each domain's scheduler.Clock.
	BeatTickIntervalMS int64 `yaml:"beat_tick_interval_ms"`
	// Backpressure threshold for the per-domain ring.
	RingCapacityPerDomain int `yaml:"ring_capacity_per_domain"`

	WALSyncMode     WALSyncMode `yaml:"wal_sync_mode"`
	WALSegmentBytes int64       `yaml:"wal_segment_bytes"`
	WALDirectory    string      `yaml:"wal_directory"`

	DefaultKernel DefaultKernelKind `yaml:"default_kernel"`

	MapeKIntervalMS int64 `yaml:"mape_k_interval_ms"`

	PromotionRollout struct {
		Default           RolloutStrategy `yaml:"default"`
		CanaryInitPct     float64         `yaml:"canary_init_pct"`
		CanaryStepPct     float64         `yaml:"canary_step_pct"`
		CanaryWaitSecs    int64           `yaml:"canary_wait_secs"`
		BlueGreenWaitSecs int64           `yaml:"blue_green_wait_secs"`
		ABTestPct         float64         `yaml:"ab_test_pct"`
		ABTestDurSecs     int64           `yaml:"ab_test_dur_secs"`
	} `yaml:"promotion_rollout"`

	MaxCaseVisitedNodes int `yaml:"max_case_visited_nodes"`

	// AllowColdInProduction is a safety valve; when false (the default),
	// LoadCold refuses outside debug builds per spec.md §4.D.
	AllowColdInProduction bool `yaml:"allow_cold_in_production"`

	// PatternFallbackIsError controls the Open-Question decision recorded
	// in DESIGN.md: whether an unsupported (split,join,modifier) tuple is
	// a hard error or maps to pattern 1 (patterns.Identify logs a warning
	// on the first such fallback in the process).
	PatternFallbackIsError bool `yaml:"pattern_fallback_is_error"`

	Domains []string `yaml:"domains"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig configures the OTel/Prometheus telemetry capability.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// LoadConfig reads YAML from configFile (if non-empty), applies defaults,
// applies KNHK_* environment overrides, and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configFile, err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(c *Config) {
	if c.ChatmanConstantTicks == 0 {
		c.ChatmanConstantTicks = 8
	}
	if c.BeatTicksPerCycle == 0 {
		c.BeatTicksPerCycle = 8
	}
	if c.BeatTickIntervalMS == 0 {
		c.BeatTickIntervalMS = 100
	}
	if c.RingCapacityPerDomain == 0 {
		c.RingCapacityPerDomain = 4096
	}
	if c.WALSyncMode == "" {
		c.WALSyncMode = SyncBatch
	}
	if c.WALSegmentBytes == 0 {
		c.WALSegmentBytes = 1 << 20 // 1 MiB
	}
	if c.WALDirectory == "" {
		c.WALDirectory = "/var/lib/knhkd/gamma"
	}
	if c.DefaultKernel == "" {
		c.DefaultKernel = KernelAskSp
	}
	if c.MapeKIntervalMS == 0 {
		c.MapeKIntervalMS = 5000
	}
	if c.PromotionRollout.Default == "" {
		c.PromotionRollout.Default = RolloutCanary
	}
	if c.PromotionRollout.CanaryInitPct == 0 {
		c.PromotionRollout.CanaryInitPct = 10
	}
	if c.PromotionRollout.CanaryStepPct == 0 {
		c.PromotionRollout.CanaryStepPct = 25
	}
	if c.PromotionRollout.CanaryWaitSecs == 0 {
		c.PromotionRollout.CanaryWaitSecs = 60
	}
	if c.MaxCaseVisitedNodes == 0 {
		c.MaxCaseVisitedNodes = 1000
	}
	if len(c.Domains) == 0 {
		c.Domains = []string{"default"}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "knhkd"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Telemetry.BatchTimeout == 0 {
		c.Telemetry.BatchTimeout = 5 * time.Second
	}
}

func applyEnvironmentOverrides(c *Config) {
	if v := os.Getenv("KNHK_CHATMAN_CONSTANT_TICKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChatmanConstantTicks = n
		}
	}
	if v := os.Getenv("KNHK_BEAT_TICKS_PER_CYCLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BeatTicksPerCycle = n
		}
	}
	if v := os.Getenv("KNHK_BEAT_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.BeatTickIntervalMS = n
		}
	}
	if v := os.Getenv("KNHK_RING_CAPACITY_PER_DOMAIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RingCapacityPerDomain = n
		}
	}
	if v := os.Getenv("KNHK_WAL_SYNC_MODE"); v != "" {
		c.WALSyncMode = WALSyncMode(v)
	}
	if v := os.Getenv("KNHK_WAL_DIRECTORY"); v != "" {
		c.WALDirectory = v
	}
	if v := os.Getenv("KNHK_DOMAINS"); v != "" {
		c.Domains = strings.Split(v, ",")
	}
	if v := os.Getenv("KNHK_ALLOW_COLD_IN_PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowColdInProduction = b
		}
	}
}

// ValidateConfig checks internal consistency before the kernel starts.
func ValidateConfig(c *Config) error {
	v := &validator{c: c}
	v.run()
	if len(v.errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(v.errs, "; "))
	}
	return nil
}

type validator struct {
	c    *Config
	errs []string
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) run() {
	if v.c.ChatmanConstantTicks <= 0 {
		v.fail("chatman_constant_ticks must be positive, got %d", v.c.ChatmanConstantTicks)
	}
	if v.c.BeatTicksPerCycle <= 0 {
		v.fail("beat_ticks_per_cycle must be positive, got %d", v.c.BeatTicksPerCycle)
	}
	if v.c.BeatTickIntervalMS <= 0 {
		v.fail("beat_tick_interval_ms must be positive, got %d", v.c.BeatTickIntervalMS)
	}
	if v.c.RingCapacityPerDomain <= 0 {
		v.fail("ring_capacity_per_domain must be positive, got %d", v.c.RingCapacityPerDomain)
	}
	switch v.c.WALSyncMode {
	case SyncImmediate, SyncBatch, SyncLazy:
	default:
		v.fail("wal_sync_mode %q is not one of immediate/batch/lazy", v.c.WALSyncMode)
	}
	if v.c.WALSegmentBytes <= 0 {
		v.fail("wal_segment_bytes must be positive")
	}
	switch v.c.DefaultKernel {
	case KernelAskSp, KernelCountSpGe, KernelValidateSp:
	default:
		v.fail("default_kernel %q is not a recognized kernel", v.c.DefaultKernel)
	}
	if v.c.MapeKIntervalMS <= 0 {
		v.fail("mape_k_interval_ms must be positive")
	}
	switch v.c.PromotionRollout.Default {
	case RolloutImmediate, RolloutCanary, RolloutBlueGreen, RolloutABTest:
	default:
		v.fail("promotion_rollout.default %q is not recognized", v.c.PromotionRollout.Default)
	}
	if v.c.MaxCaseVisitedNodes <= 0 {
		v.fail("max_case_visited_nodes must be positive")
	}
	if len(v.c.Domains) == 0 {
		v.fail("at least one domain must be configured")
	}
}
