package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

func TestValidConfigPasses(t *testing.T) {
	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateRejectsNonPositiveChatmanConstantTicks(t *testing.T) {
	c := validConfig()
	c.ChatmanConstantTicks = 0
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "chatman_constant_ticks"))
}

func TestValidateRejectsNonPositiveBeatTickIntervalMS(t *testing.T) {
	c := validConfig()
	c.BeatTickIntervalMS = -1
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "beat_tick_interval_ms"))
}

func TestValidateRejectsUnrecognizedWALSyncMode(t *testing.T) {
	c := validConfig()
	c.WALSyncMode = WALSyncMode("bogus")
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "wal_sync_mode"))
}

func TestValidateRejectsUnrecognizedDefaultKernel(t *testing.T) {
	c := validConfig()
	c.DefaultKernel = DefaultKernelKind("bogus")
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "default_kernel"))
}

func TestValidateRejectsUnrecognizedPromotionRolloutDefault(t *testing.T) {
	c := validConfig()
	c.PromotionRollout.Default = RolloutStrategy("bogus")
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "promotion_rollout.default"))
}

func TestValidateRejectsEmptyDomains(t *testing.T) {
	c := validConfig()
	c.Domains = nil
	err := ValidateConfig(c)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "domain"))
}

func TestValidateAccumulatesMultipleErrors(t *testing.T) {
	c := validConfig()
	c.ChatmanConstantTicks = 0
	c.BeatTicksPerCycle = 0
	c.MaxCaseVisitedNodes = 0
	err := ValidateConfig(c)
	assert.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "chatman_constant_ticks"))
	assert.True(t, strings.Contains(msg, "beat_ticks_per_cycle"))
	assert.True(t, strings.Contains(msg, "max_case_visited_nodes"))
}
