// Package configfile loads engine tuning knobs from an optional
// keel.yaml file with KEEL_* environment overrides. Compiled-in
// defaults match the documented lifecycle windows, so a missing config
// file is not an error.
package configfile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the tunable windows and thresholds of the engine.
type Config struct {
	// RegressionWatchDays is the post-resolve monitoring window before
	// an issue closes.
	RegressionWatchDays int `mapstructure:"regression_watch_days"`

	// Suppression windows per inbox item type, in days.
	SuppressIssueDays     int `mapstructure:"suppress_issue_days"`
	SuppressSignalDays    int `mapstructure:"suppress_signal_days"`
	SuppressOrphanDays    int `mapstructure:"suppress_orphan_days"`
	SuppressAmbiguousDays int `mapstructure:"suppress_ambiguous_days"`

	// Surfacing threshold: an issue auto-surfaces at or above this
	// severity, or once it accumulates this much evidence below it.
	SurfaceSeverityMin   string `mapstructure:"surface_severity_min"`
	SurfaceEvidenceCount int    `mapstructure:"surface_evidence_count"`

	// Engagement heuristics.
	DeliveringCompletionPct     float64 `mapstructure:"delivering_completion_pct"`
	BlockedAfterIdleDays        int     `mapstructure:"blocked_after_idle_days"`
	CompletedAfterDeliveredDays int     `mapstructure:"completed_after_delivered_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("regression_watch_days", 90)
	v.SetDefault("suppress_issue_days", 30)
	v.SetDefault("suppress_signal_days", 30)
	v.SetDefault("suppress_orphan_days", 180)
	v.SetDefault("suppress_ambiguous_days", 90)
	v.SetDefault("surface_severity_min", "medium")
	v.SetDefault("surface_evidence_count", 3)
	v.SetDefault("delivering_completion_pct", 0.8)
	v.SetDefault("blocked_after_idle_days", 14)
	v.SetDefault("completed_after_delivered_days", 30)
}

// Default returns the compiled-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; a failure here is a programming error.
		panic(fmt.Sprintf("configfile: defaults: %v", err))
	}
	return &cfg
}

// Load reads keel.yaml from dir (if present) and applies KEEL_*
// environment overrides.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("keel")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("KEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading keel.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects windows that would break lifecycle invariants.
func (c *Config) Validate() error {
	if c.RegressionWatchDays <= 0 {
		return fmt.Errorf("regression_watch_days must be positive")
	}
	for name, days := range map[string]int{
		"suppress_issue_days":     c.SuppressIssueDays,
		"suppress_signal_days":    c.SuppressSignalDays,
		"suppress_orphan_days":    c.SuppressOrphanDays,
		"suppress_ambiguous_days": c.SuppressAmbiguousDays,
	} {
		if days <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.DeliveringCompletionPct <= 0 || c.DeliveringCompletionPct > 1 {
		return fmt.Errorf("delivering_completion_pct must be in (0, 1]")
	}
	return nil
}
