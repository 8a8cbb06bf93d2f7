// Package config loads server configuration from the environment via
// viper, validating that both role credentials are present before the
// composition root constructs anything downstream.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, immutable configuration for one run of
// the server. Every field here corresponds to a SYNC_-prefixed
// environment variable.
type Config struct {
	OperatorPassword string
	ViewerPassword   string
	SessionTTL       time.Duration
	Port             int
	LogLevel         string
	LogSummaryEvery  time.Duration

	VideoRoot    string
	EncoderBin   string
	ScanInterval time.Duration

	SessionSweepInterval time.Duration

	DriftLow        time.Duration
	DriftHigh       time.Duration
	MinSyncInterval time.Duration
	MaxSyncInterval time.Duration
	SyncStep        time.Duration

	RateStep        float64
	BehindThreshold time.Duration
}

// Load reads configuration from the environment (prefix SYNC_),
// applying defaults for everything except the two credentials, which
// must be set explicitly. Returns an error if either is missing; the
// composition root treats that as a fatal startup failure.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("session_ttl_ms", 604800000)
	v.SetDefault("port", 4000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_summary_interval_ms", 60000)
	v.SetDefault("video_root", "./videos")
	v.SetDefault("encoder_bin", "ffmpeg")
	v.SetDefault("scan_interval_ms", 30000)
	v.SetDefault("session_sweep_interval_ms", 3600000)
	v.SetDefault("drift_low_ms", 500)
	v.SetDefault("drift_high_ms", 1500)
	v.SetDefault("min_interval_ms", 1000)
	v.SetDefault("max_interval_ms", 1000)
	v.SetDefault("sync_step_ms", 100)
	v.SetDefault("rate_step", 0.01)
	v.SetDefault("behind_threshold_ms", -1000)

	operator := v.GetString("operator_password")
	viewer := v.GetString("viewer_password")
	if operator == "" || viewer == "" {
		return nil, fmt.Errorf("config: SYNC_OPERATOR_PASSWORD and SYNC_VIEWER_PASSWORD are required")
	}

	return &Config{
		OperatorPassword: operator,
		ViewerPassword:   viewer,
		SessionTTL:       time.Duration(v.GetInt64("session_ttl_ms")) * time.Millisecond,
		Port:             v.GetInt("port"),
		LogLevel:         v.GetString("log_level"),
		LogSummaryEvery:  time.Duration(v.GetInt64("log_summary_interval_ms")) * time.Millisecond,

		VideoRoot:    v.GetString("video_root"),
		EncoderBin:   v.GetString("encoder_bin"),
		ScanInterval: time.Duration(v.GetInt64("scan_interval_ms")) * time.Millisecond,

		SessionSweepInterval: time.Duration(v.GetInt64("session_sweep_interval_ms")) * time.Millisecond,

		DriftLow:        time.Duration(v.GetInt64("drift_low_ms")) * time.Millisecond,
		DriftHigh:       time.Duration(v.GetInt64("drift_high_ms")) * time.Millisecond,
		MinSyncInterval: time.Duration(v.GetInt64("min_interval_ms")) * time.Millisecond,
		MaxSyncInterval: time.Duration(v.GetInt64("max_interval_ms")) * time.Millisecond,
		SyncStep:        time.Duration(v.GetInt64("sync_step_ms")) * time.Millisecond,

		RateStep:        v.GetFloat64("rate_step"),
		BehindThreshold: time.Duration(v.GetInt64("behind_threshold_ms")) * time.Millisecond,
	}, nil
}
