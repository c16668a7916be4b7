// Package config loads runtime configuration from the environment. A .env
// file in the working directory is honoured when present (development
// convenience); real deployments set environment variables directly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ModerationPolicy holds the risk-scoring weights, level thresholds, and
// ban-duration ladder. These are policy constants, not algorithmic content:
// the defaults below are starting points for operators to tune, not values
// anyone has validated against real abuse data.
type ModerationPolicy struct {
	// Additive score components.
	VolumeCap              int     // reports beyond this stop adding volume score
	VolumeWeight           int     // score per report, up to VolumeCap
	SurgeWeight            int     // score per report in the last 24 hours
	WeekWeight             int     // score per report in the last 7 days
	SeriousWeight          int     // extra score per harassment / inappropriate_behavior report
	FrequencyPenalty       int     // flat penalty for rapid-fire reports
	FrequencyWindowMinutes float64 // mean inter-report interval below this counts as rapid-fire
	FrequencyMinReports    int     // minimum reports before the frequency penalty applies

	// Score thresholds mapping to medium/high/critical risk.
	MediumThreshold   int
	HighThreshold     int
	CriticalThreshold int

	// Restriction durations.
	WarningMinutes     int // cool-down carried by a warning restriction
	TempBanBaseMinutes int // temporary ban = base * cumulative report count
	TempBanMaxMinutes  int
}

// DefaultModerationPolicy returns the documented default policy.
func DefaultModerationPolicy() ModerationPolicy {
	return ModerationPolicy{
		VolumeCap:              10,
		VolumeWeight:           2,
		SurgeWeight:            3,
		WeekWeight:             1,
		SeriousWeight:          2,
		FrequencyPenalty:       5,
		FrequencyWindowMinutes: 60,
		FrequencyMinReports:    3,
		MediumThreshold:        10,
		HighThreshold:          20,
		CriticalThreshold:      30,
		WarningMinutes:         5,
		TempBanBaseMinutes:     30,
		TempBanMaxMinutes:      24 * 60,
	}
}

// Config is the full runtime configuration for the server.
type Config struct {
	ListenAddr string // WebSocket listen address
	APIAddr    string // REST API listen address
	ServerName string // instance identifier for logs

	RedisAddr   string
	NatsURL     string
	PostgresDSN string // empty disables the Postgres moderation stores

	QueueExpiry       time.Duration // how long an unmatched queue entry lives
	WaitEstimateFloor time.Duration // base unit of the wait-time estimate
	JoinDebounce      time.Duration // window for batching simultaneous joins
	SessionRetention  time.Duration // how long an ended-but-uncleaned session may linger
	SessionMaxAge     time.Duration // absolute cap on session lifetime
	SweepInterval     time.Duration

	Moderation ModerationPolicy
}

// Default returns the built-in configuration.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "ventline-1"
	}
	return Config{
		ListenAddr:        ":8080",
		APIAddr:           ":8081",
		ServerName:        name,
		RedisAddr:         "localhost:6379",
		NatsURL:           "nats://localhost:4222",
		PostgresDSN:       "",
		QueueExpiry:       5 * time.Minute,
		WaitEstimateFloor: 30 * time.Second,
		JoinDebounce:      50 * time.Millisecond,
		SessionRetention:  5 * time.Minute,
		SessionMaxAge:     2 * time.Hour,
		SweepInterval:     30 * time.Second,
		Moderation:        DefaultModerationPolicy(),
	}
}

// Load builds the configuration from defaults, an optional .env file, and
// environment variables, in increasing precedence.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()
	envStr("LISTEN_ADDR", &cfg.ListenAddr)
	envStr("API_ADDR", &cfg.APIAddr)
	envStr("SERVER_NAME", &cfg.ServerName)
	envStr("REDIS_ADDR", &cfg.RedisAddr)
	envStr("NATS_URL", &cfg.NatsURL)
	envStr("POSTGRES_DSN", &cfg.PostgresDSN)

	envDur("QUEUE_EXPIRY", &cfg.QueueExpiry)
	envDur("WAIT_ESTIMATE_FLOOR", &cfg.WaitEstimateFloor)
	envDur("JOIN_DEBOUNCE", &cfg.JoinDebounce)
	envDur("SESSION_RETENTION", &cfg.SessionRetention)
	envDur("SESSION_MAX_AGE", &cfg.SessionMaxAge)
	envDur("SWEEP_INTERVAL", &cfg.SweepInterval)

	m := &cfg.Moderation
	envInt("MOD_VOLUME_CAP", &m.VolumeCap)
	envInt("MOD_VOLUME_WEIGHT", &m.VolumeWeight)
	envInt("MOD_SURGE_WEIGHT", &m.SurgeWeight)
	envInt("MOD_WEEK_WEIGHT", &m.WeekWeight)
	envInt("MOD_SERIOUS_WEIGHT", &m.SeriousWeight)
	envInt("MOD_FREQUENCY_PENALTY", &m.FrequencyPenalty)
	envFloat("MOD_FREQUENCY_WINDOW_MINUTES", &m.FrequencyWindowMinutes)
	envInt("MOD_FREQUENCY_MIN_REPORTS", &m.FrequencyMinReports)
	envInt("MOD_MEDIUM_THRESHOLD", &m.MediumThreshold)
	envInt("MOD_HIGH_THRESHOLD", &m.HighThreshold)
	envInt("MOD_CRITICAL_THRESHOLD", &m.CriticalThreshold)
	envInt("MOD_WARNING_MINUTES", &m.WarningMinutes)
	envInt("MOD_TEMP_BAN_BASE_MINUTES", &m.TempBanBaseMinutes)
	envInt("MOD_TEMP_BAN_MAX_MINUTES", &m.TempBanMaxMinutes)

	return cfg
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
