package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8080" || cfg.APIAddr != ":8081" {
		t.Errorf("addresses = %s / %s", cfg.ListenAddr, cfg.APIAddr)
	}
	if cfg.ServerName == "" {
		t.Error("server name should never be empty")
	}
	if cfg.QueueExpiry != 5*time.Minute {
		t.Errorf("queue expiry = %v", cfg.QueueExpiry)
	}
	if cfg.PostgresDSN != "" {
		t.Error("postgres is opt-in and should default to empty")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("QUEUE_EXPIRY", "90s")
	t.Setenv("MOD_CRITICAL_THRESHOLD", "50")
	t.Setenv("MOD_FREQUENCY_WINDOW_MINUTES", "45.5")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr = %s", cfg.ListenAddr)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Errorf("redis addr = %s", cfg.RedisAddr)
	}
	if cfg.QueueExpiry != 90*time.Second {
		t.Errorf("queue expiry = %v", cfg.QueueExpiry)
	}
	if cfg.Moderation.CriticalThreshold != 50 {
		t.Errorf("critical threshold = %d", cfg.Moderation.CriticalThreshold)
	}
	if cfg.Moderation.FrequencyWindowMinutes != 45.5 {
		t.Errorf("frequency window = %v", cfg.Moderation.FrequencyWindowMinutes)
	}

	// Untouched values keep their defaults.
	if cfg.APIAddr != ":8081" {
		t.Errorf("api addr = %s", cfg.APIAddr)
	}
}

func TestLoad_MalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("QUEUE_EXPIRY", "ninety seconds")
	t.Setenv("MOD_VOLUME_WEIGHT", "two")

	cfg := Load()

	if cfg.QueueExpiry != 5*time.Minute {
		t.Errorf("queue expiry = %v, want default", cfg.QueueExpiry)
	}
	if cfg.Moderation.VolumeWeight != DefaultModerationPolicy().VolumeWeight {
		t.Errorf("volume weight = %d, want default", cfg.Moderation.VolumeWeight)
	}
}
