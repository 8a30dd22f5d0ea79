package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	EventRetention time.Duration
	PollLookback   time.Duration
	PollInterval   time.Duration
	RoomTTL        time.Duration

	// ICEConfigPath optionally overrides the embedded ICE server catalog.
	ICEConfigPath string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:     ":8080",
		EventRetention: time.Hour,
		PollLookback:   10 * time.Second,
		PollInterval:   time.Second,
		RoomTTL:        24 * time.Hour,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ICEConfigPath = strings.TrimSpace(os.Getenv("ICE_CONFIG_PATH"))

	cfg.EventRetention = durationEnv("EVENT_RETENTION", cfg.EventRetention)
	cfg.PollLookback = durationEnv("POLL_LOOKBACK", cfg.PollLookback)
	cfg.PollInterval = durationEnv("POLL_INTERVAL", cfg.PollInterval)
	cfg.RoomTTL = durationEnv("ROOM_TTL", cfg.RoomTTL)

	return cfg, nil
}

// durationEnv parses a duration like "30m"; bare numbers are seconds.
func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
