package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.EventRetention != time.Hour || cfg.PollLookback != 10*time.Second {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("EVENT_RETENTION", "30m")
	t.Setenv("POLL_LOOKBACK", "15") // bare seconds
	t.Setenv("ROOM_TTL", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EventRetention != 30*time.Minute {
		t.Fatalf("EVENT_RETENTION = %v", cfg.EventRetention)
	}
	if cfg.PollLookback != 15*time.Second {
		t.Fatalf("POLL_LOOKBACK = %v", cfg.PollLookback)
	}
	if cfg.RoomTTL != 24*time.Hour {
		t.Fatalf("bogus ROOM_TTL should keep default, got %v", cfg.RoomTTL)
	}
}

func TestLoadICEServersEmbedded(t *testing.T) {
	servers, err := LoadICEServers("")
	if err != nil {
		t.Fatalf("LoadICEServers: %v", err)
	}
	if len(servers) == 0 || len(servers[0].URLs) == 0 {
		t.Fatalf("embedded catalog empty: %+v", servers)
	}
}

func TestLoadICEServersOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ice.yaml")
	data := `iceServers:
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: p
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	servers, err := LoadICEServers(path)
	if err != nil {
		t.Fatalf("LoadICEServers override: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "turn:turn.example.com:3478" || servers[0].Username != "u" {
		t.Fatalf("override not applied: %+v", servers)
	}

	if _, err := LoadICEServers(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing override should fail")
	}
}
