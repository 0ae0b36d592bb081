package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("tick interval = %s, want %s", cfg.TickInterval, DefaultTickInterval)
	}
	if cfg.MovementSpeed != DefaultMovementSpeed {
		t.Fatalf("speed = %v, want %v", cfg.MovementSpeed, DefaultMovementSpeed)
	}
	if !cfg.TransitiveGrouping {
		t.Fatalf("transitive grouping should default to true")
	}
	if !cfg.HasChannel(DefaultChannelID) {
		t.Fatalf("default channel %q missing from %v", DefaultChannelID, cfg.Channels)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "TICK_INTERVAL=20ms\nCHAT_PROXIMITY_THRESHOLD=75\nTRANSITIVE_GROUPING=false\nCHANNELS=alpha, beta\nGRPC_ADDR=\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, key := range []string{"TICK_INTERVAL", "CHAT_PROXIMITY_THRESHOLD", "TRANSITIVE_GROUPING", "CHANNELS", "GRPC_ADDR"} {
		key := key
		prev, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, prev)
			} else {
				os.Unsetenv(key)
			}
		})
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickInterval != 20*time.Millisecond {
		t.Fatalf("tick interval = %s", cfg.TickInterval)
	}
	if cfg.ChatProximityThreshold != 75 {
		t.Fatalf("chat threshold = %v", cfg.ChatProximityThreshold)
	}
	if cfg.TransitiveGrouping {
		t.Fatalf("transitive grouping should be disabled")
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "alpha" || cfg.Channels[1] != "beta" {
		t.Fatalf("channels = %v", cfg.Channels)
	}
	if cfg.GRPCAddr != "" {
		t.Fatalf("empty GRPC_ADDR should disable grpc, got %q", cfg.GRPCAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, false},
		{"negative speed", func(c *Config) { c.MovementSpeed = -1 }, false},
		{"no workers", func(c *Config) { c.RelayWorkers = 0 }, false},
		{"inverted ports", func(c *Config) { c.RTCMinPort, c.RTCMaxPort = 20000, 10000 }, false},
		{"bad spawn mode", func(c *Config) { c.SpawnMode = "anywhere" }, false},
		{"no channels", func(c *Config) { c.Channels = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
