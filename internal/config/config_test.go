package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Bridge.ChunkDurationMS != 500 {
		t.Fatalf("expected default chunk duration, got %d", cfg.Bridge.ChunkDurationMS)
	}
	if cfg.Bridge.OverrunPolicy != "drop" {
		t.Fatalf("expected default overrun policy drop, got %s", cfg.Bridge.OverrunPolicy)
	}
	if cfg.Transport.Mode != "mock" {
		t.Fatalf("expected default transport mode mock, got %s", cfg.Transport.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BRIDGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BRIDGE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BRIDGE_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BRIDGE_CHUNK_DURATION_MS", "250")
	t.Setenv("LOQA_BRIDGE_MAX_INFLIGHT", "16")
	t.Setenv("LOQA_BRIDGE_RESUME_INFLIGHT", "8")
	t.Setenv("LOQA_BRIDGE_OVERRUN_POLICY", "stall")
	t.Setenv("LOQA_BRIDGE_FAILURE_MODE", "stall")
	t.Setenv("LOQA_BRIDGE_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("LOQA_BRIDGE_TRANSPORT_MODE", "ws")
	t.Setenv("LOQA_BRIDGE_TRANSPORT_ENDPOINT", "wss://speech.example.com/v1/stream")
	t.Setenv("LOQA_BRIDGE_TRANSPORT_API_KEY", "sk-test")
	t.Setenv("LOQA_BRIDGE_JOURNAL_PATH", "./tmp.db")
	t.Setenv("LOQA_BRIDGE_JOURNAL_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bridge.ChunkDurationMS != 250 {
		t.Fatalf("expected chunk duration override, got %d", cfg.Bridge.ChunkDurationMS)
	}
	if cfg.Bridge.MaxInflight != 16 || cfg.Bridge.ResumeInflight != 8 {
		t.Fatalf("expected inflight overrides, got %d/%d", cfg.Bridge.MaxInflight, cfg.Bridge.ResumeInflight)
	}
	if cfg.Bridge.OverrunPolicy != "stall" {
		t.Fatalf("expected overrun policy override")
	}
	if cfg.Bridge.FailureMode != "stall" {
		t.Fatalf("expected failure mode override")
	}
	if cfg.Bridge.Retry.MaxAttempts != 3 {
		t.Fatalf("expected retry attempts override, got %d", cfg.Bridge.Retry.MaxAttempts)
	}
	if cfg.Transport.Mode != "ws" {
		t.Fatalf("expected transport mode override")
	}
	if cfg.Transport.Endpoint != "wss://speech.example.com/v1/stream" {
		t.Fatalf("expected endpoint override, got %s", cfg.Transport.Endpoint)
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad overrun policy", func(c *Config) { c.Bridge.OverrunPolicy = "block" }},
		{"bad failure mode", func(c *Config) { c.Bridge.FailureMode = "panic" }},
		{"resume >= max inflight", func(c *Config) { c.Bridge.ResumeInflight = c.Bridge.MaxInflight }},
		{"ring smaller than chunk", func(c *Config) { c.Bridge.RingCapacityMS = c.Bridge.ChunkDurationMS - 1 }},
		{"ws without endpoint", func(c *Config) { c.Transport.Mode = "ws"; c.Transport.Endpoint = "" }},
		{"exec without command", func(c *Config) { c.Transport.Mode = "exec"; c.Transport.Command = "" }},
		{"zero retry attempts", func(c *Config) { c.Bridge.Retry.MaxAttempts = 0 }},
		{"bad journal retention", func(c *Config) { c.Journal.RetentionMode = "forever" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
