// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: "debug"
  format: "json"

server:
  http_addr: "127.0.0.1:9000"
  grpc_addr: "127.0.0.1:9001"

database:
  path: "./senses.db"
  ledger_retention: "24h"

connect:
  max_attempts: 5
  retry_delay: "500ms"
  handshake_timeout: "3s"

agents:
  - id: brain
    role: brain
    host: 10.0.0.1
    port: 9010
  - id: mouth
    role: audio_output
    host: 0.0.0.0
    port: 9013
    advertise_host: 10.0.0.2

platform:
  start_order: [mouth, brain]

brain:
  models:
    text: "mistral"
  history: 4

mouth:
  queue_size: 8
  command: ["say", "-v", "Samantha"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:9001" {
		t.Errorf("Server.GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Database.LedgerRetention != 24*time.Hour {
		t.Errorf("Database.LedgerRetention = %v, want 24h", cfg.Database.LedgerRetention)
	}
	if cfg.Connect.MaxAttempts != 5 {
		t.Errorf("Connect.MaxAttempts = %d, want 5", cfg.Connect.MaxAttempts)
	}
	if cfg.Connect.RetryDelay != 500*time.Millisecond {
		t.Errorf("Connect.RetryDelay = %v, want 500ms", cfg.Connect.RetryDelay)
	}
	if cfg.Connect.HandshakeTimeout != 3*time.Second {
		t.Errorf("Connect.HandshakeTimeout = %v, want 3s", cfg.Connect.HandshakeTimeout)
	}
	// unspecified durations keep defaults
	if cfg.Connect.DialTimeout != 5*time.Second {
		t.Errorf("Connect.DialTimeout = %v, want default 5s", cfg.Connect.DialTimeout)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("len(Agents) = %d, want 2", len(cfg.Agents))
	}
	mouth, ok := cfg.Agent("mouth")
	if !ok || mouth.AdvertiseHost != "10.0.0.2" || mouth.Port != 9013 {
		t.Errorf("mouth agent = %+v", mouth)
	}
	if got := strings.Join(cfg.StartOrder(), ","); got != "mouth,brain" {
		t.Errorf("StartOrder() = %q", got)
	}
	if cfg.Brain.Models.Text != "mistral" || cfg.Brain.Models.Image != "llava" {
		t.Errorf("Brain.Models = %+v", cfg.Brain.Models)
	}
	if cfg.Brain.History != 4 {
		t.Errorf("Brain.History = %d, want 4", cfg.Brain.History)
	}
	if cfg.Mouth.QueueSize != 8 || len(cfg.Mouth.Command) != 3 {
		t.Errorf("Mouth = %+v", cfg.Mouth)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[logging]
level = "warn"

[connect]
max_attempts = 2
retry_delay = "1s"

[dedupe]
ttl = "1m"
max_size = 10

[[agents]]
id = "ear"
role = "audio_input"
host = "localhost"
port = 8112

[eye]
analysis_interval = "30s"
frame_path = "/tmp/frame.jpg"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Connect.MaxAttempts != 2 || cfg.Connect.RetryDelay != time.Second {
		t.Errorf("Connect = %+v", cfg.Connect)
	}
	if cfg.Dedupe.TTL != time.Minute || cfg.Dedupe.MaxSize != 10 {
		t.Errorf("Dedupe = %+v", cfg.Dedupe)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Port != 8112 {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	// no start_order: every listed agent runs
	if got := strings.Join(cfg.StartOrder(), ","); got != "ear" {
		t.Errorf("StartOrder() = %q, want ear", got)
	}
	if cfg.Eye.AnalysisInterval != 30*time.Second || cfg.Eye.FramePath != "/tmp/frame.jpg" {
		t.Errorf("Eye = %+v", cfg.Eye)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := Default()
	if cfg.Connect != def.Connect {
		t.Errorf("Connect = %+v, want %+v", cfg.Connect, def.Connect)
	}
	if len(cfg.Agents) != 4 {
		t.Errorf("len(Agents) = %d, want 4", len(cfg.Agents))
	}
	if got := strings.Join(cfg.StartOrder(), ","); got != "brain,ear,eye,mouth" {
		t.Errorf("StartOrder() = %q", got)
	}
	brain, _ := cfg.Agent("brain")
	if brain.Port != 8010 {
		t.Errorf("brain port = %d, want 8010", brain.Port)
	}
}

func TestLoad_PartialFileKeepsDeclaredStartOrder(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			content := "logging:\n  level: debug\n"
			if strings.HasSuffix(name, ".toml") {
				content = "[logging]\nlevel = \"debug\"\n"
			}
			cfg, err := Load(writeConfig(t, name, content))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			want := strings.Join(Default().StartOrder(), ",")
			if got := strings.Join(cfg.StartOrder(), ","); got != want {
				t.Errorf("StartOrder() = %q, want %q", got, want)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
			}
		})
	}
}

func TestLoad_StartOrderWithoutAgentsUsesDefaultTable(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
platform:
  start_order: [mouth, brain]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := strings.Join(cfg.StartOrder(), ","); got != "mouth,brain" {
		t.Errorf("StartOrder() = %q, want mouth,brain", got)
	}
	if len(cfg.Agents) != 4 {
		t.Errorf("len(Agents) = %d, want 4", len(cfg.Agents))
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_OLLAMA_URL", "http://gpu-box:11434")
	t.Setenv("TEST_DB_PATH", "/var/lib/senses.db")

	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_DB_PATH}"
brain:
  ollama_url: "${TEST_OLLAMA_URL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/senses.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Brain.OllamaURL != "http://gpu-box:11434" {
		t.Errorf("Brain.OllamaURL = %q", cfg.Brain.OllamaURL)
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	if got := expandEnvVars("a${COVEN_SENSES_SURELY_UNSET}b"); got != "ab" {
		t.Errorf("expandEnvVars() = %q, want ab", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v, want reading config file", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
connect:
  retry_delay: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "connect.retry_delay") {
		t.Errorf("error = %v, want it to name the field", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "agents: [unterminated")

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero attempts", func(c *Config) { c.Connect.MaxAttempts = 0 }, "max_attempts"},
		{"negative delay", func(c *Config) { c.Connect.RetryDelay = -time.Second }, "retry_delay"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"dedupe size", func(c *Config) { c.Dedupe.MaxSize = 0 }, "dedupe.max_size"},
		{"dedupe ttl", func(c *Config) { c.Dedupe.TTL = 0 }, "dedupe.ttl"},
		{"missing id", func(c *Config) { c.Agents[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *Config) { c.Agents[1].ID = "brain" }, "duplicate id"},
		{"missing host", func(c *Config) { c.Agents[0].Host = "" }, "host is required"},
		{"port range", func(c *Config) { c.Agents[0].Port = 70000 }, "out of range"},
		{"unknown start", func(c *Config) { c.Platform.StartOrder = []string{"nose"} }, "not in agents"},
		{"repeated start", func(c *Config) { c.Platform.StartOrder = []string{"brain", "brain"} }, "listed twice"},
		{"queue size", func(c *Config) { c.Mouth.QueueSize = 0 }, "mouth.queue_size"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"metrics disabled path ignored", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Path = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		t.Setenv(EnvPath, "/from/env.yaml")
		if got := ResolvePath("/from/flag.yaml"); got != "/from/flag.yaml" {
			t.Errorf("ResolvePath() = %q", got)
		}
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv(EnvPath, "/from/env.yaml")
		if got := ResolvePath(""); got != "/from/env.yaml" {
			t.Errorf("ResolvePath() = %q", got)
		}
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(EnvPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "coven-senses", "config.yaml")
		if got := ResolvePath(""); got != want {
			t.Errorf("ResolvePath() = %q, want %q", got, want)
		}
	})
}
