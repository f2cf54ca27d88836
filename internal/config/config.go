// ABOUTME: Configuration loading and parsing for coven-senses
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the default config path.
const EnvPath = "COVEN_SENSES_CONFIG"

// Config represents the complete coven-senses configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Connect  ConnectConfig  `yaml:"connect" toml:"connect"`
	Dedupe   DedupeConfig   `yaml:"dedupe" toml:"dedupe"`
	Agents   []AgentConfig  `yaml:"agents" toml:"agents"`
	Platform PlatformConfig `yaml:"platform" toml:"platform"`
	Brain    BrainConfig    `yaml:"brain" toml:"brain"`
	Ear      EarConfig      `yaml:"ear" toml:"ear"`
	Eye      EyeConfig      `yaml:"eye" toml:"eye"`
	Mouth    MouthConfig    `yaml:"mouth" toml:"mouth"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ServerConfig holds the platform's HTTP and gRPC health addresses.
// An empty address disables that server.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// DatabaseConfig holds database configuration. An empty path runs without persistence.
type DatabaseConfig struct {
	Path            string        `yaml:"path" toml:"path"`
	LedgerRetention time.Duration `yaml:"-" toml:"-"`

	LedgerRetentionRaw string `yaml:"ledger_retention" toml:"ledger_retention"`
}

// ConnectConfig bounds peer connection attempts and network waits
type ConnectConfig struct {
	MaxAttempts      int           `yaml:"max_attempts" toml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"-" toml:"-"`
	DialTimeout      time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	WriteTimeout     time.Duration `yaml:"-" toml:"-"`
	PingInterval     time.Duration `yaml:"-" toml:"-"`
	PingTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RetryDelayRaw       string `yaml:"retry_delay" toml:"retry_delay"`
	DialTimeoutRaw      string `yaml:"dial_timeout" toml:"dial_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	WriteTimeoutRaw     string `yaml:"write_timeout" toml:"write_timeout"`
	PingIntervalRaw     string `yaml:"ping_interval" toml:"ping_interval"`
	PingTimeoutRaw      string `yaml:"ping_timeout" toml:"ping_timeout"`
}

// DedupeConfig sizes the per-node window of recently dispatched message ids
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// AgentConfig is one entry of the default peer table
type AgentConfig struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
	Role string `yaml:"role" toml:"role"`
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`

	// AdvertiseHost is announced to peers in place of Host, for nodes bound to 0.0.0.0
	AdvertiseHost string `yaml:"advertise_host" toml:"advertise_host"`
}

// PlatformConfig declares which agents run in this process and in what order
// they start and stop
type PlatformConfig struct {
	StartOrder []string `yaml:"start_order" toml:"start_order"`
}

// BrainConfig configures the reasoning agent's language model
type BrainConfig struct {
	OllamaURL      string        `yaml:"ollama_url" toml:"ollama_url"`
	Models         ModelsConfig  `yaml:"models" toml:"models"`
	History        int           `yaml:"history" toml:"history"`
	RetryCount     int           `yaml:"retry_count" toml:"retry_count"`
	RetryDelay     time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw     string `yaml:"retry_delay" toml:"retry_delay"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// ModelsConfig selects the model per input kind
type ModelsConfig struct {
	Text  string `yaml:"text" toml:"text"`
	Image string `yaml:"image" toml:"image"`
	Audio string `yaml:"audio" toml:"audio"`
}

// EarConfig configures the listening agent
type EarConfig struct {
	RetryDelay time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
}

// EyeConfig configures the vision agent
type EyeConfig struct {
	FramePath        string        `yaml:"frame_path" toml:"frame_path"`
	AnalysisInterval time.Duration `yaml:"-" toml:"-"`

	AnalysisIntervalRaw string `yaml:"analysis_interval" toml:"analysis_interval"`
}

// MouthConfig configures the speaking agent. An empty command logs speech instead.
type MouthConfig struct {
	QueueSize int      `yaml:"queue_size" toml:"queue_size"`
	Command   []string `yaml:"command" toml:"command"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the standard four-agent layout on localhost.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{
			LedgerRetention: 7 * 24 * time.Hour,
		},
		Connect: ConnectConfig{
			MaxAttempts:      3,
			RetryDelay:       2 * time.Second,
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
			PingInterval:     20 * time.Second,
			PingTimeout:      10 * time.Second,
		},
		Dedupe: DedupeConfig{TTL: 5 * time.Minute, MaxSize: 100_000},
		Agents: []AgentConfig{
			{ID: "brain", Name: "Brain", Role: "brain", Host: "localhost", Port: 8010},
			{ID: "eye", Name: "Eye", Role: "vision", Host: "localhost", Port: 8011},
			{ID: "ear", Name: "Ear", Role: "audio_input", Host: "localhost", Port: 8012},
			{ID: "mouth", Name: "Mouth", Role: "audio_output", Host: "localhost", Port: 8013},
		},
		// agents claiming the microphone start before the periodic vision agent
		Platform: PlatformConfig{StartOrder: []string{"brain", "ear", "eye", "mouth"}},
		Brain: BrainConfig{
			OllamaURL:      "http://localhost:11434",
			Models:         ModelsConfig{Text: "llama3.2", Image: "llava", Audio: "llama3.2"},
			History:        10,
			RetryCount:     3,
			RetryDelay:     time.Second,
			RequestTimeout: 2 * time.Minute,
		},
		Ear:     EarConfig{RetryDelay: time.Second},
		Eye:     EyeConfig{AnalysisInterval: 10 * time.Second},
		Mouth:   MouthConfig{QueueSize: 32},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path on top of Default.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	defaultAgents := cfg.Agents
	defaultOrder := cfg.Platform.StartOrder
	cfg.Agents = nil
	cfg.Platform.StartOrder = nil
	if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	// the default order only names the default agents
	if cfg.Agents == nil {
		cfg.Agents = defaultAgents
		if cfg.Platform.StartOrder == nil {
			cfg.Platform.StartOrder = defaultOrder
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(content, cfg)
		return err
	}
	return yaml.Unmarshal([]byte(content), cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ResolvePath picks the config file: the explicit flag value, then
// $COVEN_SENSES_CONFIG, then $XDG_CONFIG_HOME/coven-senses/config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven-senses", "config.yaml")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Connect.MaxAttempts < 1 {
		return fmt.Errorf("connect.max_attempts must be at least 1")
	}
	if c.Connect.RetryDelay < 0 {
		return fmt.Errorf("connect.retry_delay must not be negative")
	}
	if c.Dedupe.MaxSize < 1 {
		return fmt.Errorf("dedupe.max_size must be at least 1")
	}
	if c.Dedupe.TTL <= 0 {
		return fmt.Errorf("dedupe.ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Host == "" {
			return fmt.Errorf("agents[%d] (%s): host is required", i, a.ID)
		}
		if a.Port < 1 || a.Port > 65535 {
			return fmt.Errorf("agents[%d] (%s): port %d out of range", i, a.ID, a.Port)
		}
	}

	started := make(map[string]bool, len(c.Platform.StartOrder))
	for _, id := range c.Platform.StartOrder {
		if !seen[id] {
			return fmt.Errorf("platform.start_order: %q is not in agents", id)
		}
		if started[id] {
			return fmt.Errorf("platform.start_order: %q listed twice", id)
		}
		started[id] = true
	}

	if c.Mouth.QueueSize < 1 {
		return fmt.Errorf("mouth.queue_size must be at least 1")
	}
	if c.Brain.History < 0 {
		return fmt.Errorf("brain.history must not be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// StartOrder returns the agents to run in start order. An empty
// platform.start_order runs every agent in table order.
func (c *Config) StartOrder() []string {
	if len(c.Platform.StartOrder) > 0 {
		return c.Platform.StartOrder
	}
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// Agent returns the peer table entry for id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// parseDurations converts the raw duration strings into time.Duration values.
// Fields left empty keep their defaults.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.ledger_retention", cfg.Database.LedgerRetentionRaw, &cfg.Database.LedgerRetention},
		{"connect.retry_delay", cfg.Connect.RetryDelayRaw, &cfg.Connect.RetryDelay},
		{"connect.dial_timeout", cfg.Connect.DialTimeoutRaw, &cfg.Connect.DialTimeout},
		{"connect.handshake_timeout", cfg.Connect.HandshakeTimeoutRaw, &cfg.Connect.HandshakeTimeout},
		{"connect.write_timeout", cfg.Connect.WriteTimeoutRaw, &cfg.Connect.WriteTimeout},
		{"connect.ping_interval", cfg.Connect.PingIntervalRaw, &cfg.Connect.PingInterval},
		{"connect.ping_timeout", cfg.Connect.PingTimeoutRaw, &cfg.Connect.PingTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"brain.retry_delay", cfg.Brain.RetryDelayRaw, &cfg.Brain.RetryDelay},
		{"brain.request_timeout", cfg.Brain.RequestTimeoutRaw, &cfg.Brain.RequestTimeout},
		{"ear.retry_delay", cfg.Ear.RetryDelayRaw, &cfg.Ear.RetryDelay},
		{"eye.analysis_interval", cfg.Eye.AnalysisIntervalRaw, &cfg.Eye.AnalysisInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
