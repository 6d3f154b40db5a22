// Package config loads server and agent configuration from YAML files with
// environment variable overrides.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen    string        `yaml:"listen"`
	DBPath    string        `yaml:"db_path"`
	RulesFile string        `yaml:"rules_file"`
	TokenSalt string        `yaml:"token_salt"`
	Invites   InvitesConfig `yaml:"invitations"`
	Ingest    IngestConfig  `yaml:"ingestion"`
	Retry     RetryConfig   `yaml:"retry"`
	Logging   LoggingConfig `yaml:"logging"`
	Tracing   TracingConfig `yaml:"tracing"`
}

type InvitesConfig struct {
	DefaultTTLHours int `yaml:"default_ttl_hours"`
	// SweepIntervalS of 0 disables the background expiry sweep. Expiry is
	// still enforced lazily on read and redeem, so the sweep only keeps
	// listings tidy.
	SweepIntervalS int `yaml:"sweep_interval_s"`
}

type IngestConfig struct {
	// ClockSkewS is how far into the future an agent-reported scan
	// timestamp may lie before it is rejected.
	ClockSkewS    int `yaml:"clock_skew_s"`
	RateLimit     int `yaml:"rate_limit_per_minute"`
	BacklogSweepS int `yaml:"backlog_sweep_s"`
}

type RetryConfig struct {
	InitialMs   int `yaml:"initial_ms"`
	MaxMs       int `yaml:"max_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

type AgentConfig struct {
	Server    AgentServerConfig    `yaml:"server"`
	Reporting AgentReportingConfig `yaml:"reporting"`
	Logging   LoggingConfig        `yaml:"logging"`
}

type AgentServerConfig struct {
	URL             string      `yaml:"url"`
	EnrollToken     string      `yaml:"enroll_token"`
	EnrollTokenFile string      `yaml:"enroll_token_file"`
	StatePath       string      `yaml:"state_path"`
	RequestTimeoutS int         `yaml:"request_timeout_s"`
	Retry           RetryConfig `yaml:"retry"`
}

type AgentReportingConfig struct {
	PollIntervalS int `yaml:"poll_interval_s"`
	JitterS       int `yaml:"jitter_s"`
}

// DefaultServerConfig returns the server defaults applied before any file
// or environment override.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ":8080",
		DBPath: "fleetmon.db",
		Invites: InvitesConfig{
			DefaultTTLHours: 24 * 7,
			SweepIntervalS:  0,
		},
		Ingest: IngestConfig{
			ClockSkewS:    300,
			RateLimit:     120,
			BacklogSweepS: 30,
		},
		Retry: RetryConfig{
			InitialMs:   500,
			MaxMs:       5000,
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// LoadServer reads server config from path (a missing file is fine) and
// then applies FLEETMON_* environment overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if v := os.Getenv("FLEETMON_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLEETMON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLEETMON_RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := os.Getenv("FLEETMON_TOKEN_SALT"); v != "" {
		cfg.TokenSalt = v
	}
	if v := os.Getenv("FLEETMON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

// Validate normalizes the server config, filling defaults for out-of-range
// values and rejecting the unusable ones.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return ErrMissingListen
	}
	if c.TokenSalt == "" {
		return ErrMissingTokenSalt
	}
	if c.Invites.DefaultTTLHours <= 0 {
		c.Invites.DefaultTTLHours = 24 * 7
	}
	if c.Ingest.ClockSkewS <= 0 {
		c.Ingest.ClockSkewS = 300
	}
	if c.Ingest.BacklogSweepS <= 0 {
		c.Ingest.BacklogSweepS = 30
	}
	c.Retry.normalize()
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			URL:             "http://localhost:8080",
			StatePath:       "/var/lib/fleetmon/agent-state.yaml",
			RequestTimeoutS: 10,
			Retry: RetryConfig{
				InitialMs:   500,
				MaxMs:       5000,
				MaxAttempts: 5,
			},
		},
		Reporting: AgentReportingConfig{
			PollIntervalS: 60,
			JitterS:       10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadAgent reads agent config from path with environment overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if v := os.Getenv("FLEETMON_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("FLEETMON_ENROLL_TOKEN"); v != "" {
		cfg.Server.EnrollToken = v
	}
	if v := os.Getenv("FLEETMON_ENROLL_TOKEN_FILE"); v != "" {
		cfg.Server.EnrollTokenFile = v
	}

	return cfg, nil
}

// Validate normalizes the agent config.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return &Error{"server URL must be http or https"}
	}
	if c.Reporting.PollIntervalS < 10 {
		return ErrInvalidPollInterval
	}
	if c.Server.RequestTimeoutS <= 0 {
		c.Server.RequestTimeoutS = 10
	}
	c.Server.Retry.normalize()
	return nil
}

func (r *RetryConfig) normalize() {
	if r.InitialMs <= 0 {
		r.InitialMs = 500
	}
	if r.MaxMs <= 0 {
		r.MaxMs = 5000
	}
	if r.MaxMs < r.InitialMs {
		r.MaxMs = r.InitialMs
	}
	if r.MaxAttempts < 0 {
		r.MaxAttempts = 0
	}
}

var (
	ErrMissingListen       = &Error{"listen address is required"}
	ErrMissingTokenSalt    = &Error{"token salt is required"}
	ErrMissingServerURL    = &Error{"server URL is required"}
	ErrInvalidPollInterval = &Error{"reporting poll interval must be >= 10s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
