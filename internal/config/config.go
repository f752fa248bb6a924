// Package config provides configuration loading for faultline.
//
// Configuration comes from an optional YAML file overlaid with FAULTLINE_*
// environment variables, then defaults are applied and the result is
// validated.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/faultline/internal/sanitize"
)

// Relay modes.
const (
	RelayLocal    = "local"
	RelayNATS     = "nats"
	RelayEmbedded = "embedded"
)

// Config holds the complete faultline configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Relay         RelayConfig         `koanf:"relay"`
	Aggregator    AggregatorConfig    `koanf:"aggregator"`
	Capture       CaptureConfig       `koanf:"capture"`
	Suggest       SuggestConfig       `koanf:"suggest"`
	StackOverflow StackOverflowConfig `koanf:"stackoverflow"`
	GitHub        GitHubConfig        `koanf:"github"`
	Store         StoreConfig         `koanf:"store"`
	Browser       BrowserConfig       `koanf:"browser"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // grpc or http/protobuf
}

// RelayConfig selects and configures the event relay transport.
type RelayConfig struct {
	Mode          string `koanf:"mode"` // local, nats or embedded
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	InboxSize     int    `koanf:"inbox_size"`
	// EmbeddedPort is the port the embedded NATS server listens on. -1 picks a
	// random free port.
	EmbeddedPort int `koanf:"embedded_port"`
}

// AggregatorConfig bounds the signal buffer.
type AggregatorConfig struct {
	Capacity int `koanf:"capacity"`
}

// CaptureConfig tunes the capture agent.
type CaptureConfig struct {
	HeaderCheckDelay      Duration `koanf:"header_check_delay"`
	SlowResponseThreshold Duration `koanf:"slow_response_threshold"`
	RedactSecrets         bool     `koanf:"redact_secrets"`
	TabScope              string   `koanf:"tab_scope"`
}

// SuggestConfig tunes the suggestion fan-out.
type SuggestConfig struct {
	SourceTimeout Duration `koanf:"source_timeout"`
	MaxResults    int      `koanf:"max_results"`
	Concurrency   int      `koanf:"concurrency"`
	FeedbackLimit int      `koanf:"feedback_limit"`
}

// StackOverflowConfig configures the Q&A knowledge source.
type StackOverflowConfig struct {
	Enabled bool    `koanf:"enabled"`
	BaseURL string  `koanf:"base_url"`
	Site    string  `koanf:"site"`
	Rate    float64 `koanf:"rate"` // requests per second
	Burst   int     `koanf:"burst"`
	APIKey  Secret  `koanf:"api_key"`
}

// GitHubConfig configures the issue/code knowledge source.
type GitHubConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Token      Secret `koanf:"token"`
	BaseURL    string `koanf:"base_url"`
	CodeSearch bool   `koanf:"code_search"`
}

// StoreConfig points at the sqlite persistence file. Empty keeps feedback in
// memory only.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BrowserConfig configures the CDP browser used by `faultline watch`.
type BrowserConfig struct {
	Headless bool   `koanf:"headless"`
	Bin      string `koanf:"bin"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Capture.RedactSecrets = true
	cfg.StackOverflow.Enabled = true
	cfg.GitHub.Enabled = true
	cfg.Browser.Headless = true
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "faultline"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}

	if cfg.Relay.Mode == "" {
		cfg.Relay.Mode = RelayLocal
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Relay.SubjectPrefix == "" {
		cfg.Relay.SubjectPrefix = "faultline"
	}
	if cfg.Relay.InboxSize == 0 {
		cfg.Relay.InboxSize = 1024
	}
	if cfg.Relay.EmbeddedPort == 0 {
		cfg.Relay.EmbeddedPort = -1
	}

	if cfg.Aggregator.Capacity == 0 {
		cfg.Aggregator.Capacity = 200
	}

	if cfg.Capture.HeaderCheckDelay == 0 {
		cfg.Capture.HeaderCheckDelay = Duration(2 * time.Second)
	}
	if cfg.Capture.SlowResponseThreshold == 0 {
		cfg.Capture.SlowResponseThreshold = Duration(3 * time.Second)
	}

	if cfg.Suggest.SourceTimeout == 0 {
		cfg.Suggest.SourceTimeout = Duration(10 * time.Second)
	}
	if cfg.Suggest.MaxResults == 0 {
		cfg.Suggest.MaxResults = 10
	}
	if cfg.Suggest.Concurrency == 0 {
		cfg.Suggest.Concurrency = 4
	}
	if cfg.Suggest.FeedbackLimit == 0 {
		cfg.Suggest.FeedbackLimit = 1000
	}

	if cfg.StackOverflow.BaseURL == "" {
		cfg.StackOverflow.BaseURL = "https://api.stackexchange.com"
	}
	if cfg.StackOverflow.Site == "" {
		cfg.StackOverflow.Site = "stackoverflow"
	}
	if cfg.StackOverflow.Rate == 0 {
		cfg.StackOverflow.Rate = 1
	}
	if cfg.StackOverflow.Burst == 0 {
		cfg.StackOverflow.Burst = 5
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be 'json' or 'console', got %q", c.Observability.LogFormat)
	}
	switch c.Observability.OTLPProtocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("otlp_protocol must be 'grpc' or 'http/protobuf', got %q", c.Observability.OTLPProtocol)
	}

	switch c.Relay.Mode {
	case RelayLocal, RelayEmbedded:
	case RelayNATS:
		if _, err := url.Parse(c.Relay.URL); err != nil || c.Relay.URL == "" {
			return fmt.Errorf("relay url %q is invalid", c.Relay.URL)
		}
	default:
		return fmt.Errorf("relay mode must be one of local, nats, embedded; got %q", c.Relay.Mode)
	}
	if c.Relay.InboxSize < 1 {
		return fmt.Errorf("relay inbox_size must be positive, got %d", c.Relay.InboxSize)
	}

	if c.Aggregator.Capacity < 1 {
		return fmt.Errorf("aggregator capacity must be positive, got %d", c.Aggregator.Capacity)
	}

	if c.Suggest.MaxResults < 1 {
		return fmt.Errorf("suggest max_results must be positive, got %d", c.Suggest.MaxResults)
	}
	if c.Suggest.Concurrency < 1 {
		return fmt.Errorf("suggest concurrency must be positive, got %d", c.Suggest.Concurrency)
	}
	if c.Suggest.FeedbackLimit < 1 {
		return fmt.Errorf("suggest feedback_limit must be positive, got %d", c.Suggest.FeedbackLimit)
	}

	if c.Store.Path != "" && c.Store.Path != ":memory:" {
		if _, err := sanitize.ValidatePath(c.Store.Path, ""); err != nil {
			return fmt.Errorf("store path: %w", err)
		}
	}

	if c.StackOverflow.Enabled {
		if _, err := url.ParseRequestURI(c.StackOverflow.BaseURL); err != nil {
			return fmt.Errorf("stackoverflow base_url: %w", err)
		}
		if c.StackOverflow.Rate <= 0 || c.StackOverflow.Burst < 1 {
			return errors.New("stackoverflow rate and burst must be positive")
		}
	}
	if c.GitHub.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.BaseURL); err != nil {
			return fmt.Errorf("github base_url: %w", err)
		}
	}

	return nil
}
