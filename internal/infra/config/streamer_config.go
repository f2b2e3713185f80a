// Package config loads and validates the streamer configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that fill credentials missing from the file.
const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvAPISecret = "BINANCE_API_SECRET"
)

// ProxyConfig routes every connection through a SOCKS5 proxy.
type ProxyConfig struct {
	Server          string `yaml:"server"`
	User            string `yaml:"user"`
	Pass            string `yaml:"pass"`
	SSLVerification bool   `yaml:"sslVerification"`
}

// ManagerConfig mirrors the stream manager options.
type ManagerConfig struct {
	Exchange            string `yaml:"exchange"`
	WebsocketBaseURI    string `yaml:"websocketBaseURI"`
	WebsocketAPIBaseURI string `yaml:"websocketAPIBaseURI"`
	RestfulBaseURI      string `yaml:"restfulBaseURI"`
	MaxSubscriptions    int    `yaml:"maxSubscriptions"`
	ExchangeType        string `yaml:"exchangeType"`

	OutputDefault                    string        `yaml:"outputDefault"`
	EnableStreamSignalBuffer         bool          `yaml:"enableStreamSignalBuffer"`
	StreamBufferMaxLen               int           `yaml:"streamBufferMaxLen"`
	CloseTimeout                     time.Duration `yaml:"closeTimeout"`
	PingInterval                     time.Duration `yaml:"pingInterval"`
	PingTimeout                      time.Duration `yaml:"pingTimeout"`
	RestartTimeout                   time.Duration `yaml:"restartTimeout"`
	HighPerformance                  bool          `yaml:"highPerformance"`
	ThrowExceptionIfUnrepairable     bool          `yaml:"throwExceptionIfUnrepairable"`
	KeepMaxReceivedLastSecondEntries int           `yaml:"keepMaxReceivedLastSecondEntries"`
	ListenKeyCacheTime               time.Duration `yaml:"listenKeyCacheTime"`
	MaxSendMessagesPerSecond         int           `yaml:"maxSendMessagesPerSecond"`
	MaxSendMessagesPerSecondReserve  int           `yaml:"maxSendMessagesPerSecondReserve"`
	RingBufferResultMaxSize          int           `yaml:"ringBufferResultMaxSize"`
	RingBufferErrorMaxSize           int           `yaml:"ringBufferErrorMaxSize"`
	UserAgent                        string        `yaml:"userAgent"`
	Debug                            bool          `yaml:"debug"`
	Proxy                            ProxyConfig   `yaml:"proxy"`
}

func (c *ManagerConfig) applyDefaults() {
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	if c.Exchange == "" {
		c.Exchange = "binance.com"
	}
	c.OutputDefault = strings.ToLower(strings.TrimSpace(c.OutputDefault))
	if c.OutputDefault == "" {
		c.OutputDefault = "raw"
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 6 * time.Second
	}
	if c.KeepMaxReceivedLastSecondEntries <= 0 {
		c.KeepMaxReceivedLastSecondEntries = 5
	}
	if c.ListenKeyCacheTime <= 0 {
		c.ListenKeyCacheTime = 10 * time.Minute
	}
	if c.MaxSendMessagesPerSecond <= 0 {
		c.MaxSendMessagesPerSecond = 5
	}
	if c.MaxSendMessagesPerSecondReserve <= 0 {
		c.MaxSendMessagesPerSecondReserve = 2
	}
	if c.RingBufferResultMaxSize <= 0 {
		c.RingBufferResultMaxSize = 500
	}
	if c.RingBufferErrorMaxSize <= 0 {
		c.RingBufferErrorMaxSize = 500
	}
	c.Proxy.Server = strings.TrimSpace(c.Proxy.Server)
}

func (c ManagerConfig) validate() error {
	switch c.OutputDefault {
	case "raw", "dict", "normalized":
	default:
		return fmt.Errorf("outputDefault must be one of raw, dict, normalized")
	}
	if c.MaxSubscriptions < 0 {
		return fmt.Errorf("maxSubscriptions must be >=0")
	}
	if c.StreamBufferMaxLen < 0 {
		return fmt.Errorf("streamBufferMaxLen must be >=0")
	}
	if c.MaxSendMessagesPerSecondReserve >= c.MaxSendMessagesPerSecond {
		return fmt.Errorf("maxSendMessagesPerSecondReserve must be < maxSendMessagesPerSecond")
	}
	if c.PingTimeout < c.PingInterval {
		return fmt.Errorf("pingTimeout must be >= pingInterval")
	}
	return nil
}

// StreamConfig declares a stream created at startup.
type StreamConfig struct {
	Label      string   `yaml:"label"`
	Channels   []string `yaml:"channels"`
	Markets    []string `yaml:"markets"`
	Symbols    []string `yaml:"symbols"`
	API        bool     `yaml:"api"`
	Output     string   `yaml:"output"`
	BufferName string   `yaml:"bufferName"`
	APIKey     string   `yaml:"apiKey"`
	APISecret  string   `yaml:"apiSecret"`
	// Publish forwards every record to NATS when a NATS url is configured.
	Publish bool `yaml:"publish"`
}

// NeedsCredentials reports whether the stream authenticates against the exchange.
func (s StreamConfig) NeedsCredentials() bool {
	if s.API {
		return true
	}
	for _, v := range append(append([]string{}, s.Channels...), s.Markets...) {
		if v == "!userData" {
			return true
		}
	}
	return false
}

func (s StreamConfig) validate() error {
	if !s.API && (len(s.Channels) == 0 || len(s.Markets) == 0) {
		return fmt.Errorf("channels and markets required")
	}
	switch s.Output {
	case "", "raw", "dict", "normalized":
	default:
		return fmt.Errorf("output must be one of raw, dict, normalized")
	}
	if s.NeedsCredentials() && strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("apiKey required (set it or %s)", EnvAPIKey)
	}
	return nil
}

// MonitoringConfig configures the health endpoint and the periodic summary.
type MonitoringConfig struct {
	Addr            string        `yaml:"addr"`
	DocsURL         string        `yaml:"docsURL"`
	SummaryInterval time.Duration `yaml:"summaryInterval"`
}

func (c *MonitoringConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.DocsURL == "" {
		c.DocsURL = "https://github.com/coachpo/meltica-ws#monitoring"
	}
	if c.SummaryInterval < 0 {
		c.SummaryInterval = 0
	}
}

// NATSConfig enables the NATS record publisher when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// StreamerConfig is the streamer configuration sourced from YAML.
type StreamerConfig struct {
	Environment Environment      `yaml:"environment"`
	Manager     ManagerConfig    `yaml:"manager"`
	Streams     []StreamConfig   `yaml:"streams"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	NATS        NATSConfig       `yaml:"nats"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the configuration used when no file is present.
func Default() StreamerConfig {
	var cfg StreamerConfig
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a StreamerConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (StreamerConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return StreamerConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return StreamerConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg StreamerConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return StreamerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return StreamerConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (StreamerConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		return cfg, false, cfg.Validate()
	}
	return StreamerConfig{}, false, err
}

func (c *StreamerConfig) applyDefaults() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Manager.applyDefaults()
	c.Monitoring.applyDefaults()

	key, secret := os.Getenv(EnvAPIKey), os.Getenv(EnvAPISecret)
	for i := range c.Streams {
		s := &c.Streams[i]
		s.Label = strings.TrimSpace(s.Label)
		s.Output = strings.ToLower(strings.TrimSpace(s.Output))
		if s.NeedsCredentials() && s.APIKey == "" {
			s.APIKey, s.APISecret = key, secret
		}
	}

	c.NATS.URL = strings.TrimSpace(c.NATS.URL)
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "meltica.ws"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "meltica-ws"
	}
}

// Validate performs semantic validation on the configuration.
func (c StreamerConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Manager.validate(); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	labels := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if err := s.validate(); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if s.Label == "" {
			continue
		}
		if _, dup := labels[s.Label]; dup {
			return fmt.Errorf("duplicate stream label %q", s.Label)
		}
		labels[s.Label] = struct{}{}
	}
	if strings.TrimSpace(c.NATS.SubjectPrefix) == "" {
		return fmt.Errorf("nats subjectPrefix required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open streamer config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
