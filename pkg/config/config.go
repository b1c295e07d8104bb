package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("30s", "1m30s") in JSON, YAML and environment variables.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Bot       BotConfig       `json:"bot" yaml:"bot" label:"Bot"`
	API       APIConfig       `json:"api" yaml:"api" label:"REST API"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" label:"Gateway"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect" label:"Reconnect"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch" label:"Dispatch"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" label:"Metrics"`
	Log       LogConfig       `json:"log" yaml:"log" label:"Logging"`
	Redaction RedactionConfig `json:"redaction" yaml:"redaction" label:"Redaction"`
}

type BotConfig struct {
	ClientID  string `json:"client_id" yaml:"client_id" label:"Client ID" env:"KOOKGO_BOT_CLIENT_ID"`
	Token     string `json:"token" yaml:"token" label:"Token" env:"KOOKGO_BOT_TOKEN"`
	TokenType string `json:"token_type" yaml:"token_type" label:"Token Type" env:"KOOKGO_BOT_TOKEN_TYPE"`
}

type APIConfig struct {
	BaseURL   string   `json:"base_url" yaml:"base_url" label:"Base URL" env:"KOOKGO_API_BASE_URL"`
	Timeout   Duration `json:"timeout" yaml:"timeout" label:"Timeout" env:"KOOKGO_API_TIMEOUT"`
	RateLimit float64  `json:"rate_limit" yaml:"rate_limit" label:"Requests per Second" env:"KOOKGO_API_RATE_LIMIT"`
	Burst     int      `json:"burst" yaml:"burst" label:"Burst" env:"KOOKGO_API_BURST"`
}

type GatewayConfig struct {
	Compress          bool     `json:"compress" yaml:"compress" label:"Compress" env:"KOOKGO_GATEWAY_COMPRESS"`
	HelloTimeout      Duration `json:"hello_timeout" yaml:"hello_timeout" label:"Hello Timeout" env:"KOOKGO_GATEWAY_HELLO_TIMEOUT"`
	ResumeTimeout     Duration `json:"resume_timeout" yaml:"resume_timeout" label:"Resume Timeout" env:"KOOKGO_GATEWAY_RESUME_TIMEOUT"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" label:"Heartbeat Interval" env:"KOOKGO_GATEWAY_HEARTBEAT_INTERVAL"`
	MissedPongLimit   int      `json:"missed_pong_limit" yaml:"missed_pong_limit" label:"Missed Pong Limit" env:"KOOKGO_GATEWAY_MISSED_PONG_LIMIT"`
	GapThreshold      int64    `json:"gap_threshold" yaml:"gap_threshold" label:"Gap Threshold" env:"KOOKGO_GATEWAY_GAP_THRESHOLD"`
}

type ReconnectConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" label:"Max Attempts" env:"KOOKGO_RECONNECT_MAX_ATTEMPTS"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay" label:"Base Delay" env:"KOOKGO_RECONNECT_BASE_DELAY"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay" label:"Max Delay" env:"KOOKGO_RECONNECT_MAX_DELAY"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier" label:"Multiplier" env:"KOOKGO_RECONNECT_MULTIPLIER"`
	Jitter      float64  `json:"jitter" yaml:"jitter" label:"Jitter" env:"KOOKGO_RECONNECT_JITTER"`
}

type DispatchConfig struct {
	QueueHighWater int `json:"queue_high_water" yaml:"queue_high_water" label:"Queue High-Water Mark" env:"KOOKGO_DISPATCH_QUEUE_HIGH_WATER"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" label:"Enabled" env:"KOOKGO_METRICS_ENABLED"`
	Listen    string `json:"listen" yaml:"listen" label:"Listen Address" env:"KOOKGO_METRICS_LISTEN"`
	Namespace string `json:"namespace" yaml:"namespace" label:"Namespace" env:"KOOKGO_METRICS_NAMESPACE"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" label:"Level" env:"KOOKGO_LOG_LEVEL"`
	File  string `json:"file" yaml:"file" label:"JSON Log File" env:"KOOKGO_LOG_FILE"`
}

type RedactionConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" label:"Enabled" env:"KOOKGO_REDACTION_ENABLED"`
	CustomPatterns []string `json:"custom_patterns" yaml:"custom_patterns" label:"Custom Patterns" env:"KOOKGO_REDACTION_CUSTOM_PATTERNS"`
	Replacement    string   `json:"replacement" yaml:"replacement" label:"Replacement" env:"KOOKGO_REDACTION_REPLACEMENT"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			TokenType: "Bot",
		},
		API: APIConfig{
			BaseURL:   "https://www.kookapp.cn/api/v3",
			Timeout:   Duration(10 * time.Second),
			RateLimit: 0,
			Burst:     1,
		},
		Gateway: GatewayConfig{
			Compress:          true,
			HelloTimeout:      Duration(6 * time.Second),
			ResumeTimeout:     Duration(6 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			MissedPongLimit:   2,
			GapThreshold:      0,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(60 * time.Second),
			Multiplier:  2,
			Jitter:      0.2,
		},
		Dispatch: DispatchConfig{
			QueueHighWater: 1000,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Listen:    "127.0.0.1:9464",
			Namespace: "kookgo",
		},
		Log: LogConfig{
			Level: "info",
		},
		Redaction: RedactionConfig{
			Enabled:     true,
			Replacement: "[REDACTED]",
		},
	}
}

// LoadConfig reads path over DefaultConfig and then applies KOOKGO_*
// environment variables. A missing file is not an error. Files ending in
// .yaml or .yml are YAML, everything else JSON.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bot.Token) == "" {
		errs = append(errs, errors.New("bot.token is required"))
	}
	switch c.Bot.TokenType {
	case "Bot", "Bearer", "bot", "bearer", "":
	default:
		errs = append(errs, fmt.Errorf("bot.token_type %q must be Bot or Bearer", c.Bot.TokenType))
	}
	if c.API.Burst < 0 {
		errs = append(errs, errors.New("api.burst must not be negative"))
	}
	if c.Gateway.HelloTimeout <= 0 {
		errs = append(errs, errors.New("gateway.hello_timeout must be positive"))
	}
	if c.Gateway.ResumeTimeout <= 0 {
		errs = append(errs, errors.New("gateway.resume_timeout must be positive"))
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("gateway.heartbeat_interval must be positive"))
	}
	if c.Gateway.MissedPongLimit < 1 {
		errs = append(errs, errors.New("gateway.missed_pong_limit must be at least 1"))
	}
	if c.Gateway.GapThreshold < 0 {
		errs = append(errs, errors.New("gateway.gap_threshold must not be negative"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("reconnect.base_delay must be positive"))
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("reconnect.max_delay must not be below base_delay"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must be within [0, 1]"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
