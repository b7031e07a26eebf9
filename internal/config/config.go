// Package config handles sokobot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sokobot/config.yaml, /etc/sokobot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sokobot", "config.yaml"))
	}

	paths = append(paths, "/etc/sokobot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all sokobot configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Bot      BotConfig      `yaml:"bot"`
	Leads    LeadsConfig    `yaml:"leads"`
	Business BusinessConfig `yaml:"business"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the admin/webhook server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WhatsAppConfig defines the messaging-platform connection.
type WhatsAppConfig struct {
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"` // webhook handshake secret
	APIBase       string `yaml:"api_base"`     // override for tests; default Graph API
}

// GeminiConfig defines the inference provider settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// BotConfig tunes the conversation pipeline.
type BotConfig struct {
	// HistoryLimit bounds how many prior messages are sent as model context.
	HistoryLimit int `yaml:"history_limit"`
	// SendDelayMS is the pause between sequential outbound sends.
	SendDelayMS int `yaml:"send_delay_ms"`
	// SweepIntervalSec is how often the retry queue is reprocessed.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// MaxQueueAgeHours discards retry entries older than this.
	MaxQueueAgeHours int `yaml:"max_queue_age_hours"`
}

// LeadsConfig tunes the lead analyzer batch job.
type LeadsConfig struct {
	// Schedule is a cron expression for the daily analysis run.
	Schedule string `yaml:"schedule"`
	// BatchSize caps how many sessions a single run analyzes.
	BatchSize int `yaml:"batch_size"`
}

// BusinessConfig describes the shop the bot sells for. Fed into the
// sales persona prompt.
type BusinessConfig struct {
	Name     string `yaml:"name"`
	Currency string `yaml:"currency"`
	Extra    string `yaml:"extra"` // free-form prompt addendum
}

// HistoryLimitOrDefault returns the configured history bound or 20.
func (b BotConfig) HistoryLimitOrDefault() int {
	if b.HistoryLimit > 0 {
		return b.HistoryLimit
	}
	return 20
}

// SendDelayOrDefault returns the inter-send pause or 800ms.
func (b BotConfig) SendDelayOrDefault() time.Duration {
	if b.SendDelayMS > 0 {
		return time.Duration(b.SendDelayMS) * time.Millisecond
	}
	return 800 * time.Millisecond
}

// SweepIntervalOrDefault returns the sweep tick or 60s.
func (b BotConfig) SweepIntervalOrDefault() time.Duration {
	if b.SweepIntervalSec > 0 {
		return time.Duration(b.SweepIntervalSec) * time.Second
	}
	return time.Minute
}

// MaxQueueAgeOrDefault returns the retry-entry age bound or 24h.
func (b BotConfig) MaxQueueAgeOrDefault() time.Duration {
	if b.MaxQueueAgeHours > 0 {
		return time.Duration(b.MaxQueueAgeHours) * time.Hour
	}
	return 24 * time.Hour
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Gemini:   GeminiConfig{Model: "gemini-2.0-flash"},
		Leads:    LeadsConfig{Schedule: "0 3 * * *", BatchSize: 20},
		DataDir:  "data",
		Business: BusinessConfig{Currency: "KES"},
	}
}
