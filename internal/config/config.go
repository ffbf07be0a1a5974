// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package config loads the engine's configuration through a layered
// koanf pipeline: built-in defaults, an optional YAML file, then
// environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CTI_UPDATER_CONFIG"

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cti-updater/config.yaml",
}

// ActionConfig is one configured topic, matching spec §6's ConfigData
// table plus the Action-level fields (topicName, interval, ondemand).
type ActionConfig struct {
	TopicName string `koanf:"topic_name"`
	Interval  uint   `koanf:"interval"`
	OnDemand  bool   `koanf:"ondemand"`

	URL                     string `koanf:"url"`
	ContentSource           string `koanf:"content_source"`
	CompressionType         string `koanf:"compression_type"`
	DataFormat              string `koanf:"data_format"`
	DeleteDownloadedContent bool   `koanf:"delete_downloaded_content"`
	OutputFolder            string `koanf:"output_folder"`
	ContentFileName         string `koanf:"content_file_name"`
	DatabasePath            string `koanf:"database_path"`
	ConsumerName            string `koanf:"consumer_name"`
}

// Config is the engine's top-level configuration: logging, the NATS
// publisher, and one ActionConfig per configured topic.
type Config struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	NATSURL string `koanf:"nats_url"`

	Actions []ActionConfig `koanf:"actions"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		NATSURL:   "nats://127.0.0.1:4222",
	}
}

// Load builds a Config by layering defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("CTI_UPDATER_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps CTI_UPDATER_LOG_LEVEL -> log_level, etc. Actions
// are only configurable via file since env vars cannot express a list of
// structs.
func envTransformFunc(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, "CTI_UPDATER_"))
}

// Validate enforces the required/optional matrix of spec §6, returning
// an error identifying the first missing or invalid field (or the first
// duplicate topic_name) rather than panicking.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Actions))
	for i := range c.Actions {
		a := &c.Actions[i]
		if err := a.Validate(); err != nil {
			return fmt.Errorf("config: action[%d]: %w", i, err)
		}
		if _, dup := seen[a.TopicName]; dup {
			return fmt.Errorf("config: duplicate topic_name %q", a.TopicName)
		}
		seen[a.TopicName] = struct{}{}
	}
	return nil
}

// Validate checks one ActionConfig against spec §6's required fields and
// applies defaults for optional ones.
func (a *ActionConfig) Validate() error {
	if a.TopicName == "" {
		return fmt.Errorf("topic_name is required")
	}
	if a.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch a.ContentSource {
	case "cti-offset", "cti-snapshot", "file", "api", "offline":
	default:
		return fmt.Errorf("content_source must be one of cti-offset|cti-snapshot|file|api|offline, got %q", a.ContentSource)
	}
	if a.CompressionType == "" {
		a.CompressionType = "raw"
	}
	if a.DataFormat == "" {
		a.DataFormat = "raw"
	}
	if a.OutputFolder == "" {
		return fmt.Errorf("output_folder is required")
	}
	if a.ContentFileName == "" {
		return fmt.Errorf("content_file_name is required")
	}
	if a.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	return nil
}
