// Package config handles add-on configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, /data/options.yaml (Supervisor-managed add-on
// options), /etc/hadoctor/config.yaml.
func DefaultSearchPaths() []string {
	return []string{
		"config.yaml",
		"/data/options.yaml",
		"/etc/hadoctor/config.yaml",
	}
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

// Config holds all add-on configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HAConfigDir   string              `yaml:"ha_config_dir"` // where automations.yaml and .storage live
	DataDir       string              `yaml:"data_dir"`      // add-on private state (database)
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines the controller connection settings.
// Inside the Supervisor, URL is http://supervisor/core and the token
// comes from SUPERVISOR_TOKEN; both can be overridden for remote
// development against a bare HA instance.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// MQTTConfig defines the optional MQTT status publisher. When Broker
// is empty the publisher is disabled.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://core-mosquitto:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Enabled reports whether the MQTT publisher should run.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (SUPERVISOR_TOKEN etc.)
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration matching the Supervisor
// add-on environment.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8099},
		HomeAssistant: HomeAssistantConfig{
			URL:   "http://supervisor/core",
			Token: os.Getenv("SUPERVISOR_TOKEN"),
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-20250514",
		},
		HAConfigDir: "/config",
		DataDir:     "/data",
		LogLevel:    "info",
	}
}

// DatabasePath returns the SQLite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "hadoctor.db")
}
