package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultAPIPort is the loopback port the daemon API binds when the config
// does not say otherwise. It sits just below the mind port range.
const DefaultAPIPort = 4100

// Config is the daemon's effective configuration: volute.yaml merged with
// command-line flags, flags winning.
type Config struct {
	Home          string   `yaml:"home"`
	Port          int      `yaml:"port"`
	Token         string   `yaml:"token"`
	Isolation     bool     `yaml:"isolation"`
	ServerCommand []string `yaml:"serverCommand"`
	LogLevel      string   `yaml:"logLevel"`
	PortMin       int      `yaml:"portMin"`
	PortMax       int      `yaml:"portMax"`

	Webhook struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"webhook"`
}

// DefaultHome is ~/.volute, or ./.volute when the home directory cannot be
// resolved.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".volute"
	}
	return filepath.Join(home, ".volute")
}

// LoadConfig reads volute.yaml from path. A missing file is not an error;
// the zero config with defaults applied is returned.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Home == "" {
		c.Home = DefaultHome()
	}
	if c.Port == 0 {
		c.Port = DefaultAPIPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
