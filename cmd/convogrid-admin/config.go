// ABOUTME: Configuration loading for the convogrid admin CLI
// ABOUTME: Loads TOML config from XDG path with environment variable overrides

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	APIURL string `toml:"api_url"`
	APIKey string `toml:"api_key"`
}

// configPath returns the default admin config location, honoring
// XDG_CONFIG_HOME.
func configPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "convogrid", "admin.toml"), nil
}

// loadConfig reads the config file if present, then applies environment
// overrides. A missing file is fine when the environment supplies both
// values.
func loadConfig() (*Config, error) {
	var cfg Config

	path, err := configPath()
	if err == nil {
		if data, err := os.ReadFile(path); err == nil {
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("CONVOGRID_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("CONVOGRID_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("api_url must be an http or https URL, got %q", cfg.APIURL)
	}

	return &cfg, nil
}
