// Package appconfig manages the support directory and the preferences file.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// UIConfig contains dashboard display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// LogConfig controls rotation of the diagnostic log.
type LogConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
}

// Config holds application-level configuration. Tunnel keeps the raw
// preference strings; normalization happens at each use.
type Config struct {
	Tunnel model.Preferences `yaml:"tunnel"`
	UI     UIConfig          `yaml:"ui"`
	Log    LogConfig         `yaml:"log"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Tunnel: model.Preferences{
			LocalPort:  "15432",
			RemotePort: "5432",
		},
		UI:  UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
		Log: LogConfig{MaxSizeMB: 5, MaxBackups: 3},
	}
}

// ConfigDir returns the support directory holding preferences, pid, state
// and logs. Uses XDG_CONFIG_HOME if set, otherwise ~/.config/iap-tunnel.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, util.AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", util.AppName), nil
}

// FilePath returns the full path to config.yaml.
func FilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	path, err := FilePath()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = util.DefaultRefreshSeconds
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 5
	}
	if cfg.Log.MaxBackups < 0 {
		cfg.Log.MaxBackups = 0
	}
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	path, err := FilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// PreferenceKeys lists the keys accepted by SetPreference.
var PreferenceKeys = []string{
	"db_private_ip",
	"bastion_instance",
	"bastion_zone",
	"local_port",
	"remote_port",
	"gcloud_path",
}

// SetPreference stores one raw preference value. Values are kept verbatim;
// trimming and port parsing happen during normalization.
func (c *Config) SetPreference(key, value string) error {
	switch strings.TrimSpace(key) {
	case "db_private_ip":
		c.Tunnel.DBPrivateIP = value
	case "bastion_instance":
		c.Tunnel.BastionInstance = value
	case "bastion_zone":
		c.Tunnel.BastionZone = value
	case "local_port":
		c.Tunnel.LocalPort = value
	case "remote_port":
		c.Tunnel.RemotePort = value
	case "gcloud_path":
		c.Tunnel.GcloudPath = value
	default:
		return fmt.Errorf("unknown preference %q (valid: %s)", key, strings.Join(PreferenceKeys, ", "))
	}
	return nil
}
