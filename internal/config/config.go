package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProtocol       = "config"
	DefaultAccuracy       = "balanced"
	DefaultMinIntervalSec = 5
	DefaultMaxBackoffSec  = 900
	DefaultCertsPath      = "certs.yaml"
	DefaultServerListen   = "127.0.0.1:8080"
	DefaultServerInterval = 60
)

// Accuracy tiers trade battery for precision. Each sets the default update interval.
var accuracyIntervals = map[string]int{
	"high":     10,
	"balanced": 60,
	"low":      300,
}

var protocols = map[string]bool{"config": true, "set": true, "legacy": true}

// Config holds both the tracking client and the reference server settings.
type Config struct {
	Client *ClientConfig `yaml:"client,omitempty"`
	Server *ServerConfig `yaml:"server,omitempty"`
}

// ClientConfig is the tracking side.
type ClientConfig struct {
	ServerURL       string `yaml:"server_url"`
	User            string `yaml:"user,omitempty"`
	Password        string `yaml:"password,omitempty"`
	CertsPath       string `yaml:"certs_path"`
	TrustOnFirstUse bool   `yaml:"trust_on_first_use"`
	DeviceID        string `yaml:"device_id"`
	Protocol        string `yaml:"protocol"`
	Accuracy        string `yaml:"accuracy"`
	// UpdateIntervalSec overrides the accuracy tier's default interval.
	UpdateIntervalSec int    `yaml:"update_interval_sec,omitempty"`
	MinIntervalSec    int    `yaml:"min_interval_sec"`
	MaxBackoffSec     int    `yaml:"max_backoff_sec"`
	TrackPath         string `yaml:"track_path,omitempty"`
	ReplayLoop        bool   `yaml:"replay_loop,omitempty"`
	ReportLog         string `yaml:"report_log,omitempty"`
	MonitorListen     string `yaml:"monitor_listen,omitempty"`
}

// ServerConfig is the reference automation server.
type ServerConfig struct {
	Listen      string             `yaml:"listen"`
	User        string             `yaml:"user,omitempty"`
	Password    string             `yaml:"password,omitempty"`
	HomeLat     float64            `yaml:"home_lat"`
	HomeLng     float64            `yaml:"home_lng"`
	Fences      map[string]float64 `yaml:"fences,omitempty"`
	IntervalSec int                `yaml:"interval_sec"`
	DistanceM   float64            `yaml:"distance_m,omitempty"`
	TLS         bool               `yaml:"tls,omitempty"`
	// RedirectTo makes GET / answer with a meta refresh to this URL.
	RedirectTo string `yaml:"redirect_to,omitempty"`
}

// Interval returns the effective default update interval.
func (c *ClientConfig) Interval() time.Duration {
	if c.UpdateIntervalSec > 0 {
		return time.Duration(c.UpdateIntervalSec) * time.Second
	}
	sec, ok := accuracyIntervals[c.Accuracy]
	if !ok {
		sec = accuracyIntervals[DefaultAccuracy]
	}
	return time.Duration(sec) * time.Second
}

func (c *ClientConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec) * time.Second
}

func (c *ClientConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Client == nil && cfg.Server == nil {
		return fmt.Errorf("config must contain client or server section")
	}
	if c := cfg.Client; c != nil {
		if c.ServerURL == "" {
			return fmt.Errorf("client.server_url is required")
		}
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("client.server_url must be an http or https URL: %q", c.ServerURL)
		}
		if !protocols[c.Protocol] {
			return fmt.Errorf("client.protocol must be config, set or legacy: %q", c.Protocol)
		}
		if _, ok := accuracyIntervals[c.Accuracy]; !ok {
			return fmt.Errorf("client.accuracy must be high, balanced or low: %q", c.Accuracy)
		}
		if c.MinIntervalSec <= 0 {
			return fmt.Errorf("client.min_interval_sec must be positive")
		}
		if c.UpdateIntervalSec < 0 {
			return fmt.Errorf("client.update_interval_sec must not be negative")
		}
	}
	if s := cfg.Server; s != nil {
		if s.Listen == "" {
			return fmt.Errorf("server.listen is required")
		}
		if s.HomeLat < -90 || s.HomeLat > 90 || s.HomeLng < -180 || s.HomeLng > 180 {
			return fmt.Errorf("server home (%v,%v) out of range", s.HomeLat, s.HomeLng)
		}
		for name, radius := range s.Fences {
			if radius <= 0 {
				return fmt.Errorf("server.fences.%s radius must be positive", name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Client != nil {
		if cfg.Client.Protocol == "" {
			cfg.Client.Protocol = DefaultProtocol
		}
		if cfg.Client.Accuracy == "" {
			cfg.Client.Accuracy = DefaultAccuracy
		}
		if cfg.Client.MinIntervalSec == 0 {
			cfg.Client.MinIntervalSec = DefaultMinIntervalSec
		}
		if cfg.Client.MaxBackoffSec == 0 {
			cfg.Client.MaxBackoffSec = DefaultMaxBackoffSec
		}
		if cfg.Client.CertsPath == "" {
			cfg.Client.CertsPath = DefaultCertsPath
		}
	}

	if cfg.Server != nil {
		if cfg.Server.Listen == "" {
			cfg.Server.Listen = DefaultServerListen
		}
		if cfg.Server.IntervalSec == 0 {
			cfg.Server.IntervalSec = DefaultServerInterval
		}
	}
}

// EnsureDeviceID assigns a random device identifier when the client has none. It reports
// whether one was generated so the caller can persist it.
func EnsureDeviceID(cfg *Config) bool {
	if cfg.Client == nil || cfg.Client.DeviceID != "" {
		return false
	}
	cfg.Client.DeviceID = uuid.NewString()
	return true
}

// ResolvePath makes a relative path relative to the config file's directory.
func ResolvePath(configPath, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(configPath), path)
}
