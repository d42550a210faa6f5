package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	xdgAppName = "taskboard"
	configFile = "config.json"

	DefaultAPIBaseURL     = "http://localhost:3000/api"
	DefaultWSURL          = "ws://localhost:3000/ws"
	DefaultCalendar       = "Tasks"
	DefaultRequestTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

// Duration is a time.Duration stored as a Go duration string ("5s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements the json.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("failed to parse duration '%s': %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalJSON implements the json.Marshaler interface for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}

type Config struct {
	APIBaseURL      string   `json:"api_base_url"`
	WSURL           string   `json:"ws_url"`
	RequestTimeout  Duration `json:"request_timeout"`
	ReconnectDelay  Duration `json:"reconnect_delay"`
	NotifyHidden    bool     `json:"notify_hidden"`
	Calendar        string   `json:"calendar"`
	CalendarEnabled bool     `json:"calendar_enabled"`
	LogLevel        string   `json:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		APIBaseURL:     DefaultAPIBaseURL,
		WSURL:          DefaultWSURL,
		RequestTimeout: Duration{DefaultRequestTimeout},
		ReconnectDelay: Duration{DefaultReconnectDelay},
		Calendar:       DefaultCalendar,
		LogLevel:       "info",
	}
}

// Dir is the per-user directory holding config, caches and the calendar token.
func Dir() (string, error) {
	if d := os.Getenv("TASKBOARD_CONFIG_DIR"); d != "" {
		return d, nil
	}
	xdgHome, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(xdgHome, ".config", xdgAppName), nil
}

func GetConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads the config file, fills unset fields with defaults and applies
// TASKBOARD_* environment overrides.
func Load() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadFile reads a specific config file. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.APIBaseURL == "" {
		c.APIBaseURL = def.APIBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = def.WSURL
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ReconnectDelay.Duration <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.Calendar == "" {
		c.Calendar = def.Calendar
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
}

func applyEnv(c *Config) {
	if v := os.Getenv("TASKBOARD_API_BASE_URL"); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("TASKBOARD_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("TASKBOARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TASKBOARD_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ReconnectDelay = Duration{d}
		}
	}
	if v := os.Getenv("TASKBOARD_NOTIFY_HIDDEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.NotifyHidden = b
		}
	}
}

func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

func SaveFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file for writing: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}
