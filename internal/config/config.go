package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr           = "0.0.0.0:3000"
	DefaultSlotCount      = 12
	DefaultMaxUploadBytes = 10 << 20
	DefaultSessionTTL     = 10 * 24 * time.Hour
	DefaultEventBuffer    = 16
	DefaultKeepAlive      = 25 * time.Second
	DefaultMaxConns       = 1024
)

// Config is YAML-friendly. Secrets normally come from the environment.
type Config struct {
	// Title is shown on the gallery pages.
	Title string `yaml:"title"`

	// Addr is the listen address. PORT (as in most PaaS setups) overrides the port only.
	Addr string `yaml:"addr"`

	// ImagesDir holds one file per slot: slot1.jpg .. slotN.jpg.
	ImagesDir string `yaml:"images_dir"`

	// StateDir stores temp uploads and thumbnails.
	// Default: <images_dir>/.slotwall
	StateDir string `yaml:"state_dir"`

	// SlotCount is the number of fixed gallery positions.
	SlotCount int `yaml:"slot_count"`

	// MaxUploadBytes caps a single slot image.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	Admin   AdminConfig   `yaml:"admin"`
	Session SessionConfig `yaml:"session"`
	Events  EventsConfig  `yaml:"events"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// AdminConfig holds the control panel credential. Bcrypt wins when both are set.
type AdminConfig struct {
	Password string `yaml:"password"`
	Bcrypt   string `yaml:"bcrypt"`
}

type SessionConfig struct {
	// Secret signs the session cookie (HS256).
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	// Secure marks the cookie Secure; enable behind TLS.
	Secure bool `yaml:"secure"`
}

type EventsConfig struct {
	// Buffer is the per-subscriber backlog before a subscriber is dropped.
	Buffer int `yaml:"buffer"`
	// KeepAlive is the interval between SSE comment frames.
	KeepAlive time.Duration `yaml:"keepalive"`
}

type HTTPConfig struct {
	MaxConns   int     `yaml:"max_conns"`
	LoginRate  float64 `yaml:"login_rate"`
	LoginBurst int     `yaml:"login_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Load reads path (if non-empty and present), applies env overrides and defaults.
// It does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// env only
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("SLOTWALL_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("PORT"); v != "" {
		host := "0.0.0.0"
		if c.Addr != "" {
			if i := strings.LastIndexByte(c.Addr, ':'); i >= 0 {
				host = c.Addr[:i]
			}
		}
		c.Addr = host + ":" + v
	}
	if v := getenv("SLOTWALL_IMAGES_DIR"); v != "" {
		c.ImagesDir = v
	}
	if v := getenv("SLOTWALL_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := getenv("SLOTWALL_SLOT_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SLOTWALL_SLOT_COUNT: %w", err)
		}
		c.SlotCount = n
	}
	if v := getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	if v := getenv("ADMIN_PASSWORD_BCRYPT"); v != "" {
		c.Admin.Bcrypt = v
	}
	if v := getenv("COOKIE_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := getenv("SESSION_SECURE"); v != "" {
		c.Session.Secure = v == "true"
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Title == "" {
		c.Title = "Gallery"
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ImagesDir == "" {
		c.ImagesDir = "images"
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.ImagesDir, ".slotwall")
	}
	if c.SlotCount == 0 {
		c.SlotCount = DefaultSlotCount
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = DefaultEventBuffer
	}
	if c.Events.KeepAlive == 0 {
		c.Events.KeepAlive = DefaultKeepAlive
	}
	if c.HTTP.MaxConns == 0 {
		c.HTTP.MaxConns = DefaultMaxConns
	}
	if c.HTTP.LoginRate == 0 {
		c.HTTP.LoginRate = 0.5
	}
	if c.HTTP.LoginBurst == 0 {
		c.HTTP.LoginBurst = 5
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate refuses configurations the server cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Admin.Password == "" && c.Admin.Bcrypt == "" {
		errs = append(errs, errors.New("admin password is not set (ADMIN_PASSWORD or admin.bcrypt)"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("cookie secret is not set (COOKIE_SECRET or session.secret)"))
	} else if len(c.Session.Secret) < 16 {
		errs = append(errs, errors.New("cookie secret must be at least 16 bytes"))
	}
	if c.SlotCount < 1 {
		errs = append(errs, fmt.Errorf("slot_count must be positive, got %d", c.SlotCount))
	}
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive, got %s", c.Session.TTL))
	}
	if c.Events.Buffer < 1 {
		errs = append(errs, fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer))
	}
	if c.Events.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("events.keepalive must be positive, got %s", c.Events.KeepAlive))
	}
	if c.HTTP.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("http.max_conns must be positive, got %d", c.HTTP.MaxConns))
	}
	if c.HTTP.LoginRate <= 0 {
		errs = append(errs, fmt.Errorf("http.login_rate must be positive, got %g", c.HTTP.LoginRate))
	}
	if c.HTTP.LoginBurst < 1 {
		errs = append(errs, fmt.Errorf("http.login_burst must be positive, got %d", c.HTTP.LoginBurst))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
