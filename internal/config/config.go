package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calendo/internal/ics"
	"calendo/internal/recurrence"
)

// ICSConfig describes a single subscribed iCalendar feed.
type ICSConfig struct {
	// URL is the feed endpoint.
	URL string `yaml:"url" json:"url"`
	// ID tags imported events so a refresh can update and prune them.
	// Derived from URL when empty.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name" json:"name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path" json:"db_path"`

	// CacheDir holds cached subscription bodies.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Timezone is the IANA zone used when a request or event names none.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// ReminderCron schedules the due-reminder scan.
	ReminderCron string `yaml:"reminder_cron" json:"reminder_cron"`

	// RefreshCron schedules the subscription refresh (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MaxOccurrences caps a single expansion.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// ICS is the list of subscribed feeds.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultDBPath       = "/var/lib/calendo/calendo.db"
	defaultCacheDir     = "/var/lib/calendo/cache"
	defaultReminderCron = "@every 1m"
	defaultRefreshCron  = "*/15 * * * *"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		DBPath:         defaultDBPath,
		CacheDir:       defaultCacheDir,
		Timezone:       "UTC",
		WeekStart:      "monday",
		LogLevel:       "info",
		LogFormat:      "console",
		ReminderCron:   defaultReminderCron,
		RefreshCron:    defaultRefreshCron,
		MaxOccurrences: recurrence.DefaultMaxOccurrences,
		ICS:            []ICSConfig{},
	}
}

// Normalize fills in missing values with defaults so that partially-filled
// configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	switch c.WeekStart {
	case "monday", "sunday":
	default:
		c.WeekStart = "monday"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.ReminderCron == "" {
		c.ReminderCron = defaultReminderCron
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.MaxOccurrences <= 0 || c.MaxOccurrences > recurrence.DefaultMaxOccurrences {
		c.MaxOccurrences = recurrence.DefaultMaxOccurrences
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	for i := range c.ICS {
		c.ICS[i].URL = strings.TrimSpace(c.ICS[i].URL)
		if c.ICS[i].ID == "" && c.ICS[i].URL != "" {
			sum := sha256.Sum256([]byte(c.ICS[i].URL))
			c.ICS[i].ID = "ics-" + hex.EncodeToString(sum[:6])
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := recurrence.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := cron.ParseStandard(c.ReminderCron); err != nil {
		errs = append(errs, fmt.Errorf("reminder_cron %q: %w", c.ReminderCron, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want console or json", c.LogFormat))
	}
	ids := make(map[string]bool, len(c.ICS))
	for _, s := range c.ICS {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("ics %q: url is required", s.ID))
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("ics %q: duplicate id", s.ID))
		}
		ids[s.ID] = true
	}
	return errors.Join(errs...)
}

// Sources returns the subscriptions in the shape the fetcher wants.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.ICS))
	for _, s := range c.ICS {
		out = append(out, ics.Source{ID: s.ID, URL: s.URL})
	}
	return out
}

// envOverrides are the CALENDO_* variables. Unset variables leave the file
// value alone.
type envOverrides struct {
	Listen         string `env:"CALENDO_LISTEN"`
	DBPath         string `env:"CALENDO_DB"`
	CacheDir       string `env:"CALENDO_CACHE_DIR"`
	Timezone       string `env:"CALENDO_TIMEZONE"`
	LogLevel       string `env:"CALENDO_LOG_LEVEL"`
	LogFormat      string `env:"CALENDO_LOG_FORMAT"`
	ReminderCron   string `env:"CALENDO_REMINDER_CRON"`
	RefreshCron    string `env:"CALENDO_REFRESH_CRON"`
	MaxOccurrences int    `env:"CALENDO_MAX_OCCURRENCES"`
	AuthUsername   string `env:"CALENDO_AUTH_USERNAME"`
	AuthPassword   string `env:"CALENDO_AUTH_PASSWORD"`
}

// ApplyEnv overlays CALENDO_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen, o.Listen)
	set(&c.DBPath, o.DBPath)
	set(&c.CacheDir, o.CacheDir)
	set(&c.Timezone, o.Timezone)
	set(&c.LogLevel, o.LogLevel)
	set(&c.LogFormat, o.LogFormat)
	set(&c.ReminderCron, o.ReminderCron)
	set(&c.RefreshCron, o.RefreshCron)
	if o.MaxOccurrences > 0 {
		c.MaxOccurrences = o.MaxOccurrences
	}
	if o.AuthUsername != "" || o.AuthPassword != "" {
		c.BasicAuth = &BasicAuthConfig{Username: o.AuthUsername, Password: o.AuthPassword}
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, write a default config with 0600 perms
//     (creating the parent directory) and return it.
//   - Otherwise unmarshal the YAML and normalize defaults.
//
// Environment overrides are applied after the file in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			// Caller may still run on defaults.
			return cfg, err
		}
		return cfg, cfg.ApplyEnv()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calendo-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
