package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: non-secret settings live in a YAML file created with defaults on
// first run (0600). Credentials and the feed list come from the environment
// through Secrets.

// FeedConfig is one calendar subscription and the area its events belong to.
type FeedConfig struct {
	URL    string `yaml:"url" json:"url" validate:"required,url"`
	AreaID string `yaml:"area_id" json:"area_id" validate:"required"`
}

// PropertyNames maps tracker database columns. Done names the checkbox
// column, which is unnamed in the default layout.
type PropertyNames struct {
	Title   string `yaml:"title" json:"title" validate:"required"`
	Date    string `yaml:"date" json:"date" validate:"required"`
	Minutes string `yaml:"minutes" json:"minutes" validate:"required"`
	Area    string `yaml:"area" json:"area" validate:"required"`
	Done    string `yaml:"done" json:"done"`
}

type NotionConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url" validate:"required,url"`
	APIVersion string `yaml:"api_version" json:"api_version" validate:"required"`
	// RequestsPerSecond throttles every tracker call.
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" validate:"gt=0"`
	Properties        PropertyNames `yaml:"properties" json:"properties"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
}

// SMTPConfig holds the non-secret mail settings. Host and credentials are
// secrets.
type SMTPConfig struct {
	Port int `yaml:"port" json:"port" validate:"gt=0,lte=65535"`
	// From and To default to the SMTP user.
	From string `yaml:"from,omitempty" json:"from,omitempty" validate:"omitempty,email"`
	To   string `yaml:"to,omitempty" json:"to,omitempty" validate:"omitempty,email"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status server address. Empty disables it.
	Listen string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`

	// Timezone is the home zone used for date-only values and staleness.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required,timezone"`

	// RefreshCron is the sync schedule in standard five-field cron syntax.
	RefreshCron string `yaml:"refresh" json:"refresh" validate:"required,cronspec"`

	// HorizonDays bounds how far ahead recurring events are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" validate:"gt=0"`

	// Concurrency bounds parallel tracker calls within a phase.
	Concurrency int `yaml:"concurrency" json:"concurrency" validate:"gt=0"`

	// CacheDir holds the last good body of every feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" validate:"required"`

	Notion NotionConfig `yaml:"notion" json:"notion"`

	// Feeds are synced after the ones given in the environment.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds" validate:"dive"`

	SMTP SMTPConfig `yaml:"smtp" json:"smtp"`
	Log  LogConfig  `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" validate:"omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "",
		Timezone:    "Europe/Oslo",
		RefreshCron: "0 * * * *",
		HorizonDays: 180,
		Concurrency: 8,
		CacheDir:    "./var/ics-cache",
		Notion: NotionConfig{
			BaseURL:           "https://api.notion.com/v1",
			APIVersion:        "2022-06-28",
			RequestsPerSecond: 3,
			Properties: PropertyNames{
				Title:   "Name",
				Date:    "Dato",
				Minutes: "Minutt",
				Area:    "Livsdel",
			},
		},
		Feeds: []FeedConfig{},
		SMTP:  SMTPConfig{Port: 465},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// Normalize fills in missing/zero values so partially-filled files still
// behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}

	n := &c.Notion
	if n.BaseURL == "" {
		n.BaseURL = d.Notion.BaseURL
	}
	n.BaseURL = strings.TrimRight(n.BaseURL, "/")
	if n.APIVersion == "" {
		n.APIVersion = d.Notion.APIVersion
	}
	if n.RequestsPerSecond <= 0 {
		n.RequestsPerSecond = d.Notion.RequestsPerSecond
	}
	p := &n.Properties
	if p.Title == "" {
		p.Title = d.Notion.Properties.Title
	}
	if p.Date == "" {
		p.Date = d.Notion.Properties.Date
	}
	if p.Minutes == "" {
		p.Minutes = d.Notion.Properties.Minutes
	}
	if p.Area == "" {
		p.Area = d.Notion.Properties.Area
	}

	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = d.SMTP.Port
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the file settings.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file and rename, with 0600
// permissions.
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

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
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
