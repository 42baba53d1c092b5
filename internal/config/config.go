// Package config loads settings from .env, an optional config.yaml and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendGoogle = "google"
	BackendCalDAV = "caldav"
)

// Config is the full application configuration.
type Config struct {
	WildApricot WildApricotConfig
	Calendar    CalendarConfig
	Google      GoogleConfig
	CalDAV      CalDAVConfig
	Sync        SyncConfig
	Log         LogConfig
}

// WildApricotConfig describes the source account.
type WildApricotConfig struct {
	APIKey    string
	AccountID int64
	APIURL    string
	TokenURL  string
}

// CalendarConfig describes the destination calendar.
type CalendarConfig struct {
	Backend     string
	ID          string
	Name        string
	Description string
	TimeZone    string
}

// GoogleConfig holds the OAuth client and token locations.
type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	CredentialsFile string
	TokenFile       string
}

// CalDAVConfig holds the CalDAV server credentials.
type CalDAVConfig struct {
	Endpoint string
	Username string
	Password string
}

// SyncConfig tunes a sync cycle.
type SyncConfig struct {
	Keywords        []string
	CacheFile       string
	StartDate       string
	BatchSize       int
	BatchDelay      time.Duration
	InitialBackoff  time.Duration
	MaxAttempts     int
	DefaultDuration time.Duration
	WithRegistrants bool
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string
}

// Load reads .env, then config.yaml from the given directories (or the
// default ones), then the environment. A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/wasync/"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}

	cfg.WildApricot.APIKey = v.GetString("wa.api_key")
	cfg.WildApricot.AccountID = v.GetInt64("wa.account_id")
	cfg.WildApricot.APIURL = v.GetString("wa.api_url")
	cfg.WildApricot.TokenURL = v.GetString("wa.token_url")

	cfg.Calendar.Backend = strings.ToLower(v.GetString("calendar.backend"))
	cfg.Calendar.ID = v.GetString("calendar.id")
	cfg.Calendar.Name = v.GetString("calendar.name")
	cfg.Calendar.Description = v.GetString("calendar.description")
	cfg.Calendar.TimeZone = v.GetString("calendar.timezone")

	cfg.Google.ClientID = v.GetString("google.client_id")
	cfg.Google.ClientSecret = v.GetString("google.client_secret")
	cfg.Google.CredentialsFile = v.GetString("google.credentials_file")
	cfg.Google.TokenFile = v.GetString("google.token_file")

	cfg.CalDAV.Endpoint = v.GetString("caldav.endpoint")
	cfg.CalDAV.Username = v.GetString("caldav.username")
	cfg.CalDAV.Password = v.GetString("caldav.password")

	cfg.Sync.Keywords = splitList(v.Get("sync.keywords"))
	cfg.Sync.CacheFile = v.GetString("sync.cache_file")
	cfg.Sync.StartDate = v.GetString("sync.start_date")
	cfg.Sync.BatchSize = v.GetInt("sync.batch_size")
	cfg.Sync.BatchDelay = v.GetDuration("sync.batch_delay")
	cfg.Sync.InitialBackoff = v.GetDuration("sync.initial_backoff")
	cfg.Sync.MaxAttempts = v.GetInt("sync.max_attempts")
	cfg.Sync.DefaultDuration = v.GetDuration("sync.default_duration")
	cfg.Sync.WithRegistrants = v.GetBool("sync.with_registrants")

	cfg.Log.Level = v.GetString("log.level")

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wa.api_url", "https://api.wildapricot.org")
	v.SetDefault("wa.token_url", "https://oauth.wildapricot.org/auth/token")

	v.SetDefault("calendar.backend", BackendGoogle)
	v.SetDefault("calendar.name", "GGTC Events")
	v.SetDefault("calendar.description", "Golden Gate Triathlon Club Events")
	v.SetDefault("calendar.timezone", "America/Los_Angeles")

	v.SetDefault("google.credentials_file", "credentials.json")
	v.SetDefault("google.token_file", "token.json")

	v.SetDefault("sync.cache_file", "event_cache.json")
	v.SetDefault("sync.batch_size", 5)
	v.SetDefault("sync.batch_delay", 4*time.Second)
	v.SetDefault("sync.initial_backoff", 2*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.default_duration", 2*time.Hour)
	v.SetDefault("sync.with_registrants", false)

	v.SetDefault("log.level", "info")
}

// splitList accepts a YAML list or a comma-separated string.
func splitList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Location returns the configured calendar time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Calendar.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Calendar.TimeZone, err)
	}
	return loc, nil
}

// Since returns the first day to sync: sync.start_date when set, otherwise
// today in loc.
func (c *Config) Since(now time.Time, loc *time.Location) (time.Time, error) {
	if c.Sync.StartDate == "" {
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, c.Sync.StartDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sync.start_date '%s': %w", c.Sync.StartDate, err)
	}
	return t, nil
}

// ValidateSource reports missing settings for talking to the source API.
func (c *Config) ValidateSource() error {
	var missing []string
	if c.WildApricot.APIKey == "" {
		missing = append(missing, "wa.api_key")
	}
	if c.WildApricot.AccountID == 0 {
		missing = append(missing, "wa.account_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateCalendar reports missing or invalid destination settings.
func (c *Config) ValidateCalendar() error {
	var missing []string
	switch c.Calendar.Backend {
	case BackendGoogle:
		if c.Calendar.ID == "" && c.Calendar.Name == "" {
			missing = append(missing, "calendar.id or calendar.name")
		}
		if c.Google.TokenFile == "" {
			missing = append(missing, "google.token_file")
		}
	case BackendCalDAV:
		if c.Calendar.Name == "" && c.Calendar.ID == "" {
			missing = append(missing, "calendar.name")
		}
		if c.CalDAV.Username == "" {
			missing = append(missing, "caldav.username")
		}
		if c.CalDAV.Password == "" {
			missing = append(missing, "caldav.password")
		}
	default:
		return fmt.Errorf("unknown calendar.backend '%s', want %s or %s", c.Calendar.Backend, BackendGoogle, BackendCalDAV)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Validate checks everything a sync needs.
func (c *Config) Validate() error {
	if err := c.ValidateSource(); err != nil {
		return err
	}
	return c.ValidateCalendar()
}
