package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort        int      `json:"http_port" validate:"gt=0,lte=65535"`
	MetricsPort     int      `json:"metrics_port" validate:"gte=0,lte=65535"`
	LogLevel        string   `json:"log_level" validate:"oneof=debug info warn error"`
	LogFile         string   `json:"log_file"`
	LogMaxSizeMB    int      `json:"log_max_size_mb" validate:"gte=0"`
	DBPath          string   `json:"db_path" validate:"required"`
	EncryptionKey   string   `json:"encryption_key" validate:"required"`
	StateTTL        Duration `json:"state_ttl" validate:"min=1s"`
	ShutdownTimeout Duration `json:"shutdown_timeout" validate:"min=1s"`

	// Client credentials may be blank; the OAuth flows then report that
	// Google sign-in is not configured instead of refusing to boot.
	Google struct {
		ClientID                 string   `json:"client_id"`
		ClientSecret             string   `json:"client_secret"`
		RedirectURI              string   `json:"redirect_uri" validate:"omitempty,url"`
		Scope                    string   `json:"scope" validate:"required"`
		AuthorizationURI         string   `json:"authorization_uri" validate:"required,url"`
		TokenURI                 string   `json:"token_uri" validate:"required,url"`
		TokenInfoURI             string   `json:"tokeninfo_uri" validate:"required,url"`
		FrontendRedirect         string   `json:"frontend_redirect" validate:"omitempty,url"`
		CalendarRedirectURI      string   `json:"calendar_redirect_uri" validate:"omitempty,url"`
		CalendarScope            string   `json:"calendar_scope" validate:"required"`
		CalendarFrontendRedirect string   `json:"calendar_frontend_redirect" validate:"omitempty,url"`
		CalendarAPIBase          string   `json:"calendar_api_base" validate:"omitempty,url"`
		RequireVerifiedEmail     bool     `json:"require_verified_email"`
		HTTPTimeout              Duration `json:"http_timeout" validate:"gte=0"`
	} `json:"google"`

	Calendar struct {
		RequestsPerSecond float64 `json:"requests_per_second" validate:"gt=0"`
		Burst             int     `json:"burst" validate:"min=1"`
		Workers           int     `json:"workers" validate:"min=1"`
		QueueSize         int     `json:"queue_size" validate:"min=1"`
	} `json:"calendar"`
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg := &Config{
		HTTPPort:        8081,
		MetricsPort:     9091,
		LogLevel:        "info",
		LogMaxSizeMB:    10,
		DBPath:          "flowdeck_auth.db",
		StateTTL:        Duration{600 * time.Second},
		ShutdownTimeout: Duration{10 * time.Second},
	}
	cfg.Google.RedirectURI = "http://localhost:8081/oauth/google/callback"
	cfg.Google.Scope = "openid email profile"
	cfg.Google.AuthorizationURI = "https://accounts.google.com/o/oauth2/v2/auth"
	cfg.Google.TokenURI = "https://oauth2.googleapis.com/token"
	cfg.Google.TokenInfoURI = "https://oauth2.googleapis.com/tokeninfo"
	cfg.Google.FrontendRedirect = "http://localhost:4200/oauth/google/callback"
	cfg.Google.CalendarRedirectURI = "http://localhost:8081/oauth/google/calendar/callback"
	cfg.Google.CalendarScope = "https://www.googleapis.com/auth/calendar"
	cfg.Google.CalendarFrontendRedirect = "http://localhost:4200/calendario"

	cfg.Calendar.RequestsPerSecond = 5
	cfg.Calendar.Burst = 10
	cfg.Calendar.Workers = 2
	cfg.Calendar.QueueSize = 100
	return cfg
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, an optional JSON file and
// environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Key returns the 32 byte refresh token encryption key. The configured value
// is either the raw key or its standard base64 encoding.
func (c *Config) Key() ([]byte, error) {
	if len(c.EncryptionKey) == 32 {
		return []byte(c.EncryptionKey), nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes, raw or base64 encoded")
	}
	return key, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	text := map[string]*string{
		"LOG_LEVEL":                         &c.LogLevel,
		"LOG_FILE":                          &c.LogFile,
		"DB_PATH":                           &c.DBPath,
		"ENCRYPTION_KEY":                    &c.EncryptionKey,
		"GOOGLE_CLIENT_ID":                  &c.Google.ClientID,
		"GOOGLE_CLIENT_SECRET":              &c.Google.ClientSecret,
		"GOOGLE_REDIRECT_URI":               &c.Google.RedirectURI,
		"GOOGLE_FRONTEND_REDIRECT":          &c.Google.FrontendRedirect,
		"GOOGLE_CALENDAR_REDIRECT_URI":      &c.Google.CalendarRedirectURI,
		"GOOGLE_CALENDAR_FRONTEND_REDIRECT": &c.Google.CalendarFrontendRedirect,
		"GOOGLE_CALENDAR_API_BASE":          &c.Google.CalendarAPIBase,
	}
	for name, field := range text {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"HTTP_PORT":       &c.HTTPPort,
		"METRICS_PORT":    &c.MetricsPort,
		"LOG_MAX_SIZE_MB": &c.LogMaxSizeMB,
	}
	for name, field := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", name, err)
			}
			*field = n
		}
	}

	durations := map[string]*Duration{
		"STATE_TTL":           &c.StateTTL,
		"GOOGLE_HTTP_TIMEOUT": &c.Google.HTTPTimeout,
	}
	for name, field := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", name, err)
			}
			*field = Duration{d}
		}
	}

	if v := os.Getenv("GOOGLE_REQUIRE_VERIFIED_EMAIL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing GOOGLE_REQUIRE_VERIFIED_EMAIL: %w", err)
		}
		c.Google.RequireVerifiedEmail = b
	}

	return nil
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := c.Key(); err != nil {
		return err
	}

	return nil
}
