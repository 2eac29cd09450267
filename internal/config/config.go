package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr       = "127.0.0.1:18790"
	DefaultClickUpBaseURL = "https://api.clickup.com/api/v2"
	DefaultAuthURL        = "https://app.clickup.com/api"
	DefaultTokenURL       = "https://api.clickup.com/api/v2/oauth/token"
	DefaultThreadURL      = "https://mail.google.com/mail/u/0/#inbox/%s"
	DefaultFallbackRescan = "@every 5s"
	DefaultRetention      = "@daily"
)

// ClickUpConfig points the remote client at the task service.
type ClickUpConfig struct {
	BaseURL  string `yaml:"base_url"`
	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`
	// APIToken is a personal token ("pk_...") used instead of the OAuth flow.
	APIToken              string `yaml:"api_token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type OAuthConfig struct {
	// RedirectURL overrides http://<bind_addr>/oauth/callback.
	RedirectURL string `yaml:"redirect_url"`
}

// ReconcileConfig holds the engine tunables. All of them are applied live on
// config.yaml reload.
type ReconcileConfig struct {
	DebounceMS        int    `yaml:"debounce_ms"`
	NavPollMS         int    `yaml:"nav_poll_ms"`
	FallbackRescan    string `yaml:"fallback_rescan"`
	StaleAfterSeconds int    `yaml:"stale_after_seconds"`
}

func (r ReconcileConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

func (r ReconcileConfig) NavPoll() time.Duration {
	return time.Duration(r.NavPollMS) * time.Millisecond
}

func (r ReconcileConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

type MailConfig struct {
	// ThreadURLTemplate formats a thread id into a link back to the mailbox.
	ThreadURLTemplate string `yaml:"thread_url_template"`
}

// RetentionConfig bounds how long link history and audit rows are kept.
// Zero days keeps rows forever.
type RetentionConfig struct {
	Schedule      string `yaml:"schedule"`
	LinkEventDays int    `yaml:"link_event_days"`
	AuditLogDays  int    `yaml:"audit_log_days"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken is the bearer token extension clients present to the gateway.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists accepted Origin patterns for WebSocket upgrades,
	// e.g. "chrome-extension://*". Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	ClickUp   ClickUpConfig   `yaml:"clickup"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Mail      MailConfig      `yaml:"mail"`
	Retention RetentionConfig `yaml:"retention"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "taskbridge.db")
}

// RedirectURL is the OAuth callback the gateway serves.
func (c Config) RedirectURL() string {
	if c.OAuth.RedirectURL != "" {
		return c.OAuth.RedirectURL
	}
	return "http://" + c.BindAddr + "/oauth/callback"
}

// ThreadURL formats a link back to the mail thread.
func (c Config) ThreadURL(threadID string) string {
	tmpl := c.Mail.ThreadURLTemplate
	if !strings.Contains(tmpl, "%s") {
		tmpl = DefaultThreadURL
	}
	return fmt.Sprintf(tmpl, threadID)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetAuthToken writes the gateway bearer token into config.yaml, preserving
// other settings.
func SetAuthToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["auth_token"] = token
	return saveRawConfig(configPath, raw)
}

// SetAllowOrigins replaces the WebSocket origin allowlist in config.yaml.
func SetAllowOrigins(homeDir string, origins []string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["allow_origins"] = origins
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|base=%s|debounce=%d|nav=%d|rescan=%s|stale=%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.ClickUp.BaseURL,
		c.Reconcile.DebounceMS, c.Reconcile.NavPollMS, c.Reconcile.FallbackRescan, c.Reconcile.StaleAfterSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        DefaultBindAddr,
		LogLevel:        "info",
		MaxRequestBytes: 10 * 1024 * 1024,
		ClickUp: ClickUpConfig{
			BaseURL:               DefaultClickUpBaseURL,
			AuthURL:               DefaultAuthURL,
			TokenURL:              DefaultTokenURL,
			RequestTimeoutSeconds: 30,
		},
		Reconcile: ReconcileConfig{
			DebounceMS:        100,
			NavPollMS:         1000,
			FallbackRescan:    DefaultFallbackRescan,
			StaleAfterSeconds: 30,
		},
		Mail: MailConfig{ThreadURLTemplate: DefaultThreadURL},
		Retention: RetentionConfig{
			Schedule:      DefaultRetention,
			LinkEventDays: 90,
			AuditLogDays:  30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskbridge")
}

// Load reads config.yaml from HomeDir over the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory over the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 10 * 1024 * 1024
	}
	cfg.ClickUp.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.ClickUp.BaseURL), "/")
	if cfg.ClickUp.BaseURL == "" {
		cfg.ClickUp.BaseURL = DefaultClickUpBaseURL
	}
	if cfg.ClickUp.AuthURL == "" {
		cfg.ClickUp.AuthURL = DefaultAuthURL
	}
	if cfg.ClickUp.TokenURL == "" {
		cfg.ClickUp.TokenURL = DefaultTokenURL
	}
	if cfg.ClickUp.RequestTimeoutSeconds < 0 {
		cfg.ClickUp.RequestTimeoutSeconds = 0
	}
	if cfg.Reconcile.DebounceMS <= 0 {
		cfg.Reconcile.DebounceMS = 100
	}
	if cfg.Reconcile.NavPollMS <= 0 {
		cfg.Reconcile.NavPollMS = 1000
	}
	if strings.TrimSpace(cfg.Reconcile.FallbackRescan) == "" {
		cfg.Reconcile.FallbackRescan = DefaultFallbackRescan
	}
	if cfg.Reconcile.StaleAfterSeconds <= 0 {
		cfg.Reconcile.StaleAfterSeconds = 30
	}
	if cfg.Mail.ThreadURLTemplate == "" {
		cfg.Mail.ThreadURLTemplate = DefaultThreadURL
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = DefaultRetention
	}
	if cfg.Retention.LinkEventDays < 0 {
		cfg.Retention.LinkEventDays = 0
	}
	if cfg.Retention.AuditLogDays < 0 {
		cfg.Retention.AuditLogDays = 0
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKBRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKBRIDGE_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reconcile.DebounceMS = v
		}
	}
	if raw := os.Getenv("CLICKUP_API_TOKEN"); raw != "" {
		cfg.ClickUp.APIToken = raw
	}
	if raw := os.Getenv("CLICKUP_BASE_URL"); raw != "" {
		cfg.ClickUp.BaseURL = raw
	}
}
