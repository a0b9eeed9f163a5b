package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foresync/auth"
	"foresync/browser"
	"foresync/challenge"
	"foresync/extract"
	"foresync/outcome"
	"foresync/ratelimit"
)

// Config represents the application configuration
type Config struct {
	Portal  PortalConfig     `mapstructure:"portal" yaml:"portal"`
	Browser BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Auth    AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Limits  ratelimit.Config `mapstructure:"limits" yaml:"limits"`
	Storage StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Server  ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// PortalConfig describes the student portal
type PortalConfig struct {
	Username   string             `mapstructure:"username" yaml:"username,omitempty"`
	Password   string             `mapstructure:"password" yaml:"password,omitempty"`
	LoginURL   string             `mapstructure:"login_url" yaml:"login_url"`
	ContentURL string             `mapstructure:"content_url" yaml:"content_url"`
	Selectors  SelectorsConfig    `mapstructure:"selectors" yaml:"selectors"`
	Challenge  challenge.Markers  `mapstructure:"challenge" yaml:"challenge"`
	Outcome    outcome.Vocabulary `mapstructure:"outcome" yaml:"outcome"`
}

// SelectorsConfig locates the login form controls
type SelectorsConfig struct {
	Username   string   `mapstructure:"username" yaml:"username"`
	Password   string   `mapstructure:"password" yaml:"password"`
	Submit     []string `mapstructure:"submit" yaml:"submit"`
	AlertClose string   `mapstructure:"alert_close" yaml:"alert_close"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	ExecutablePath string        `mapstructure:"executable_path" yaml:"executable_path"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProfileDir     string        `mapstructure:"profile_dir" yaml:"profile_dir"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	ElementTimeout time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
}

// AuthConfig controls the login retry loop
type AuthConfig struct {
	MaxPasswordAttempts  int           `mapstructure:"max_password_attempts" yaml:"max_password_attempts"`
	IdleWithChallenge    time.Duration `mapstructure:"idle_with_challenge" yaml:"idle_with_challenge"`
	IdleWithoutChallenge time.Duration `mapstructure:"idle_without_challenge" yaml:"idle_without_challenge"`
	OutcomeTimeout       time.Duration `mapstructure:"outcome_timeout" yaml:"outcome_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PageLoadTimeout      time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
}

// StorageConfig contains on-disk locations
type StorageConfig struct {
	Path        string `mapstructure:"path" yaml:"path"`
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
	SessionsDir string `mapstructure:"sessions_dir" yaml:"sessions_dir"`
}

// ServerConfig contains HTTP front-end settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigin   string        `mapstructure:"allowed_origin" yaml:"allowed_origin"`
	SessionMaxAge   time.Duration `mapstructure:"session_max_age" yaml:"session_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	RunTimeout      time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Output     string `mapstructure:"output" yaml:"output"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// LoadConfig loads configuration from file and environment variables. A
// missing file is created with the defaults.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FORESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := createDefaultConfig(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	a := auth.DefaultConfig()
	return Config{
		Portal: PortalConfig{
			LoginURL:   a.LoginURL,
			ContentURL: a.ContentURL,
			Selectors: SelectorsConfig{
				Username:   a.Selectors.Username,
				Password:   a.Selectors.Password,
				Submit:     a.Selectors.Submit,
				AlertClose: a.Selectors.AlertClose,
			},
			Challenge: challenge.DefaultMarkers(),
			Outcome:   outcome.DefaultVocabulary(),
		},
		Browser: BrowserConfig{
			Headless:       true,
			ProfileDir:     "./data/browser",
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			ElementTimeout: 10 * time.Second,
			NavTimeout:     30 * time.Second,
		},
		Auth: AuthConfig{
			MaxPasswordAttempts:  a.MaxPasswordAttempts,
			IdleWithChallenge:    a.IdleWithChallenge,
			IdleWithoutChallenge: a.IdleWithoutChallenge,
			OutcomeTimeout:       a.OutcomeTimeout,
			PollInterval:         a.PollInterval,
			PageLoadTimeout:      a.PageLoadTimeout,
		},
		Limits: ratelimit.DefaultConfig(),
		Storage: StorageConfig{
			Path:        "./data/foresync.db",
			SnapshotDir: "./data/session",
			SessionsDir: "./data/sessions",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigin:   "*",
			SessionMaxAge:   45 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			RunTimeout:      60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// setDefaults registers every key of Default so env overrides and partial
// files both resolve.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("portal.username", "")
	v.SetDefault("portal.password", "")
	v.SetDefault("portal.login_url", d.Portal.LoginURL)
	v.SetDefault("portal.content_url", d.Portal.ContentURL)
	v.SetDefault("portal.selectors.username", d.Portal.Selectors.Username)
	v.SetDefault("portal.selectors.password", d.Portal.Selectors.Password)
	v.SetDefault("portal.selectors.submit", d.Portal.Selectors.Submit)
	v.SetDefault("portal.selectors.alert_close", d.Portal.Selectors.AlertClose)
	v.SetDefault("portal.challenge.recaptcha_selectors", d.Portal.Challenge.RecaptchaSelectors)
	v.SetDefault("portal.challenge.inline_image", d.Portal.Challenge.InlineImage)
	v.SetDefault("portal.challenge.answer_input", d.Portal.Challenge.AnswerInput)
	v.SetDefault("portal.challenge.recaptcha_image_prompts", d.Portal.Challenge.RecaptchaImagePrompts)
	v.SetDefault("portal.challenge.image_prompts", d.Portal.Challenge.ImagePrompts)
	v.SetDefault("portal.outcome.success", d.Portal.Outcome.Success)
	v.SetDefault("portal.outcome.bad_credentials", d.Portal.Outcome.BadCredentials)
	v.SetDefault("portal.outcome.bad_challenge", d.Portal.Outcome.BadChallenge)

	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.executable_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.profile_dir", d.Browser.ProfileDir)
	v.SetDefault("browser.viewport_width", d.Browser.ViewportWidth)
	v.SetDefault("browser.viewport_height", d.Browser.ViewportHeight)
	v.SetDefault("browser.element_timeout", d.Browser.ElementTimeout)
	v.SetDefault("browser.nav_timeout", d.Browser.NavTimeout)

	v.SetDefault("auth.max_password_attempts", d.Auth.MaxPasswordAttempts)
	v.SetDefault("auth.idle_with_challenge", d.Auth.IdleWithChallenge)
	v.SetDefault("auth.idle_without_challenge", d.Auth.IdleWithoutChallenge)
	v.SetDefault("auth.outcome_timeout", d.Auth.OutcomeTimeout)
	v.SetDefault("auth.poll_interval", d.Auth.PollInterval)
	v.SetDefault("auth.page_load_timeout", d.Auth.PageLoadTimeout)

	v.SetDefault("limits.login_delay", d.Limits.LoginDelay)
	v.SetDefault("limits.navigate_delay", d.Limits.NavigateDelay)
	v.SetDefault("limits.capture_delay", d.Limits.CaptureDelay)
	v.SetDefault("limits.hourly_logins", d.Limits.HourlyLogins)
	v.SetDefault("limits.daily_logins", d.Limits.DailyLogins)
	v.SetDefault("limits.burst_limit", d.Limits.BurstLimit)
	v.SetDefault("limits.randomize_delay", d.Limits.RandomizeDelay)
	v.SetDefault("limits.jitter_percent", d.Limits.JitterPercent)

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.snapshot_dir", d.Storage.SnapshotDir)
	v.SetDefault("storage.sessions_dir", d.Storage.SessionsDir)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origin", d.Server.AllowedOrigin)
	v.SetDefault("server.session_max_age", d.Server.SessionMaxAge)
	v.SetDefault("server.cleanup_interval", d.Server.CleanupInterval)
	v.SetDefault("server.run_timeout", d.Server.RunTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
}

// createDefaultConfig writes the defaults, without credentials, to configPath
func createDefaultConfig(configPath string) error {
	config := Default()

	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

// overrideFromEnv applies the short credential variables
func overrideFromEnv(v *viper.Viper) {
	if username := os.Getenv("FORESYNC_USERNAME"); username != "" {
		v.Set("portal.username", username)
	}
	if password := os.Getenv("FORESYNC_PASSWORD"); password != "" {
		v.Set("portal.password", password)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Portal.LoginURL == "" {
		return fmt.Errorf("portal login_url is required")
	}
	if config.Auth.MaxPasswordAttempts <= 0 {
		return fmt.Errorf("max password attempts must be positive")
	}
	if config.Auth.IdleWithChallenge <= 0 || config.Auth.IdleWithoutChallenge <= 0 {
		return fmt.Errorf("idle windows must be positive")
	}
	if config.Auth.OutcomeTimeout <= 0 {
		return fmt.Errorf("outcome timeout must be positive")
	}
	if config.Limits.HourlyLogins <= 0 || config.Limits.DailyLogins <= 0 {
		return fmt.Errorf("login quotas must be positive")
	}
	if config.Server.SessionMaxAge <= 0 {
		return fmt.Errorf("session max age must be positive")
	}
	return nil
}

// AuthSettings converts the portal and auth sections for the login manager.
func (c *Config) AuthSettings() auth.Config {
	return auth.Config{
		LoginURL:   c.Portal.LoginURL,
		ContentURL: c.Portal.ContentURL,
		Selectors: auth.Selectors{
			Username:   c.Portal.Selectors.Username,
			Password:   c.Portal.Selectors.Password,
			Submit:     c.Portal.Selectors.Submit,
			AlertClose: c.Portal.Selectors.AlertClose,
		},
		MaxPasswordAttempts:  c.Auth.MaxPasswordAttempts,
		IdleWithChallenge:    c.Auth.IdleWithChallenge,
		IdleWithoutChallenge: c.Auth.IdleWithoutChallenge,
		OutcomeTimeout:       c.Auth.OutcomeTimeout,
		PollInterval:         c.Auth.PollInterval,
		PageLoadTimeout:      c.Auth.PageLoadTimeout,
		Markers:              c.Portal.Challenge,
		Vocabulary:           c.Portal.Outcome,
	}
}

// ExtractSettings returns the extraction timings for the configured portal.
func (c *Config) ExtractSettings() extract.Config {
	cfg := extract.DefaultConfig()
	if c.Portal.ContentURL != "" {
		cfg.ContentURL = c.Portal.ContentURL
	}
	if c.Portal.Selectors.AlertClose != "" {
		cfg.AlertClose = c.Portal.Selectors.AlertClose
	}
	return cfg
}

// BrowserOptions converts the browser section for browser.Launch.
func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Headless:       c.Browser.Headless,
		Bin:            c.Browser.ExecutablePath,
		UserAgent:      c.Browser.UserAgent,
		UserDataDir:    c.Browser.ProfileDir,
		WindowWidth:    c.Browser.ViewportWidth,
		WindowHeight:   c.Browser.ViewportHeight,
		ElementTimeout: c.Browser.ElementTimeout,
		NavTimeout:     c.Browser.NavTimeout,
	}
}
