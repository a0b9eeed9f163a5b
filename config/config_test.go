package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://vtopcc.vit.ac.in/vtop/login", cfg.Portal.LoginURL)
	assert.Equal(t, 3, cfg.Auth.MaxPasswordAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Auth.IdleWithChallenge)
	assert.Equal(t, 10*time.Minute, cfg.Auth.IdleWithoutChallenge)
	assert.Equal(t, 180*time.Second, cfg.Auth.OutcomeTimeout)
	assert.Equal(t, 45*time.Minute, cfg.Server.SessionMaxAge)
	assert.Equal(t, "#captchaStr", cfg.Portal.Challenge.AnswerInput)
	assert.Equal(t, []string{"select all images", "click on all images"}, cfg.Portal.Challenge.RecaptchaImagePrompts)
	assert.Equal(t, []string{"select all images", "click each image"}, cfg.Portal.Challenge.ImagePrompts)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config written")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
portal:
  login_url: https://portal.example.edu/login
  outcome:
    success: ["/student/home"]
auth:
  max_password_attempts: 5
  idle_with_challenge: 20m
server:
  addr: 127.0.0.1:9000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Setenv("FORESYNC_USERNAME", "22BCE1001")
	t.Setenv("FORESYNC_PASSWORD", "s3cret")
	t.Setenv("FORESYNC_SERVER_ALLOWED_ORIGIN", "https://app.example.edu")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://portal.example.edu/login", cfg.Portal.LoginURL)
	assert.Equal(t, []string{"/student/home"}, cfg.Portal.Outcome.Success)
	assert.NotEmpty(t, cfg.Portal.Outcome.BadCredentials, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Auth.MaxPasswordAttempts)
	assert.Equal(t, 20*time.Minute, cfg.Auth.IdleWithChallenge)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "https://app.example.edu", cfg.Server.AllowedOrigin)
	assert.Equal(t, "22BCE1001", cfg.Portal.Username)
	assert.Equal(t, "s3cret", cfg.Portal.Password)

	a := cfg.AuthSettings()
	assert.Equal(t, 5, a.MaxPasswordAttempts)
	assert.Equal(t, []string{"/student/home"}, a.Vocabulary.Success)
	assert.Equal(t, "#username", a.Selectors.Username)

	b := cfg.BrowserOptions()
	assert.True(t, b.Headless)
	assert.Equal(t, 1920, b.WindowWidth)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  max_password_attempts: 0\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max password attempts")
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portal: [unclosed"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
