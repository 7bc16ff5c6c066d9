package config

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TOKEN_CIPHER_KEY", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32)))
	t.Setenv("SESSION_SECRET", "test-session-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/searchlift_test")
	t.Setenv("OAUTH_REDIRECT_URL", "https://app.searchlift.dev/console/callback")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "searchlift", cfg.ServiceName)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 200, cfg.DailyQuotaLimit)
	require.Equal(t, 5*time.Minute, cfg.StateTTL)
	require.Equal(t, 5, cfg.MaxQueueAttempts)
	require.Equal(t, 7*24*time.Hour, cfg.StaleVerdictAge)
	require.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	require.Len(t, cfg.TokenCipherKey, 32)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DAILY_QUOTA_LIMIT", "50")
	t.Setenv("OAUTH_STATE_TTL", "90s")
	t.Setenv("MAX_QUEUE_ATTEMPTS", "3")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 50, cfg.DailyQuotaLimit)
	require.Equal(t, 90*time.Second, cfg.StateTTL)
	require.Equal(t, 3, cfg.MaxQueueAttempts)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadRequiresCipherKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_CIPHER_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortCipherKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_CIPHER_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	require.ErrorContains(t, err, "32 bytes")
}

func TestLoadRejectsNonBase64CipherKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TOKEN_CIPHER_KEY", "not base64 !!!")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadClampsQueueAttempts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_QUEUE_ATTEMPTS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.MaxQueueAttempts)
}
