package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := ParseFlags([]string{"-token-secret", "s3cret"})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:8080", cfg.Addr)
		assert.Equal(t, "http://localhost:8080", cfg.Url())
		assert.Equal(t, 50, cfg.RateLimit)
		assert.Equal(t, 15*time.Minute, cfg.RateWindow)
		assert.Equal(t, 3, cfg.RetryAttempts)
		assert.False(t, cfg.Production())
	})

	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("FIELD_SURVEY_TOKEN_SECRET", "")
		_, err := ParseFlags(nil)
		require.EqualError(t, err, "missing parameter -token-secret")
	})

	t.Run("environment fallback", func(t *testing.T) {
		t.Setenv("FIELD_SURVEY_TOKEN_SECRET", "from-env")
		t.Setenv("FIELD_SURVEY_RATE_LIMIT", "7")
		t.Setenv("FIELD_SURVEY_ENV", "production")

		cfg, err := ParseFlags([]string{"-port", "9000"})
		require.NoError(t, err)

		assert.Equal(t, "from-env", cfg.TokenSecret)
		assert.Equal(t, 7, cfg.RateLimit)
		assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
		assert.True(t, cfg.Production())
	})

	t.Run("flag wins over environment", func(t *testing.T) {
		t.Setenv("FIELD_SURVEY_RATE_LIMIT", "7")

		cfg, err := ParseFlags([]string{"-token-secret", "x", "-rate-limit", "3"})
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.RateLimit)
	})

	t.Run("invalid environment value", func(t *testing.T) {
		t.Setenv("FIELD_SURVEY_RETRY_ATTEMPTS", "many")

		_, err := ParseFlags([]string{"-token-secret", "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "FIELD_SURVEY_RETRY_ATTEMPTS")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := ParseFlags([]string{"-token-secret", "x", "-db-driver", "mysql"})
		require.EqualError(t, err, "-db-driver must be sqlite3 or pgx")
	})
}
