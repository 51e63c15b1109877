package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "s")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "localhost:8081", cfg.AdminAddr)
	assert.Equal(t, "bbolt", cfg.StorageDriver)
	assert.Equal(t, 60*time.Second, cfg.PresenceStaleAfter)
	assert.Equal(t, 5*time.Second, cfg.OfflineGrace)
	assert.Equal(t, 2*time.Second, cfg.TypingTTL)
	assert.Equal(t, 60*time.Second, cfg.RateWindow)
	assert.Equal(t, 100, cfg.RateMax)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "s")
	t.Setenv("RATE_MAX", "5")
	t.Setenv("TYPING_TTL", "3s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RateMax)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AUTH_SECRET=from-file\nRATE_MAX=7\n"), 0600))
	// Unset values so godotenv can fill them; t.Setenv restores afterwards.
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("RATE_MAX", "")
	require.NoError(t, os.Unsetenv("AUTH_SECRET"))
	require.NoError(t, os.Unsetenv("RATE_MAX"))

	cfg, err := Load(false)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.AuthSecret)
	assert.Equal(t, 7, cfg.RateMax)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("MissingSecret", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "")
		_, err := Load(false)
		assert.Error(t, err)

		_, err = Load(true)
		assert.NoError(t, err)
	})

	t.Run("BadDuration", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s")
		t.Setenv("RATE_WINDOW", "soon")
		_, err := Load(false)
		assert.ErrorContains(t, err, "RATE_WINDOW")
	})

	t.Run("ZeroMax", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s")
		t.Setenv("RATE_MAX", "0")
		_, err := Load(false)
		assert.ErrorContains(t, err, "RATE_MAX")
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s")
		t.Setenv("STORAGE_DRIVER", "postgres")
		_, err := Load(false)
		assert.ErrorContains(t, err, "STORAGE_DRIVER")
	})

	t.Run("HalfVAPID", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s")
		t.Setenv("VAPID_PUBLIC_KEY", "pub")
		_, err := Load(false)
		assert.ErrorContains(t, err, "VAPID")
	})
}
