package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cfevents/internal/errors"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Dedup.Window)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, len(cfg.Sources), len(again.Sources))
	assert.Equal(t, cfg.Dedup.Window, again.Dedup.Window)
	ebrite, ok := again.Source("ebrite")
	require.True(t, ok)
	assert.Equal(t, CategoryMusic, ebrite.Categories["music"])
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
database:
  dsn: /tmp/events.db
dedup:
  window: 45m
taxonomy: [music, sport]
sources:
  - name: city
    type: ICS
    url: https://example.com/city.ics
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 45*time.Minute, cfg.Dedup.Window)
	assert.Contains(t, cfg.Taxonomy, "other")
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, TypeICS, cfg.Sources[0].Type)
	assert.Equal(t, 90, cfg.Sources[0].HorizonDays)
	assert.Equal(t, KindFeed, cfg.Sources[0].Kind())
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsConfigError(err))
}

func TestValidate(t *testing.T) {
	t.Run("duplicate source", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sources = append(cfg.Sources, cfg.Sources[0])
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, apperrors.IsConfigError(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sources = []SourceConfig{{Name: "x", Type: "gopher", URL: "http://x"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("sheet needs spreadsheet id", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sources = []SourceConfig{{Name: "gdocs", Type: TypeSheet}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})
}

func TestSourceKindAndToken(t *testing.T) {
	t.Setenv("TEST_CF_TOKEN", "  secret ")
	s := SourceConfig{Type: TypeMeetup, TokenEnv: "TEST_CF_TOKEN"}
	assert.Equal(t, KindAPI, s.Kind())
	assert.Equal(t, "secret", s.Token())
	assert.Equal(t, "", SourceConfig{}.Token())
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CF_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("CF_TEST_DOTENV", "")
	os.Unsetenv("CF_TEST_DOTENV")

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "from-file", os.Getenv("CF_TEST_DOTENV"))
}
