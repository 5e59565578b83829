package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `{}`))
		require.NoError(t, err)
		assert.Equal(t, 4500, cfg.Server.Port)
		assert.Equal(t, "badger", cfg.Storage.Type)
		assert.Equal(t, "kv", cfg.Blobs.Type)
		assert.Equal(t, "both", cfg.Policy.Inheritance)
		assert.Equal(t, 30*time.Second, cfg.Sync.Interval.Duration)
	})

	t.Run("full", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `{
			"server": {"host": "0.0.0.0", "port": 8080},
			"storage": {"type": "postgres", "dsn": "postgres://localhost/quire"},
			"blobs": {"type": "s3", "s3": {"bucket": "content"}},
			"sync": {"interval": "5s"},
			"content": {"workspaces": {"main": {"roots": {"pages": {"locales": ["en", "fr"]}}}}},
			"policy": {"inheritance": "down", "roles": {"editor": {"entries": {"b": ["read", "update"]}}}}
		}`))
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 5*time.Second, cfg.Sync.Interval.Duration)
		assert.Equal(t, []string{"en", "fr"}, cfg.Content.Workspaces["main"].Roots["pages"].Locales)
		assert.Equal(t, []string{"read", "update"}, cfg.Policy.Roles["editor"].Entries["b"])
	})

	t.Run("invalid", func(t *testing.T) {
		tests := map[string]string{
			"storage type": `{"storage": {"type": "mongo"}}`,
			"postgres dsn": `{"storage": {"type": "postgres"}}`,
			"s3 bucket":    `{"blobs": {"type": "s3"}}`,
			"inheritance":  `{"policy": {"inheritance": "sideways"}}`,
			"bad duration": `{"sync": {"interval": "soon"}}`,
			"rootless ws":  `{"content": {"workspaces": {"main": {}}}}`,
		}
		for name, body := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := Load(writeConfig(t, body))
				assert.Error(t, err)
			})
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Remote.URL = "http://localhost:4500"
	path := filepath.Join(t.TempDir(), ".quire", "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPath(t *testing.T) {
	t.Setenv("QUIRE_CONFIG", "")
	t.Setenv("QUIRE_ENV", "production")
	assert.Equal(t, "config/config.production.json", Path())

	t.Setenv("QUIRE_CONFIG", "/etc/quire.json")
	assert.Equal(t, "/etc/quire.json", Path())
}
