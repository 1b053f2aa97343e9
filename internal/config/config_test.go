package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("SRC_DIALECT", "mysql")
	t.Setenv("SRC_HOST", "mysql.internal")
	t.Setenv("SRC_PORT", "3306")
	t.Setenv("SRC_USER", "app")
	t.Setenv("SRC_DBNAME", "shop")
	t.Setenv("SRC_SECRET_REF", "env:SRC_PASSWORD")
	t.Setenv("DST_DIALECT", "postgres")
	t.Setenv("DST_HOST", "pg.internal")
	t.Setenv("DST_PORT", "5432")
	t.Setenv("DST_USER", "app")
	t.Setenv("DST_DBNAME", "shop")
	t.Setenv("DST_SECRET_REF", "vault:db/shop")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TABLES", "orders, users,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2, cfg.PrefetchBatches)
	assert.Equal(t, 100, cfg.ReconcileSampleSize)
	assert.True(t, cfg.CaseInsensitive)
	assert.Equal(t, TranslatorNone, cfg.TranslatorProvider)
	assert.Equal(t, []string{"orders", "users"}, cfg.Tables)
	assert.Empty(t, cfg.ExcludeTables)
	assert.Equal(t, "mysql://mysql.internal:3306/shop", cfg.Source.Key())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown dialect", map[string]string{"SRC_DIALECT": "oracle"}},
		{"missing host", map[string]string{"DST_HOST": ""}},
		{"bad secret scheme", map[string]string{"SRC_SECRET_REF": "file:/etc/pw"}},
		{"zero batch size", map[string]string{"BATCH_SIZE": "0"}},
		{"same database", map[string]string{"DST_DIALECT": "mysql", "DST_HOST": "mysql.internal", "DST_PORT": "3306"}},
		{"http translator without url", map[string]string{"TRANSLATOR_PROVIDER": "http"}},
		{"unknown translator", map[string]string{"TRANSLATOR_PROVIDER": "magic"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestSQLiteProfileNeedsNoHostOrSecret(t *testing.T) {
	p := ConnectionProfile{Dialect: "sqlite", DBName: "/tmp/app.db", PoolSize: 1}
	assert.NoError(t, p.Validate())
	assert.Equal(t, "sqlite:///tmp/app.db", p.Key())
}

func TestProfileLogObjectOmitsSecretTarget(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := ConnectionProfile{Dialect: "postgres", Host: "db", Port: 5432, DBName: "x", SecretRef: "vault:prod/db/password", PoolSize: 4}
	zap.New(core).Info("connecting", zap.Object("profile", p))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()["profile"].(map[string]interface{})
	assert.Equal(t, "vault", fields["secret_source"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "prod/db/password")
		}
	}
}

func TestLoadTypeOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  Postgres:
    canonical:
      json: JSONB
    native:
      "MySQL:MEDIUMTEXT": TEXT
`), 0o600))

	o, err := LoadTypeOverrides(path)
	require.NoError(t, err)

	v, ok := o.Lookup("postgres", "JSON", "", "")
	assert.True(t, ok)
	assert.Equal(t, "JSONB", v)

	v, ok = o.Lookup("postgres", "TEXT", "mysql", "mediumtext")
	assert.True(t, ok)
	assert.Equal(t, "TEXT", v)

	_, ok = o.Lookup("mysql", "JSON", "", "")
	assert.False(t, ok)

	empty, err := LoadTypeOverrides("")
	require.NoError(t, err)
	_, ok = empty.Lookup("postgres", "JSON", "", "")
	assert.False(t, ok)
}

func TestLoadSettingsIgnoresProfiles(t *testing.T) {
	t.Setenv("WORKERS", "3")
	cfg, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Empty(t, cfg.Source.Dialect)

	t.Setenv("WORKERS", "0")
	_, err = LoadSettings()
	assert.Error(t, err)
}
