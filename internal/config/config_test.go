package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koustreak/bucketgw/internal/database"
	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bucketgw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 300*time.Second, cfg.Cache.IdleTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Cache.CloseGrace)
	assert.Equal(t, int64(16), cfg.Local.Workers)
	assert.Equal(t, []string{"fs", "ftp", "sftp", "minio"}, cfg.Drivers)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
  url_prefix: /api/
log:
  level: debug
store:
  backend: postgres
  database:
    dsn: postgres://gw:gw@localhost:5432/gw
    max_conns: 4
cache:
  idle_timeout: 30s
drivers: [fs, ftp]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/api", cfg.Server.URLPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "unset keys keep their default")
	assert.Equal(t, 30*time.Second, cfg.Cache.IdleTimeout)
	assert.Equal(t, []string{"fs", "ftp"}, cfg.Drivers)

	db := cfg.DatabaseConfig()
	assert.Equal(t, database.DriverPostgres, db.Driver)
	assert.Equal(t, int32(4), db.MaxConns)
	assert.Equal(t, int32(2), db.MinConns)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: :7000\n")
	t.Setenv("BUCKETGW_ADDR", ":7100")
	t.Setenv("BUCKETGW_DRIVERS", "fs, sftp ,")
	t.Setenv("BUCKETGW_CACHE_IDLE_TIMEOUT", "1m")
	t.Setenv("BUCKETGW_LOCAL_WORKERS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.Addr)
	assert.Equal(t, []string{"fs", "sftp"}, cfg.Drivers)
	assert.Equal(t, time.Minute, cfg.Cache.IdleTimeout)
	assert.Equal(t, int64(4), cfg.Local.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown key", body: "server:\n  port: 1\n"},
		{name: "bad yaml", body: "server: [\n"},
		{name: "sql store without dsn", body: "store:\n  backend: mysql\n"},
		{name: "unknown backend", body: "store:\n  backend: redis\n"},
		{name: "relative prefix", body: "server:\n  url_prefix: api\n"},
		{name: "bad duration env", env: map[string]string{"BUCKETGW_CACHE_IDLE_TIMEOUT": "soon"}},
		{name: "bad number env", env: map[string]string{"BUCKETGW_LOCAL_WORKERS": "many"}},
		{name: "zero workers", env: map[string]string{"BUCKETGW_LOCAL_WORKERS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.body != "" {
				path = writeConfig(t, tt.body)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errs.IsInvalidInput(err))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errs.IsInvalidInput(err))
}

func TestSessionCacheConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.IdleTimeout = time.Minute

	sc := cfg.SessionCacheConfig("ftp", nil)
	assert.Equal(t, "ftp", sc.Name)
	assert.Equal(t, time.Minute, sc.IdleTimeout)
}
