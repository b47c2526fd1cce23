package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "litebase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/lb-test
auth:
  jwt_secret: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Server.Address)
	assert.Equal(t, "/tmp/lb-test/main.db", cfg.Database.MainPath)
	assert.Equal(t, "/tmp/lb-test/scripts", cfg.Runtime.ScriptsDir)
	assert.Equal(t, 100, cfg.List.DefaultLimit)
	assert.Equal(t, 1024, cfg.List.MaxLimit)
	assert.Positive(t, cfg.Runtime.Workers)
}

func TestLoadRecordAPIs(t *testing.T) {
	path := writeConfig(t, `
records:
  - name: messages_api
    table: message
    acl_world: [list, read]
    acl_authenticated: [list, read, create, update, delete, subscribe]
    read_access_rule: "_ROW_._owner = _USER_.id"
    expand: [room]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Records, 1)

	api := cfg.Records[0]
	assert.Equal(t, "messages_api", api.Name)
	assert.Equal(t, "message", api.Table)
	assert.Contains(t, api.ACLAuthenticated, "subscribe")
	assert.Equal(t, "_ROW_._owner = _USER_.id", api.ReadAccessRule)
	assert.Equal(t, []string{"room"}, api.Expand)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeConfig(t, `
records:
  - name: a
    table: t1
  - name: a
    table: t2
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestStoreSwapNotifies(t *testing.T) {
	s := NewStore(&Config{})

	var got *Config
	s.OnSwap(func(c *Config) { got = c })

	next := &Config{DataDir: "/next"}
	s.Swap(next)
	assert.Same(t, next, s.Get())
	assert.Same(t, next, got)
}
