package config

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "possync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", envOf(map[string]string{"POSSYNC_DEVICE_ID": "till-1"}))
	require.NoError(t, err)

	assert.Equal(t, "till-1", cfg.Device.ID)
	assert.Equal(t, 5*time.Second, cfg.Sync.DrainInterval.D())
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Debounce.D())
	assert.Equal(t, 5, cfg.Sync.MaxRejections)
	assert.Equal(t, "sqlite", cfg.Server.Driver)
	assert.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	assert.Equal(t, filepath.Join(".", "possync.db"), cfg.Device.DBPath())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
device:
  id: till-7
  data_dir: /var/lib/possync
remote:
  url: http://store.local:8080
  timeout: 3s
sync:
  drain_interval: 1s
  retry_base: 2s
  retry_max: 1m
  max_rejections: 3
server:
  driver: mysql
  dsn: pos:pos@tcp(db:3306)/pos
  allowed_origins: [http://admin.local]
log:
  level: debug
  format: json
`)
	cfg, err := load(path, envOf(map[string]string{
		"POSSYNC_REMOTE_URL":      "http://override:9000",
		"POSSYNC_MAX_REJECTIONS":  "8",
		"POSSYNC_ALLOWED_ORIGINS": "http://a, http://b ,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "till-7", cfg.Device.ID)
	assert.Equal(t, "/var/lib/possync/possync.db", cfg.Device.DBPath())
	assert.Equal(t, "http://override:9000", cfg.Remote.URL, "env wins over the file")
	assert.Equal(t, 3*time.Second, cfg.Remote.Timeout.D())
	assert.Equal(t, time.Second, cfg.Sync.DrainInterval.D())
	assert.Equal(t, 2*time.Minute, cfg.Sync.EchoWindow.D(), "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Sync.MaxRejections)
	assert.Equal(t, "mysql", cfg.Server.Driver)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_Errors(t *testing.T) {
	env := envOf(map[string]string{"POSSYNC_DEVICE_ID": "till-1"})

	for name, body := range map[string]string{
		"unknown key":      "sync:\n  drain: 1s\n",
		"bad duration":     "sync:\n  drain_interval: soon\n",
		"numeric duration": "sync:\n  drain_interval: 5\n",
		"bad driver":       "server:\n  driver: postgres\n",
		"bad format":       "log:\n  format: xml\n",
		"zero interval":    "sync:\n  drain_interval: 0s\n",
		"inverted backoff": "sync:\n  retry_base: 1m\n  retry_max: 1s\n",
		"no sales window":  "sync:\n  sales_days: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load(writeConfig(t, body), env)
			assert.Error(t, err)
		})
	}

	_, err := load("", envOf(map[string]string{"POSSYNC_DEVICE_ID": "x", "POSSYNC_TOKEN_TTL": "forever"}))
	assert.ErrorContains(t, err, "POSSYNC_TOKEN_TTL")

	_, err = load(filepath.Join(t.TempDir(), "missing.yaml"), env)
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := load(writeConfig(t, ""), envOf(map[string]string{"POSSYNC_DEVICE_ID": "till-1"}))
	require.NoError(t, err)
	assert.Equal(t, Default().Sync, cfg.Sync)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("POSSYNC_TEST_SECRET=from-dotenv\nPOSSYNC_TEST_KEPT=from-dotenv\n"), 0o600))
	t.Setenv("POSSYNC_TEST_KEPT", "from-env")
	t.Setenv("POSSYNC_TEST_SECRET", "")
	require.NoError(t, os.Unsetenv("POSSYNC_TEST_SECRET"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), path))
	assert.Equal(t, "from-dotenv", os.Getenv("POSSYNC_TEST_SECRET"))
	assert.Equal(t, "from-env", os.Getenv("POSSYNC_TEST_KEPT"), "existing variables win")
}

func TestDeviceIDFrom(t *testing.T) {
	mac, err := net.ParseMAC("00:1a:2b:3c:4d:5e")
	require.NoError(t, err)

	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "eth1", Flags: 0, HardwareAddr: mac},
		{Name: "eth0", Flags: net.FlagUp, HardwareAddr: mac},
	}
	id := deviceIDFrom(ifaces)
	assert.Regexp(t, `^POS-[0-9A-F]{8}$`, id)
	assert.Equal(t, id, deviceIDFrom(ifaces), "stable across calls")

	assert.Equal(t, unknownDeviceID, deviceIDFrom(ifaces[:2]))
	assert.Equal(t, unknownDeviceID, deviceIDFrom(nil))
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}
