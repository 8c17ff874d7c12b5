package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("CHATCACHE_ADDR", "")
	t.Setenv("CHATCACHE_TOKEN", "")
	t.Setenv("CHATCACHE_USER", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("CHATCACHE_ADDR", "")
	t.Setenv("CHATCACHE_TOKEN", "")
	t.Setenv("CHATCACHE_USER", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
user_id: u-42
server:
  addr: chat.example.com:443
  call_timeout: 3s
cache:
  messages_fresh: 90s
stream:
  flush_chars: 64
logging:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "u-42", cfg.UserID)
	require.Equal(t, "chat.example.com:443", cfg.Server.Addr)
	require.Equal(t, 3*time.Second, cfg.Server.CallTimeout)
	require.Equal(t, 90*time.Second, cfg.Cache.MessagesFresh)
	require.Equal(t, time.Minute, cfg.Cache.MessagesRefresh, "untouched keys keep defaults")
	require.Equal(t, 64, cfg.Stream.FlushChars)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvWins(t *testing.T) {
	t.Setenv("CHATCACHE_ADDR", "env:1")
	t.Setenv("CHATCACHE_TOKEN", "tok")
	t.Setenv("CHATCACHE_USER", "env-user")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: file:1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env:1", cfg.Server.Addr)
	require.Equal(t, "tok", cfg.Server.Token)
	require.Equal(t, "env-user", cfg.UserID)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("CHATCACHE_ADDR", "")
	t.Setenv("CHATCACHE_TOKEN", "")
	t.Setenv("CHATCACHE_USER", "")

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Default()
	want.UserID = "u1"
	want.Cache.FinalDebounce = 5 * time.Millisecond
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no addr":            func(c *Config) { c.Server.Addr = "" },
		"no cache path":      func(c *Config) { c.Cache.Path = "" },
		"refresh > fresh":    func(c *Config) { c.Cache.ThreadsRefresh = time.Hour },
		"negative debounce":  func(c *Config) { c.Cache.StreamingDebounce = -1 },
		"zero retention":     func(c *Config) { c.Cache.Retention = 0 },
		"zero flush chars":   func(c *Config) { c.Stream.FlushChars = 0 },
		"gap under debounce": func(c *Config) { c.Stream.FlushGap = c.Cache.StreamingDebounce },
		"bad level":          func(c *Config) { c.Logging.Level = "trace" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
