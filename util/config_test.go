package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in a fresh working directory with a fresh home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(HomeEnv, "")
	t.Chdir(t.TempDir())
	return home
}

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "stegofed", Name)
	assert.Equal(t, "config.yaml", ConfigFileName)
}

func TestEmbeddedDefaults(t *testing.T) {
	c, err := ParseConf(nil)
	require.NoError(t, err)

	assert.Equal(t, 9999, c.Conf.HttpPort)
	assert.Equal(t, "sqlite", c.Conf.Store.Driver)
	assert.True(t, c.Conf.Federation.AutoAccept)
	assert.Equal(t, 12*time.Hour, c.Conf.Federation.ClockSkew)
	assert.Equal(t, 24*time.Hour, c.Conf.Federation.ActorCacheTTL)
	assert.Equal(t, 7*24*time.Hour, c.Conf.Federation.KeyGrace)
	assert.Equal(t, 8, c.Conf.Delivery.MaxAttempts)
	assert.Equal(t, 2, c.Conf.Delivery.PerHost)
	assert.Equal(t, 30*time.Second, c.Conf.Delivery.InitialBackoff)
	assert.Equal(t, time.Hour, c.Conf.Delivery.MaxBackoff)
	assert.Equal(t, 2048, c.Conf.Keys.Bits)
}

func TestReadConfWithYaml(t *testing.T) {
	isolate(t)
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 8080
  sslDomain: example.com
  store:
    driver: postgres
    dsn: postgres://localhost/fed
  federation:
    autoAccept: false
    blockedInstances: [spam.example, "*.bad.example"]
    clockSkew: 5m
  delivery:
    maxAttempts: 3
`
	require.NoError(t, os.WriteFile(ConfigFileName, []byte(yamlContent), 0644))

	c, err := ReadConf()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", c.Conf.Host)
	assert.Equal(t, 8080, c.Conf.HttpPort)
	assert.Equal(t, "example.com", c.Conf.SslDomain)
	assert.Equal(t, "postgres", c.Conf.Store.Driver)
	assert.Equal(t, "postgres://localhost/fed", c.Conf.Store.DSN)
	assert.False(t, c.Conf.Federation.AutoAccept)
	assert.Equal(t, []string{"spam.example", "*.bad.example"}, c.Conf.Federation.BlockedInstances)
	assert.Equal(t, 5*time.Minute, c.Conf.Federation.ClockSkew)
	assert.Equal(t, 3, c.Conf.Delivery.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 2, c.Conf.Delivery.PerHost)
	assert.Equal(t, "https://example.com", c.PublicURL())
	assert.Equal(t, "127.0.0.1:8080", c.ListenAddr())
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(ConfigFileName, []byte("conf:\n  host: 127.0.0.1\n  httpPort: 9999\n"), 0644))

	t.Setenv("STEGOFED_HOST", "0.0.0.0")
	t.Setenv("STEGOFED_HTTPPORT", "8081")
	t.Setenv("STEGOFED_SSLDOMAIN", "test.example.com")
	t.Setenv("STEGOFED_BASEURL", "http://localhost:8081/")
	t.Setenv("STEGOFED_STORE_DRIVER", "file")
	t.Setenv("STEGOFED_STORE_PATH", "/var/lib/stegofed")
	t.Setenv("STEGOFED_AUTO_ACCEPT", "false")
	t.Setenv("STEGOFED_BLOCKED_INSTANCES", "a.example, b.example,")
	t.Setenv("STEGOFED_ALLOWED_INSTANCES", "friend.example")
	t.Setenv("STEGOFED_CLOCK_SKEW", "1h")
	t.Setenv("STEGOFED_IDENTITY_FILE", "/etc/stegofed/identity.txt")

	c, err := ReadConf()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Conf.Host)
	assert.Equal(t, 8081, c.Conf.HttpPort)
	assert.Equal(t, "test.example.com", c.Conf.SslDomain)
	assert.Equal(t, "http://localhost:8081", c.PublicURL())
	assert.Equal(t, "file", c.Conf.Store.Driver)
	assert.Equal(t, "/var/lib/stegofed", c.Conf.Store.Path)
	assert.False(t, c.Conf.Federation.AutoAccept)
	assert.Equal(t, []string{"a.example", "b.example"}, c.Conf.Federation.BlockedInstances)
	assert.True(t, c.Conf.Federation.AllowList)
	assert.Equal(t, []string{"friend.example"}, c.Conf.Federation.AllowedInstances)
	assert.Equal(t, time.Hour, c.Conf.Federation.ClockSkew)
	assert.Equal(t, "/etc/stegofed/identity.txt", c.Conf.Keys.IdentityFile)
}

func TestReadConfMissingFileWritesDefault(t *testing.T) {
	home := isolate(t)

	c, err := ReadConf()
	require.NoError(t, err)
	assert.Equal(t, 9999, c.Conf.HttpPort)

	written, err := os.ReadFile(filepath.Join(home, AppConfigDir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, embeddedConfig, written)
}

func TestReadConfInvalidYaml(t *testing.T) {
	isolate(t)
	invalidYaml := `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`
	require.NoError(t, os.WriteFile(ConfigFileName, []byte(invalidYaml), 0644))

	_, err := ReadConf()
	assert.Error(t, err)
}

func TestReadConfInvalidEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(ConfigFileName, []byte("conf:\n  httpPort: 9999\n"), 0644))

	t.Setenv("STEGOFED_HTTPPORT", "not_a_number")
	_, err := ReadConf()
	assert.ErrorContains(t, err, "STEGOFED_HTTPPORT")

	t.Setenv("STEGOFED_HTTPPORT", "")
	t.Setenv("STEGOFED_CLOCK_SKEW", "soon")
	_, err = ReadConf()
	assert.ErrorContains(t, err, "STEGOFED_CLOCK_SKEW")
}

func TestLayout(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, AppConfigDir)

	l, err := DefaultLayout()
	require.NoError(t, err)
	assert.Equal(t, dir, l.Dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, filepath.Join(dir, ConfigFileName), l.ConfigFile())
	assert.Equal(t, filepath.Join(dir, "keys", IdentityFileName), l.IdentityFile())

	require.NoError(t, os.WriteFile(ConfigFileName, nil, 0644))
	assert.Equal(t, ConfigFileName, l.ConfigFile(), "the working directory wins")
}

func TestLayoutHomeOverride(t *testing.T) {
	isolate(t)
	custom := filepath.Join(t.TempDir(), "fed")
	t.Setenv(HomeEnv, custom)

	l, err := DefaultLayout()
	require.NoError(t, err)
	assert.Equal(t, custom, l.Dir)
}

func TestLayoutStorePath(t *testing.T) {
	l := Layout{Dir: "/srv/fed"}
	t.Chdir(t.TempDir())

	tests := []struct {
		driver, path, want string
	}{
		{"file", "", "/srv/fed/store"},
		{"file", "docs", "/srv/fed/docs"},
		{"sqlite", "", "/srv/fed/stegofed.db"},
		{"sqlite", "/var/lib/fed.db", "/var/lib/fed.db"},
		{"postgres", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.StorePath(tt.driver, tt.path), tt.driver+" "+tt.path)
	}
}
