package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/placepool/internal/application"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.Capacity)
	assert.Equal(t, 10*time.Minute, cfg.Pool.TTL)
	assert.Equal(t, "session:", cfg.Pool.KeyPrefix)
	assert.Equal(t, "launched:", cfg.Pool.LaunchedKeyPrefix)
	assert.Equal(t, StoreTOML, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, ".config", "placepool", "sessions.toml"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(home, ".config", "placepool", "sessions.db"), cfg.Store.SQLitePath)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.True(t, cfg.Engine.Headless)
	assert.True(t, cfg.Engine.Stealth)
	assert.Equal(t, 30*time.Second, cfg.Extraction.NavigationTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Extraction.PollInterval)
	assert.Equal(t, 200, cfg.Extraction.PageSize)
	assert.Equal(t, "page", cfg.Extraction.PageParam)
	assert.Equal(t, 1, cfg.Extraction.MaxPages)
	assert.Equal(t, 60*time.Second, cfg.Extraction.ThrottledRetryAfter)
	assert.Equal(t, []string{"www.google.com", "google.com"}, cfg.Target.Hosts)
	assert.Equal(t, `script#collection-state`, cfg.Selectors.Blob)
	assert.Empty(t, cfg.Metrics.File)
}

func TestLoadReadsDefaultConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "placepool")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[pool]
capacity = 4
ttl = "90s"

[store]
driver = "sqlite"

[extraction]
page_size = 50
max_pages = 3

[selectors]
card = "li.place"
`), 0o600))

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Pool.TTL)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Extraction.PageSize)
	assert.Equal(t, 3, cfg.Extraction.MaxPages)
	assert.Equal(t, "li.place", cfg.Selectors.Card)
	assert.Equal(t, `a[href]`, cfg.Selectors.Link)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pool]\ncapacity = 4\n"), 0o600))
	t.Setenv("PP_POOL_CAPACITY", "7")
	t.Setenv("PP_STORE_DRIVER", "memory")
	t.Setenv("PP_EXTRACTION_POLL_TIMEOUT", "3s")

	v := viper.New()
	v.SetConfigFile(path)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pool.Capacity)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Extraction.PollTimeout)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	v := viper.New()
	v.SetConfigFile(filepath.Join(t.TempDir(), "missing.toml"))

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	base, err := Load(viper.New())
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.Pool.Capacity = 0 }, wantErr: "pool.capacity"},
		{name: "blank prefix", mutate: func(c *Config) { c.Pool.KeyPrefix = " " }, wantErr: "pool.key_prefix"},
		{name: "blank launched prefix", mutate: func(c *Config) { c.Pool.LaunchedKeyPrefix = "" }, wantErr: "pool.launched_key_prefix"},
		{name: "overlapping prefixes", mutate: func(c *Config) { c.Pool.LaunchedKeyPrefix = "session:launched:" }, wantErr: "overlaps pool.key_prefix"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }, wantErr: "store.driver"},
		{name: "zero ttl", mutate: func(c *Config) { c.Pool.TTL = 0 }, wantErr: "pool.ttl"},
		{name: "negative eval timeout", mutate: func(c *Config) { c.Extraction.EvalTimeout = -time.Second }, wantErr: "extraction.eval_timeout"},
		{name: "page size", mutate: func(c *Config) { c.Extraction.PageSize = 0 }, wantErr: "extraction.page_size"},
		{name: "max pages", mutate: func(c *Config) { c.Extraction.MaxPages = 0 }, wantErr: "extraction.max_pages"},
		{name: "bad regex", mutate: func(c *Config) { c.Target.PathPattern = "([" }, wantErr: "target.path_pattern"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestServiceConfigs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	pool := cfg.PoolService()
	assert.Equal(t, application.PoolConfig{Capacity: 2, TTL: 10 * time.Minute, KeyPrefix: "session:", LaunchedKeyPrefix: "launched:"}, pool)

	extraction := cfg.ExtractionService()
	assert.Equal(t, 200, extraction.PageSize)
	assert.Equal(t, cfg.Selectors, extraction.Selectors)

	policy, err := cfg.TargetPolicy()
	require.NoError(t, err)
	_, err = policy.Validate("https://www.google.com/collections/s/list/abc123")
	require.NoError(t, err)
}
