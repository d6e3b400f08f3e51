// Package config loads placepool settings. PP_ environment variables override
// the optional TOML file, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bnema/placepool/internal/application"
	"github.com/bnema/placepool/internal/extract"
)

const (
	EnvPrefix  = "PP"
	configDir  = ".config/placepool"
	configFile = "config.toml"
)

const (
	StoreMemory = "memory"
	StoreTOML   = "toml"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

type Config struct {
	Pool       PoolConfig        `mapstructure:"pool"`
	Store      StoreConfig       `mapstructure:"store"`
	Engine     EngineConfig      `mapstructure:"engine"`
	Extraction ExtractionConfig  `mapstructure:"extraction"`
	Target     TargetConfig      `mapstructure:"target"`
	Selectors  extract.Selectors `mapstructure:"selectors"`
	Secrets    SecretsConfig     `mapstructure:"secrets"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

type PoolConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	TTL               time.Duration `mapstructure:"ttl"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	LaunchedKeyPrefix string        `mapstructure:"launched_key_prefix"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	// RedisPasswordRef names a pass entry, or a file under secrets.dir,
	// read when RedisPassword is empty.
	RedisPasswordRef string `mapstructure:"redis_password_ref"`
	RedisDB          int    `mapstructure:"redis_db"`
	SQLitePath       string `mapstructure:"sqlite_path"`
}

type SecretsConfig struct {
	Dir string `mapstructure:"dir"`
}

type EngineConfig struct {
	Bin      string `mapstructure:"bin"`
	Headless bool   `mapstructure:"headless"`
	Stealth  bool   `mapstructure:"stealth"`
}

type ExtractionConfig struct {
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout"`
	LoadTimeout         time.Duration `mapstructure:"load_timeout"`
	EvalTimeout         time.Duration `mapstructure:"eval_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	PageSize            int           `mapstructure:"page_size"`
	PageParam           string        `mapstructure:"page_param"`
	MaxPages            int           `mapstructure:"max_pages"`
	ExhaustedRetryAfter time.Duration `mapstructure:"exhausted_retry_after"`
	ThrottledRetryAfter time.Duration `mapstructure:"throttled_retry_after"`
}

type TargetConfig struct {
	Hosts       []string `mapstructure:"hosts"`
	PathPattern string   `mapstructure:"path_pattern"`
}

type MetricsConfig struct {
	File string `mapstructure:"file"`
}

// SetDefaults registers every key so that env overrides resolve during
// Unmarshal.
func SetDefaults(v *viper.Viper, homeDir string) {
	v.SetDefault("pool.capacity", application.DefaultPoolCapacity)
	v.SetDefault("pool.ttl", application.DefaultPoolTTL)
	v.SetDefault("pool.key_prefix", application.DefaultPoolKeyPrefix)
	v.SetDefault("pool.launched_key_prefix", application.DefaultLaunchedKeyPrefix)

	v.SetDefault("store.driver", StoreTOML)
	v.SetDefault("store.path", filepath.Join(homeDir, configDir, "sessions.toml"))
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_password_ref", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.sqlite_path", filepath.Join(homeDir, configDir, "sessions.db"))

	v.SetDefault("engine.bin", "")
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.stealth", true)

	v.SetDefault("extraction.navigation_timeout", application.DefaultNavigationTimeout)
	v.SetDefault("extraction.load_timeout", application.DefaultLoadTimeout)
	v.SetDefault("extraction.eval_timeout", application.DefaultEvalTimeout)
	v.SetDefault("extraction.poll_interval", application.DefaultPollInterval)
	v.SetDefault("extraction.poll_timeout", application.DefaultPollTimeout)
	v.SetDefault("extraction.page_size", application.DefaultPageSize)
	v.SetDefault("extraction.page_param", application.DefaultPageParam)
	v.SetDefault("extraction.max_pages", 1)
	v.SetDefault("extraction.exhausted_retry_after", application.DefaultExhaustedRetryAfter)
	v.SetDefault("extraction.throttled_retry_after", application.DefaultThrottledRetryAfter)

	v.SetDefault("target.hosts", application.DefaultTargetHosts)
	v.SetDefault("target.path_pattern", application.DefaultPathPattern)

	sel := extract.DefaultSelectors()
	v.SetDefault("selectors.card", sel.Card)
	v.SetDefault("selectors.link", sel.Link)
	v.SetDefault("selectors.note", sel.Note)
	v.SetDefault("selectors.next", sel.Next)
	v.SetDefault("selectors.range", sel.Range)
	v.SetDefault("selectors.empty", sel.Empty)
	v.SetDefault("selectors.blob", sel.Blob)

	v.SetDefault("secrets.dir", filepath.Join(homeDir, configDir, "secrets"))
	v.SetDefault("metrics.file", "")
}

// Load reads the config file chosen with v.SetConfigFile, or the default
// $HOME/.config/placepool/config.toml when it exists.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}

	SetDefaults(v, homeDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := v.ConfigFileUsed() != ""
	if !explicit {
		v.SetConfigFile(filepath.Join(homeDir, configDir, configFile))
	}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Pool.Capacity < 1 {
		errs = append(errs, fmt.Errorf("pool.capacity must be at least 1, got %d", c.Pool.Capacity))
	}
	if strings.TrimSpace(c.Pool.KeyPrefix) == "" {
		errs = append(errs, errors.New("pool.key_prefix must not be empty"))
	}
	if strings.TrimSpace(c.Pool.LaunchedKeyPrefix) == "" {
		errs = append(errs, errors.New("pool.launched_key_prefix must not be empty"))
	} else if strings.HasPrefix(c.Pool.KeyPrefix, c.Pool.LaunchedKeyPrefix) || strings.HasPrefix(c.Pool.LaunchedKeyPrefix, c.Pool.KeyPrefix) {
		errs = append(errs, fmt.Errorf("pool.launched_key_prefix %q overlaps pool.key_prefix %q", c.Pool.LaunchedKeyPrefix, c.Pool.KeyPrefix))
	}

	switch c.Store.Driver {
	case StoreMemory, StoreTOML, StoreRedis, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, toml, redis, sqlite", c.Store.Driver))
	}

	for name, value := range map[string]time.Duration{
		"pool.ttl":                         c.Pool.TTL,
		"extraction.navigation_timeout":    c.Extraction.NavigationTimeout,
		"extraction.load_timeout":          c.Extraction.LoadTimeout,
		"extraction.eval_timeout":          c.Extraction.EvalTimeout,
		"extraction.poll_interval":         c.Extraction.PollInterval,
		"extraction.poll_timeout":          c.Extraction.PollTimeout,
		"extraction.exhausted_retry_after": c.Extraction.ExhaustedRetryAfter,
		"extraction.throttled_retry_after": c.Extraction.ThrottledRetryAfter,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}

	if c.Extraction.PageSize < 1 {
		errs = append(errs, fmt.Errorf("extraction.page_size must be at least 1, got %d", c.Extraction.PageSize))
	}
	if c.Extraction.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("extraction.max_pages must be at least 1, got %d", c.Extraction.MaxPages))
	}
	if _, err := regexp.Compile(c.Target.PathPattern); err != nil {
		errs = append(errs, fmt.Errorf("target.path_pattern: %w", err))
	}

	return errors.Join(errs...)
}

func (c Config) PoolService() application.PoolConfig {
	return application.PoolConfig{
		Capacity:          c.Pool.Capacity,
		TTL:               c.Pool.TTL,
		KeyPrefix:         c.Pool.KeyPrefix,
		LaunchedKeyPrefix: c.Pool.LaunchedKeyPrefix,
	}
}

func (c Config) ExtractionService() application.ExtractionConfig {
	return application.ExtractionConfig{
		NavigationTimeout:   c.Extraction.NavigationTimeout,
		LoadTimeout:         c.Extraction.LoadTimeout,
		EvalTimeout:         c.Extraction.EvalTimeout,
		PollInterval:        c.Extraction.PollInterval,
		PollTimeout:         c.Extraction.PollTimeout,
		PageSize:            c.Extraction.PageSize,
		PageParam:           c.Extraction.PageParam,
		MaxPages:            c.Extraction.MaxPages,
		ExhaustedRetryAfter: c.Extraction.ExhaustedRetryAfter,
		ThrottledRetryAfter: c.Extraction.ThrottledRetryAfter,
		Selectors:           c.Selectors,
	}
}

func (c Config) TargetPolicy() (application.TargetPolicy, error) {
	return application.NewTargetPolicy(c.Target.Hosts, c.Target.PathPattern)
}
