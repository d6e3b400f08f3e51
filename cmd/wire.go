package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	rodengine "github.com/bnema/placepool/internal/adapters/engine/rod"
	promadapter "github.com/bnema/placepool/internal/adapters/metrics/prometheus"
	statusadapter "github.com/bnema/placepool/internal/adapters/render/status"
	chainstore "github.com/bnema/placepool/internal/adapters/secrets/chain"
	memorystore "github.com/bnema/placepool/internal/adapters/store/memory"
	redisstore "github.com/bnema/placepool/internal/adapters/store/redis"
	sqlitestore "github.com/bnema/placepool/internal/adapters/store/sqlite"
	tomlstore "github.com/bnema/placepool/internal/adapters/store/toml"
	"github.com/bnema/placepool/internal/application"
	"github.com/bnema/placepool/internal/config"
	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

// newEngine builds the browser engine. Tests replace it with the fake engine.
var newEngine = func(cfg config.EngineConfig, logger *slog.Logger) ports.Engine {
	return rodengine.New(rodengine.Config{
		Bin:      cfg.Bin,
		Headless: cfg.Headless,
		Stealth:  cfg.Stealth,
		Logger:   logger,
	})
}

// newSecretReader builds the pass-then-file chain that resolves secret refs.
var newSecretReader = func(dir string) (ports.SecretReader, error) {
	return chainstore.NewPassFirstWithFileFallback(dir)
}

type app struct {
	cfg                config.Config
	logger             *slog.Logger
	pool               *application.PoolService
	extraction         *application.ExtractionService
	metrics            *promadapter.Recorder
	metricsFile        string
	poolRenderer       func([]domain.PooledSession, application.PoolStats, statusadapter.RenderOptions) (string, error)
	extractionRenderer func(application.ExtractionResult, statusadapter.RenderOptions) (string, error)
	now                func() time.Time

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

func (a *app) wire(ctx context.Context, opts *rootOptions, logOutput io.Writer) error {
	logger, err := newLogger(opts.logLevel, logOutput)
	if err != nil {
		return err
	}

	v := viper.New()
	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	clock := ports.SystemClock{}
	store, closeStore, err := openStore(ctx, cfg, v, clock)
	if err != nil {
		return fmt.Errorf("wire %s store: %w", cfg.Store.Driver, err)
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	policy, err := cfg.TargetPolicy()
	if err != nil {
		return fmt.Errorf("wire target policy: %w", err)
	}

	metrics := promadapter.NewRecorder()
	engine := newEngine(cfg.Engine, logger)
	pool := application.NewPoolService(store, engine, cfg.PoolService(), clock, metrics, logger)

	metricsFile := strings.TrimSpace(opts.metricsFile)
	if metricsFile == "" {
		metricsFile = cfg.Metrics.File
	}

	a.cfg = cfg
	a.logger = logger
	a.pool = pool
	a.extraction = application.NewExtractionService(pool, engine, policy, cfg.ExtractionService(), clock, metrics, logger)
	a.metrics = metrics
	a.metricsFile = metricsFile
	a.poolRenderer = statusadapter.RenderPool
	a.extractionRenderer = statusadapter.RenderExtraction
	a.now = time.Now

	logger.Debug("wire: ready", "store", cfg.Store.Driver, "capacity", cfg.Pool.Capacity)
	return nil
}

// close flushes metrics and releases store handles. It is safe to call on an
// app that was never wired.
func (a *app) close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.metrics != nil && a.metricsFile != "" {
			errs = append(errs, a.metrics.WriteTextfile(a.metricsFile))
		}
		for _, closeFn := range a.closers {
			errs = append(errs, closeFn())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func openStore(ctx context.Context, cfg config.Config, v *viper.Viper, clock ports.Clock) (ports.KeyValueStore, func() error, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return memorystore.New(clock), nil, nil
	case config.StoreTOML:
		store, err := tomlstore.NewStore(v, clock)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.StoreRedis:
		password, err := redisPassword(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: password,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StoreSQLite:
		store, err := sqlitestore.Open(ctx, cfg.Store.SQLitePath, clock)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func redisPassword(ctx context.Context, cfg config.Config) (string, error) {
	ref := strings.TrimSpace(cfg.Store.RedisPasswordRef)
	if cfg.Store.RedisPassword != "" || ref == "" {
		return cfg.Store.RedisPassword, nil
	}

	secrets, err := newSecretReader(cfg.Secrets.Dir)
	if err != nil {
		return "", fmt.Errorf("wire secret store chain: %w", err)
	}

	password, err := secrets.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve redis password: %w", err)
	}
	return password, nil
}

func newLogger(level string, output io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: lvl})), nil
}
