package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

const (
	DefaultPoolCapacity  = 2
	DefaultPoolTTL       = 10 * time.Minute
	DefaultPoolKeyPrefix = "session:"
	// DefaultLaunchedKeyPrefix indexes every session this pool started. Its
	// entries carry no TTL so a resource is still known after its session
	// entry expires.
	DefaultLaunchedKeyPrefix = "launched:"

	// LaunchGrace keeps prune away from a session whose entry another task
	// is still writing.
	LaunchGrace = time.Minute

	statusMetadataKey   = "status"
	launchedMetadataKey = "launchedAt"
)

// Acquire outcomes reported to ports.Metrics.
const (
	AcquireOutcomeNew       = "new"
	AcquireOutcomeReused    = "reused"
	AcquireOutcomeResumed   = "resumed"
	AcquireOutcomeExhausted = "exhausted"
	AcquireOutcomeError     = "error"
)

type PoolConfig struct {
	Capacity          int
	TTL               time.Duration
	KeyPrefix         string
	LaunchedKeyPrefix string
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Capacity < 1 {
		c.Capacity = DefaultPoolCapacity
	}
	if c.TTL <= 0 {
		c.TTL = DefaultPoolTTL
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = DefaultPoolKeyPrefix
	}
	if strings.TrimSpace(c.LaunchedKeyPrefix) == "" {
		c.LaunchedKeyPrefix = DefaultLaunchedKeyPrefix
	}
	return c
}

type PoolStats struct {
	Capacity int `json:"capacity"`
	Total    int `json:"total"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
}

// PoolService leases engine sessions out of a bounded pool whose state lives
// entirely in the key/value store. It holds no state of its own, so any number
// of independent tasks can share one pool.
type PoolService struct {
	store   ports.KeyValueStore
	engine  ports.Engine
	cfg     PoolConfig
	clock   ports.Clock
	metrics ports.Metrics
	logger  *slog.Logger
}

func NewPoolService(store ports.KeyValueStore, engine ports.Engine, cfg PoolConfig, clock ports.Clock, metrics ports.Metrics, logger *slog.Logger) *PoolService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PoolService{
		store:   store,
		engine:  engine,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *PoolService) Config() PoolConfig {
	return s.cfg
}

// Acquire leases a session. A stored requestedID is resumed regardless of
// capacity. Otherwise a new session is obtained while the pool is below
// capacity, then an idle one is reused; with neither available it returns
// domain.ErrPoolExhausted.
func (s *PoolService) Acquire(ctx context.Context, requestedID domain.SessionID, resourceKey string) (domain.Lease, error) {
	lease, outcome, err := s.acquire(ctx, requestedID, resourceKey)
	s.metrics.ObserveAcquire(outcome)
	return lease, err
}

func (s *PoolService) acquire(ctx context.Context, requestedID domain.SessionID, resourceKey string) (domain.Lease, string, error) {
	if _, err := s.Prune(ctx); err != nil {
		s.logger.Warn("pool: prune before acquire", "error", err)
	}

	if id := domain.SessionID(strings.TrimSpace(string(requestedID))); id != "" {
		lease, ok, err := s.resume(ctx, id, resourceKey)
		if err != nil {
			return domain.Lease{}, AcquireOutcomeError, err
		}
		if ok {
			return lease, AcquireOutcomeResumed, nil
		}
		s.logger.Debug("pool: requested session not stored, falling back", "session", id)
	}

	entries, err := s.store.List(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return domain.Lease{}, AcquireOutcomeError, fmt.Errorf("list sessions: %w", err)
	}

	if len(entries) < s.cfg.Capacity {
		lease, err := s.obtain(ctx, resourceKey)
		if err != nil {
			return domain.Lease{}, AcquireOutcomeError, err
		}
		return lease, AcquireOutcomeNew, nil
	}

	for _, entry := range entries {
		if entry.Metadata[statusMetadataKey] != string(domain.SessionStatusIdle) {
			continue
		}

		session, err := s.load(ctx, entry.Key)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return domain.Lease{}, AcquireOutcomeError, err
		}
		if session.Status != domain.SessionStatusIdle {
			continue
		}

		session.MarkBusy(s.clock.Now(), resourceKey)
		if err := s.save(ctx, session); err != nil {
			return domain.Lease{}, AcquireOutcomeError, err
		}

		s.logger.Info("pool: reused idle session", "session", session.ID)
		return domain.Lease{SessionID: session.ID, Reused: true}, AcquireOutcomeReused, nil
	}

	s.logger.Warn("pool: exhausted", "capacity", s.cfg.Capacity, "stored", len(entries))
	return domain.Lease{}, AcquireOutcomeExhausted, domain.ErrPoolExhausted
}

func (s *PoolService) resume(ctx context.Context, id domain.SessionID, resourceKey string) (domain.Lease, bool, error) {
	session, err := s.load(ctx, s.key(id))
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Lease{}, false, nil
	}
	if err != nil {
		return domain.Lease{}, false, err
	}

	session.MarkBusy(s.clock.Now(), resourceKey)
	if err := s.save(ctx, session); err != nil {
		return domain.Lease{}, false, err
	}

	s.logger.Info("pool: resumed requested session", "session", id)
	return domain.Lease{SessionID: id, Reused: true}, true, nil
}

func (s *PoolService) obtain(ctx context.Context, resourceKey string) (domain.Lease, error) {
	id, err := s.engine.ObtainNew(ctx)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("obtain session: %w", err)
	}

	now := s.clock.Now()
	err = s.store.Put(ctx, s.launchedKey(id), []byte(now.UTC().Format(time.RFC3339Nano)), ports.PutOptions{
		Metadata: map[string]string{launchedMetadataKey: now.UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		s.closeResource(ctx, id)
		return domain.Lease{}, fmt.Errorf("index session %s: %w", id, err)
	}

	session := domain.NewPooledSession(id, now, resourceKey)
	if err := s.save(ctx, session); err != nil {
		s.closeResource(ctx, id)
		return domain.Lease{}, err
	}

	s.logger.Info("pool: created session", "session", id)
	return domain.Lease{SessionID: id, Reused: false}, nil
}

// Release marks the session idle. Releasing an unknown session is a no-op.
func (s *PoolService) Release(ctx context.Context, id domain.SessionID) error {
	session, err := s.load(ctx, s.key(id))
	if errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.Info("pool: release of unknown session ignored", "session", id)
		return nil
	}
	if err != nil {
		return err
	}

	session.MarkIdle(s.clock.Now())
	if err := s.save(ctx, session); err != nil {
		return err
	}

	s.logger.Debug("pool: released session", "session", id)
	return nil
}

// Remove forgets the session whatever its status and closes its resource.
// A resource that fails to close stays indexed for a later Prune.
func (s *PoolService) Remove(ctx context.Context, id domain.SessionID) error {
	if err := s.store.Delete(ctx, s.key(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.closeResource(ctx, id)
	s.logger.Debug("pool: removed session", "session", id)
	return nil
}

// Prune closes the resources of launched sessions whose entries have expired
// or were deleted, and returns how many it closed.
func (s *PoolService) Prune(ctx context.Context) (int, error) {
	launched, err := s.store.List(ctx, s.cfg.LaunchedKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list launched sessions: %w", err)
	}

	now := s.clock.Now()
	pruned := 0
	for _, entry := range launched {
		id := domain.SessionID(strings.TrimPrefix(entry.Key, s.cfg.LaunchedKeyPrefix))
		if at, err := time.Parse(time.RFC3339Nano, entry.Metadata[launchedMetadataKey]); err == nil && now.Sub(at) < LaunchGrace {
			continue
		}

		_, err := s.store.Get(ctx, s.key(id))
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrEntryNotFound) {
			return pruned, fmt.Errorf("get session %s: %w", id, err)
		}

		if s.closeResource(ctx, id) {
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Info("pool: pruned orphaned sessions", "count", pruned)
	}
	return pruned, nil
}

// closeResource closes the engine side of id and drops its index entry.
func (s *PoolService) closeResource(ctx context.Context, id domain.SessionID) bool {
	if err := s.engine.Close(ctx, id); err != nil {
		s.logger.Warn("pool: close session resource", "session", id, "error", err)
		return false
	}
	if err := s.store.Delete(ctx, s.launchedKey(id)); err != nil {
		s.logger.Warn("pool: drop launched index", "session", id, "error", err)
	}
	return true
}

// List returns every stored session ordered by creation time.
func (s *PoolService) List(ctx context.Context) ([]domain.PooledSession, error) {
	entries, err := s.store.List(ctx, s.cfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]domain.PooledSession, 0, len(entries))
	for _, entry := range entries {
		session, err := s.load(ctx, entry.Key)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	return sessions, nil
}

func (s *PoolService) Stats(ctx context.Context) (PoolStats, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return PoolStats{}, err
	}

	stats := PoolStats{Capacity: s.cfg.Capacity, Total: len(sessions)}
	for _, session := range sessions {
		switch session.Status {
		case domain.SessionStatusIdle:
			stats.Idle++
		case domain.SessionStatusBusy:
			stats.Busy++
		}
	}

	return stats, nil
}

func (s *PoolService) key(id domain.SessionID) string {
	return s.cfg.KeyPrefix + string(id)
}

func (s *PoolService) launchedKey(id domain.SessionID) string {
	return s.cfg.LaunchedKeyPrefix + string(id)
}

func (s *PoolService) load(ctx context.Context, key string) (domain.PooledSession, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, domain.ErrEntryNotFound) {
		return domain.PooledSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.PooledSession{}, fmt.Errorf("get session %s: %w", key, err)
	}

	var session domain.PooledSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.PooledSession{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	if session.ID == "" {
		session.ID = domain.SessionID(strings.TrimPrefix(key, s.cfg.KeyPrefix))
	}
	if err := session.Validate(); err != nil {
		return domain.PooledSession{}, fmt.Errorf("session %s: %w", key, err)
	}

	return session, nil
}

func (s *PoolService) save(ctx context.Context, session domain.PooledSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	err = s.store.Put(ctx, s.key(session.ID), raw, ports.PutOptions{
		TTL:      s.cfg.TTL,
		Metadata: map[string]string{statusMetadataKey: string(session.Status)},
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}

	return nil
}
