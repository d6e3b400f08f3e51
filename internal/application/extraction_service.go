package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/extract"
	"github.com/bnema/placepool/internal/ports"
)

const (
	DefaultNavigationTimeout   = 30 * time.Second
	DefaultLoadTimeout         = 20 * time.Second
	DefaultEvalTimeout         = 10 * time.Second
	DefaultPollInterval        = 250 * time.Millisecond
	DefaultPollTimeout         = 10 * time.Second
	DefaultExhaustedRetryAfter = 10 * time.Second
	DefaultThrottledRetryAfter = 60 * time.Second

	cleanupTimeout = 30 * time.Second
)

var throttlePattern = regexp.MustCompile(`(?i)\b429\b|rate limit|too many requests`)

type ExtractionConfig struct {
	NavigationTimeout   time.Duration
	LoadTimeout         time.Duration
	EvalTimeout         time.Duration
	PollInterval        time.Duration
	PollTimeout         time.Duration
	PageSize            int
	PageParam           string
	MaxPages            int
	ExhaustedRetryAfter time.Duration
	ThrottledRetryAfter time.Duration
	Selectors           extract.Selectors
}

func (c ExtractionConfig) withDefaults() ExtractionConfig {
	duration := func(value *time.Duration, fallback time.Duration) {
		if *value <= 0 {
			*value = fallback
		}
	}
	duration(&c.NavigationTimeout, DefaultNavigationTimeout)
	duration(&c.LoadTimeout, DefaultLoadTimeout)
	duration(&c.EvalTimeout, DefaultEvalTimeout)
	duration(&c.PollInterval, DefaultPollInterval)
	duration(&c.PollTimeout, DefaultPollTimeout)
	duration(&c.ExhaustedRetryAfter, DefaultExhaustedRetryAfter)
	duration(&c.ThrottledRetryAfter, DefaultThrottledRetryAfter)

	if c.PageSize < 1 {
		c.PageSize = DefaultPageSize
	}
	if strings.TrimSpace(c.PageParam) == "" {
		c.PageParam = DefaultPageParam
	}
	if c.MaxPages < 1 {
		c.MaxPages = 1
	}
	c.Selectors = c.Selectors.WithDefaults()

	return c
}

// ExtractionService leases a pooled session, walks a collection and returns the
// reconciled records. The session is handed back to the pool on every path.
type ExtractionService struct {
	pool    *PoolService
	engine  ports.Engine
	policy  TargetPolicy
	cfg     ExtractionConfig
	clock   ports.Clock
	metrics ports.Metrics
	logger  *slog.Logger
}

func NewExtractionService(pool *PoolService, engine ports.Engine, policy TargetPolicy, cfg ExtractionConfig, clock ports.Clock, metrics ports.Metrics, logger *slog.Logger) *ExtractionService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExtractionService{
		pool:    pool,
		engine:  engine,
		policy:  policy,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *ExtractionService) Run(ctx context.Context, req ExtractionRequest) ExtractionResult {
	started := s.clock.Now()

	run := &extractionRun{
		svc:    s,
		req:    req,
		stage:  StageIdle,
		logger: s.logger.With("target", req.Target),
		result: ExtractionResult{Records: []domain.PlaceRecord{}},
	}
	run.execute(ctx)

	run.result.Elapsed = s.clock.Now().Sub(started)
	s.metrics.ObserveExtraction(string(run.result.Outcome), run.result.Elapsed)
	run.logger.Info("extract: finished",
		"outcome", run.result.Outcome,
		"session", run.result.SessionID,
		"records", len(run.result.Records),
		"pages", run.result.Pages,
		"elapsed", run.result.Elapsed,
	)

	return run.result
}

type extractionRun struct {
	svc    *ExtractionService
	req    ExtractionRequest
	logger *slog.Logger

	stage     Stage
	target    *url.URL
	session   domain.SessionID
	gone      bool
	throttled bool
	browser   ports.Browser
	page      ports.Page

	result ExtractionResult
}

type pageData struct {
	records    []domain.PlaceRecord
	cursor     domain.PageCursor
	collection domain.CollectionMeta
	first      string
}

func (r *extractionRun) execute(ctx context.Context) {
	target, err := r.svc.policy.Validate(r.req.Target)
	if err == nil && r.req.Offset < 0 {
		err = fmt.Errorf("%w: negative offset %d", domain.ErrInvalidTarget, r.req.Offset)
	}
	if err != nil {
		r.finish(err, StageIdle)
		return
	}
	r.target = target

	if err := r.lease(ctx); err != nil {
		r.finish(err, r.stage)
		return
	}

	err = r.collect(ctx)
	failedAt := r.stage
	r.cleanup(ctx)
	r.finish(err, failedAt)
}

func (r *extractionRun) enter(stage Stage) {
	r.stage = stage
	r.logger.Debug("extract: stage", "stage", stage, "session", r.session)
}

// lease acquires and attaches a session, replacing it once when the attach
// fails. On error no session is held.
func (r *extractionRun) lease(ctx context.Context) error {
	key := r.target.String()

	r.enter(StageAcquiringSession)
	lease, err := r.svc.pool.Acquire(ctx, r.req.SessionID, key)
	if err != nil {
		r.throttled = isThrottled(err)
		return fmt.Errorf("acquire session: %w", err)
	}
	r.session = lease.SessionID

	r.enter(StageConnecting)
	browser, err := r.svc.engine.Attach(ctx, lease.SessionID)
	if err == nil {
		r.browser = browser
		r.result.SessionID = lease.SessionID
		return nil
	}

	r.logger.Warn("extract: attach failed, replacing session", "session", lease.SessionID, "error", err)
	r.drop(ctx, lease.SessionID)

	r.enter(StageAcquiringSession)
	lease, err = r.svc.pool.Acquire(ctx, "", key)
	if err != nil {
		r.session = ""
		r.throttled = isThrottled(err)
		return fmt.Errorf("acquire replacement session: %w", err)
	}
	r.session = lease.SessionID

	r.enter(StageConnecting)
	browser, err = r.svc.engine.Attach(ctx, lease.SessionID)
	if err != nil {
		r.drop(ctx, lease.SessionID)
		r.session = ""
		r.throttled = isThrottled(err)
		return fmt.Errorf("attach session %s: %w", lease.SessionID, err)
	}

	r.browser = browser
	r.result.SessionID = lease.SessionID
	return nil
}

func (r *extractionRun) collect(ctx context.Context) error {
	page, err := r.browser.NewPage(ctx)
	if err != nil {
		r.noteGone(err)
		return fmt.Errorf("open page: %w", err)
	}
	r.page = page

	cfg := r.svc.cfg
	maxPages := r.req.MaxPages
	if maxPages < 1 {
		maxPages = cfg.MaxPages
	}

	offset := r.req.Offset
	previous := ""
	for n := 0; n < maxPages; n++ {
		data, err := r.extractPage(ctx, offset, previous)
		if err != nil {
			return err
		}

		r.result.Records = append(r.result.Records, data.records...)
		r.result.Pages++
		if n == 0 {
			r.result.Cursor = data.cursor
		} else {
			r.result.Cursor.EndIndex = data.cursor.EndIndex
			r.result.Cursor.TotalCount = data.cursor.TotalCount
			r.result.Cursor.HasNextPage = data.cursor.HasNextPage
		}
		if r.result.Collection.IsZero() {
			r.result.Collection = data.collection
		}

		if !data.cursor.HasNextPage || len(data.records) == 0 {
			break
		}
		offset = (offset/cfg.PageSize + 1) * cfg.PageSize
		previous = data.first
	}

	return nil
}

func (r *extractionRun) extractPage(ctx context.Context, offset int, previousFirst string) (pageData, error) {
	cfg := r.svc.cfg
	address := PageURL(r.target, offset, cfg.PageSize, cfg.PageParam)

	r.enter(StageNavigatingPage)
	err := r.page.Goto(ctx, address, ports.GotoOptions{
		NavigationTimeout: cfg.NavigationTimeout,
		LoadTimeout:       cfg.LoadTimeout,
	})
	if err != nil {
		r.noteGone(err)
		r.throttled = isThrottled(err)
		return pageData{}, fmt.Errorf("%w: %s: %w", domain.ErrNavigation, address, err)
	}

	markup, snap, err := r.awaitSnapshot(ctx, address, previousFirst)
	if err != nil {
		return pageData{}, err
	}
	if r.req.Debug {
		r.capture(markup, address, snap)
	}

	r.enter(StageExtractingBlob)
	blob := extract.Blob{}
	if snap.BlobPresent {
		parsed, err := extract.ParseBlob(snap.BlobRaw)
		if err != nil {
			r.logger.Warn("extract: ignoring metadata blob", "url", address, "error", err)
		} else {
			blob = parsed
		}
	}

	r.enter(StageExtractingCards)
	cards := snap.Cards
	r.logger.Debug("extract: cards", "url", address, "visible", snap.CardCount, "records", len(cards))

	r.enter(StageReconciling)
	records := skipBeforeOffset(extract.Merge(cards, blob.Items), offset, cfg.PageSize)
	cursor := extract.ComputeCursor(offset, len(records), snap.Pagination(blob.TotalCount()))

	return pageData{
		records:    records,
		cursor:     cursor,
		collection: blob.Collection,
		first:      snap.FirstIdentity(),
	}, nil
}

// skipBeforeOffset drops the records of an addressed page that precede offset,
// since pages are fetched from their boundary.
func skipBeforeOffset(records []domain.PlaceRecord, offset, pageSize int) []domain.PlaceRecord {
	skip := offset % pageSize
	if skip <= 0 {
		return records
	}
	if skip >= len(records) {
		return []domain.PlaceRecord{}
	}
	return records[skip:]
}

// awaitSnapshot polls the page until it has rendered content and, after the
// first page, until its first card differs from previousFirst.
func (r *extractionRun) awaitSnapshot(ctx context.Context, address, previousFirst string) (string, extract.Snapshot, error) {
	cfg := r.svc.cfg

	var (
		markup string
		snap   extract.Snapshot
	)
	err := PollUntilWith(ctx, r.page.WaitFor, cfg.PollInterval, cfg.PollTimeout, func(ctx context.Context) (bool, error) {
		m, s, err := r.snapshot(ctx, address)
		if err != nil {
			return false, err
		}
		markup, snap = m, s

		if !s.Ready() {
			return false, nil
		}
		return previousFirst == "" || s.FirstIdentity() != previousFirst, nil
	})

	switch {
	case err == nil:
		return markup, snap, nil
	case errors.Is(err, ErrPollTimeout) && previousFirst != "":
		return markup, snap, fmt.Errorf("page %s did not advance: %w", address, err)
	case errors.Is(err, ErrPollTimeout):
		r.logger.Warn("extract: page not ready before poll timeout", "url", address, "timeout", cfg.PollTimeout)
		return markup, snap, nil
	default:
		r.noteGone(err)
		return markup, snap, err
	}
}

func (r *extractionRun) snapshot(ctx context.Context, address string) (string, extract.Snapshot, error) {
	evalCtx, cancel := context.WithTimeout(ctx, r.svc.cfg.EvalTimeout)
	defer cancel()

	raw, err := r.page.Evaluate(evalCtx, extract.SnapshotScript)
	if err != nil {
		if ctx.Err() == nil && errors.Is(evalCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrEvaluationTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrEvaluationTimeout, err)
		}
		return "", extract.Snapshot{}, fmt.Errorf("evaluate snapshot: %w", err)
	}

	var markup string
	if err := json.Unmarshal(raw, &markup); err != nil {
		return "", extract.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	snap, err := extract.ParseSnapshot(markup, address, r.svc.cfg.Selectors)
	if err != nil {
		return "", extract.Snapshot{}, err
	}

	return markup, snap, nil
}

func (r *extractionRun) capture(markup, address string, snap extract.Snapshot) {
	capture, err := extract.Capture(markup, address, snap)
	if err != nil {
		r.logger.Warn("extract: debug capture incomplete", "url", address, "error", err)
	}
	r.result.Debug = append(r.result.Debug, capture)
}

// cleanup runs detached from ctx so a cancelled caller still returns the session.
func (r *extractionRun) cleanup(ctx context.Context) {
	r.enter(StageReleasingOrRemoving)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if r.page != nil {
		if err := r.page.Close(); err != nil {
			r.noteGone(err)
			r.logger.Debug("extract: close page", "error", err)
		}
	}
	if r.browser != nil {
		if err := r.browser.Disconnect(); err != nil {
			r.logger.Debug("extract: disconnect", "error", err)
		}
	}
	if r.session == "" {
		return
	}

	if r.gone {
		r.logger.Info("extract: session gone, removing from pool", "session", r.session)
		if err := r.svc.pool.Remove(cctx, r.session); err != nil {
			r.logger.Error("extract: remove session", "session", r.session, "error", err)
		}
		return
	}

	if err := r.svc.pool.Release(cctx, r.session); err != nil {
		r.logger.Error("extract: release session", "session", r.session, "error", err)
	}
}

func (r *extractionRun) drop(ctx context.Context, id domain.SessionID) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := r.svc.pool.Remove(cctx, id); err != nil {
		r.logger.Error("extract: remove session", "session", id, "error", err)
	}
}

func (r *extractionRun) noteGone(err error) {
	if errors.Is(err, domain.ErrSessionGone) || errors.Is(err, domain.ErrDeadSession) {
		r.gone = true
	}
}

func (r *extractionRun) finish(err error, failedAt Stage) {
	res := &r.result
	if err == nil {
		res.Outcome = OutcomeOK
		res.Success = true
		res.Stage = StageDone
		return
	}

	res.Stage = StageFailed
	res.FailedAt = failedAt
	res.Error = err.Error()

	cfg := r.svc.cfg
	switch {
	case errors.Is(err, domain.ErrInvalidTarget):
		res.Outcome = OutcomeInvalidInput
	case errors.Is(err, domain.ErrPoolExhausted):
		res.Outcome = OutcomeExhausted
		res.Exhausted = true
		res.RetryAfter = cfg.ExhaustedRetryAfter
	case r.throttled:
		res.Outcome = OutcomeThrottled
		res.Throttled = true
		res.RetryAfter = cfg.ThrottledRetryAfter
	case len(res.Records) > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeFailed
	}

	r.logger.Warn("extract: failed", "stage", failedAt, "outcome", res.Outcome, "error", err)
}

// isThrottled matches the throttle pattern against leaf errors only, so the
// session ids and addresses that wrapping errors quote are never read.
func isThrottled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUpstreamThrottled) {
		return true
	}

	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			if isThrottled(inner) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		if inner := wrapped.Unwrap(); inner != nil {
			return isThrottled(inner)
		}
	}

	return throttlePattern.MatchString(err.Error())
}
