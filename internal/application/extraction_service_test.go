package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/placepool/internal/adapters/engine/fake"
	"github.com/bnema/placepool/internal/adapters/store/memory"
	"github.com/bnema/placepool/internal/domain"
)

const testTarget = "https://www.google.com/collections/s/list/abc"

type cardFixture struct {
	text string
	href string
	note string
}

type pageFixture struct {
	cards        []cardFixture
	blobItems    []string
	total        int
	rangeText    string
	nextDisabled bool
}

func renderPage(p pageFixture) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Saved</title></head><body><div role="list">`)
	for _, card := range p.cards {
		fmt.Fprintf(&b, `<div role="listitem"><a href="%s">%s</a>`, card.href, card.text)
		if card.note != "" {
			fmt.Fprintf(&b, `<div class="note">%s</div>`, card.note)
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div>`)
	if p.rangeText != "" {
		fmt.Fprintf(&b, `<div class="pagination-range">%s</div>`, p.rangeText)
	}
	if p.nextDisabled {
		b.WriteString(`<button aria-label="Next page" disabled>Next</button>`)
	} else {
		b.WriteString(`<button aria-label="Next page">Next</button>`)
	}
	fmt.Fprintf(&b, `<script id="collection-state">{"collection":{"id":"c-1","name":"Cafés","totalCount":%d},"items":[%s]}</script>`,
		p.total, strings.Join(p.blobItems, ","))
	b.WriteString(`</body></html>`)
	return b.String()
}

func numberedCards(from, to int) []cardFixture {
	cards := make([]cardFixture, 0, to-from+1)
	for i := from; i <= to; i++ {
		cards = append(cards, cardFixture{text: fmt.Sprintf("Place %d4.%d(%d)", i, i%10, i*3), href: fmt.Sprintf("/maps/place/p%d", i)})
	}
	return cards
}

type extractionHarness struct {
	pool    *PoolService
	store   *memory.Store
	engine  *fake.Engine
	metrics *recordingMetrics
	svc     *ExtractionService
}

func newExtractionHarness(t *testing.T, capacity int, cfg ExtractionConfig) *extractionHarness {
	t.Helper()

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}

	clock := &movingClock{now: poolTestStart}
	store := memory.New(clock)
	engine := fake.New()
	metrics := &recordingMetrics{}
	pool := NewPoolService(store, engine, PoolConfig{Capacity: capacity}, clock, metrics, nil)

	policy, err := NewTargetPolicy(nil, "")
	require.NoError(t, err)

	return &extractionHarness{
		pool:    pool,
		store:   store,
		engine:  engine,
		metrics: metrics,
		svc:     NewExtractionService(pool, engine, policy, cfg, clock, metrics, nil),
	}
}

func (h *extractionHarness) sessions(t *testing.T) []domain.PooledSession {
	t.Helper()

	sessions, err := h.pool.List(context.Background())
	require.NoError(t, err)
	return sessions
}

func TestExtractionServiceSinglePage(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 2, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{
		cards: []cardFixture{
			{text: "Stampede Gelato4.7(342)", href: "/maps/place/Stampede+Gelato?entry=ttu", note: "pistachio"},
			{text: "Old Town Bar4.2(1.5K)", href: "https://www.google.com/maps/place/Old+Town+Bar"},
		},
		blobItems: []string{`{"url":"https://www.google.com/maps/place/Stampede+Gelato","savedAt":1700000000000,"id":"p1","thumbnail":"https://img.test/p1.jpg"}`},
		total:     237,
		rangeText: "1-200 of 237",
	}))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.True(t, result.Success)
	assert.Equal(t, StageDone, result.Stage)
	assert.Equal(t, 1, result.Pages)
	require.Len(t, result.Records, 2)

	first := result.Records[0]
	assert.Equal(t, "Stampede Gelato", first.Name)
	assert.Equal(t, "pistachio", first.Note)
	assert.Equal(t, "p1", first.ExternalID)
	require.NotNil(t, first.SavedAt)
	assert.Equal(t, int64(1700000000), *first.SavedAt)

	second := result.Records[1]
	assert.Equal(t, "Old Town Bar", second.Name)
	require.NotNil(t, second.ReviewCount)
	assert.Equal(t, 1500, *second.ReviewCount)
	assert.False(t, second.Enriched())

	assert.Equal(t, domain.PageCursor{StartIndex: 1, EndIndex: 2, TotalCount: 237, HasNextPage: true}, result.Cursor)
	assert.Equal(t, "Cafés", result.Collection.Name)

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, result.SessionID, sessions[0].ID)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
	assert.Equal(t, testTarget, sessions[0].ResourceKey)

	stats := h.engine.Stats()
	assert.Equal(t, 1, stats.PagesClosed)
	assert.Equal(t, 1, stats.Disconnected)
	assert.Equal(t, []string{"ok"}, h.metrics.extractions)
}

func TestExtractionServicePaginationCursor(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"}))
	h.engine.SetPage(testTarget+"?page=2", renderPage(pageFixture{cards: numberedCards(201, 237), total: 237, rangeText: "201-237 of 237", nextDisabled: true}))

	first := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})
	require.Equal(t, OutcomeOK, first.Outcome, first.Error)
	assert.Equal(t, domain.PageCursor{StartIndex: 1, EndIndex: 200, TotalCount: 237, HasNextPage: true}, first.Cursor)

	second := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, SessionID: first.SessionID, Offset: 200})
	require.Equal(t, OutcomeOK, second.Outcome, second.Error)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, second.Records, 37)
	assert.Equal(t, domain.PageCursor{StartIndex: 201, EndIndex: 237, TotalCount: 237, HasNextPage: false}, second.Cursor)
}

func TestExtractionServiceOffsetInsidePage(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget+"?page=1", renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"}))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, Offset: 150})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	require.Len(t, result.Records, 50)
	assert.Equal(t, "Place 151", result.Records[0].Name)
	assert.Equal(t, "Place 200", result.Records[49].Name)
	assert.Equal(t, domain.PageCursor{StartIndex: 151, EndIndex: 200, TotalCount: 237, HasNextPage: true}, result.Cursor)
	assert.Equal(t, []string{testTarget + "?page=1"}, h.engine.Stats().Navigations)
}

func TestExtractionServiceOffsetInsidePageWalksOn(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget+"?page=1", renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"}))
	h.engine.SetPage(testTarget+"?page=2", renderPage(pageFixture{cards: numberedCards(201, 237), total: 237, rangeText: "201-237 of 237", nextDisabled: true}))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, Offset: 150, MaxPages: 3})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Equal(t, 2, result.Pages)
	require.Len(t, result.Records, 87)
	assert.Equal(t, "Place 151", result.Records[0].Name)
	assert.Equal(t, "Place 237", result.Records[86].Name)
	assert.Equal(t, domain.PageCursor{StartIndex: 151, EndIndex: 237, TotalCount: 237, HasNextPage: false}, result.Cursor)
}

func TestExtractionServiceCursorKeepsReportedTotal(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 120), total: 237, rangeText: "1-200 of 240"}))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Len(t, result.Records, 120)
	assert.Equal(t, domain.PageCursor{StartIndex: 1, EndIndex: 120, TotalCount: 237, HasNextPage: true}, result.Cursor)
}

func TestExtractionServiceWalksMultiplePages(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"}))
	h.engine.SetFixture(testTarget+"?page=2", fake.Fixture{
		HTML:        renderPage(pageFixture{cards: numberedCards(201, 237), total: 237, rangeText: "201-237 of 237", nextDisabled: true}),
		RenderAfter: 2,
	})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, MaxPages: 5})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Equal(t, 2, result.Pages)
	require.Len(t, result.Records, 237)
	assert.Equal(t, "Place 1", result.Records[0].Name)
	assert.Equal(t, "Place 237", result.Records[236].Name)
	assert.Equal(t, domain.PageCursor{StartIndex: 1, EndIndex: 237, TotalCount: 237, HasNextPage: false}, result.Cursor)
	assert.Equal(t, []string{testTarget, testTarget + "?page=2"}, h.engine.Stats().Navigations)
}

func TestExtractionServicePartialOnLaterPageFailure(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"}))
	h.engine.SetFixture(testTarget+"?page=2", fake.Fixture{NavigateErr: errors.New("net::ERR_CONNECTION_RESET")})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, MaxPages: 2})

	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.False(t, result.Success)
	assert.Equal(t, StageFailed, result.Stage)
	assert.Equal(t, StageNavigatingPage, result.FailedAt)
	assert.Len(t, result.Records, 200)
	assert.Contains(t, result.Error, "navigation failed")
	assert.Contains(t, result.Error, "ERR_CONNECTION_RESET")

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
}

func TestExtractionServicePageThatNeverAdvances(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	page := renderPage(pageFixture{cards: numberedCards(1, 200), total: 237, rangeText: "1-200 of 237"})
	h.engine.SetPage(testTarget, page)
	h.engine.SetPage(testTarget+"?page=2", page)

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, MaxPages: 2})

	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.Len(t, result.Records, 200)
	assert.Contains(t, result.Error, "did not advance")
}

func TestExtractionServiceInvalidTargetNeverTouchesPool(t *testing.T) {
	t.Parallel()

	tests := []ExtractionRequest{
		{Target: "https://evil.test/collections/s/list/abc"},
		{Target: "http://www.google.com/collections/s/list/abc"},
		{Target: testTarget, Offset: -1},
	}

	for _, req := range tests {
		req := req
		t.Run(req.Target, func(t *testing.T) {
			t.Parallel()

			h := newExtractionHarness(t, 1, ExtractionConfig{})
			result := h.svc.Run(context.Background(), req)

			assert.Equal(t, OutcomeInvalidInput, result.Outcome)
			assert.Equal(t, StageIdle, result.FailedAt)
			assert.NotEmpty(t, result.Error)
			assert.Empty(t, h.sessions(t))
			assert.Zero(t, h.engine.Stats().Obtained)
			assert.Empty(t, h.metrics.acquires)
		})
	}
}

func TestExtractionServiceExhaustedPool(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{ExhaustedRetryAfter: 7 * time.Second})
	_, err := h.pool.Acquire(context.Background(), "", "someone-else")
	require.NoError(t, err)

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeExhausted, result.Outcome)
	assert.True(t, result.Exhausted)
	assert.Equal(t, 7*time.Second, result.RetryAfter)
	assert.Equal(t, StageAcquiringSession, result.FailedAt)
	assert.Empty(t, result.SessionID)
	assert.Equal(t, 1, h.engine.Stats().Obtained)
}

func TestExtractionServiceReplacesDeadSessionOnce(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 3), total: 3, rangeText: "1-3 of 3", nextDisabled: true}))

	lease, err := h.pool.Acquire(context.Background(), "", "")
	require.NoError(t, err)
	require.NoError(t, h.pool.Release(context.Background(), lease.SessionID))
	h.engine.Kill(lease.SessionID)

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.NotEqual(t, lease.SessionID, result.SessionID)
	assert.Len(t, result.Records, 3)

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, result.SessionID, sessions[0].ID)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
}

func TestExtractionServiceGivesUpAfterSecondAttachFailure(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 2, ExtractionConfig{})
	h.engine.FailAllAttaches(errors.New("websocket handshake failed"))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageConnecting, result.FailedAt)
	assert.Contains(t, result.Error, "websocket handshake failed")
	assert.Empty(t, h.sessions(t))
	assert.Equal(t, 2, h.engine.Stats().Obtained)
}

func TestExtractionServiceThrottledAttach(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 2, ExtractionConfig{ExhaustedRetryAfter: 10 * time.Second, ThrottledRetryAfter: time.Minute})
	h.engine.FailAllAttaches(errors.New("unexpected status 429 Too Many Requests"))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeThrottled, result.Outcome)
	assert.True(t, result.Throttled)
	assert.Equal(t, time.Minute, result.RetryAfter)
	assert.Greater(t, result.RetryAfter, 10*time.Second)
}

func TestExtractionServiceThrottledNavigation(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetFixture(testTarget, fake.Fixture{NavigateErr: errors.New("rate limit exceeded")})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeThrottled, result.Outcome)
	assert.Equal(t, DefaultThrottledRetryAfter, result.RetryAfter)

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
}

func TestExtractionServiceRemovesSessionTheEngineClosed(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetFixture(testTarget, fake.Fixture{NavigateErr: fmt.Errorf("target closed: %w", domain.ErrSessionGone)})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, result.Records)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, h.sessions(t))
}

func TestExtractionServiceWaitsForRender(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{PollTimeout: time.Second})
	h.engine.SetFixture(testTarget, fake.Fixture{
		HTML:        renderPage(pageFixture{cards: numberedCards(1, 5), total: 5, nextDisabled: true}),
		RenderAfter: 4,
	})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Len(t, result.Records, 5)
}

func TestExtractionServiceUnrenderedPageYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetFixture(testTarget, fake.Fixture{HTML: fake.LoadingMarkup})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Empty(t, result.Records)
	assert.Equal(t, domain.PageCursor{}, result.Cursor)
}

func TestExtractionServiceEvaluationTimeout(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{EvalTimeout: 5 * time.Millisecond})
	h.engine.SetFixture(testTarget, fake.Fixture{HTML: "<html></html>", EvalDelay: time.Hour})

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, domain.ErrEvaluationTimeout.Error())

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
}

func TestExtractionServiceReleasesAfterCallerCancels(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{EvalTimeout: time.Hour})
	h.engine.SetFixture(testTarget, fake.Fixture{HTML: "<html></html>", EvalDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := h.svc.Run(ctx, ExtractionRequest{Target: testTarget})

	assert.False(t, result.Success)
	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionStatusIdle, sessions[0].Status)
}

func TestExtractionServiceDebugCapture(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 1, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 2), total: 2, rangeText: "1-2 of 2", nextDisabled: true}))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, Debug: true})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	require.Len(t, result.Debug, 1)
	capture := result.Debug[0]
	assert.Equal(t, testTarget, capture.URL)
	assert.Equal(t, "Saved", capture.Summary.Title)
	assert.Equal(t, 2, capture.Summary.CardCount)
	assert.True(t, capture.Summary.BlobPresent)
	assert.Equal(t, "1-2 of 2", capture.Summary.RangeText)
	assert.Equal(t, "disabled", capture.Summary.NextControl)
	assert.NotEmpty(t, capture.Markup)
}

func TestExtractionServiceResumesRequestedSession(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 2, ExtractionConfig{})
	h.engine.SetPage(testTarget, renderPage(pageFixture{cards: numberedCards(1, 1), total: 1, nextDisabled: true}))

	lease, err := h.pool.Acquire(context.Background(), "", "")
	require.NoError(t, err)

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget, SessionID: lease.SessionID})

	require.Equal(t, OutcomeOK, result.Outcome, result.Error)
	assert.Equal(t, lease.SessionID, result.SessionID)
	assert.Equal(t, 1, h.engine.Stats().Obtained)
}

func TestIsThrottled(t *testing.T) {
	t.Parallel()

	const sessionURL = "ws://127.0.0.1:42901/devtools/browser/9c1e4290-429a-4b1e-8429-0d1f2c3b4a59"

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "typed throttle error",
			err:  fmt.Errorf("navigate: %w", domain.ErrUpstreamThrottled),
			want: true,
		},
		{
			name: "status code in leaf",
			err:  fmt.Errorf("acquire session: %w", errors.New("unexpected status 429 Too Many Requests")),
			want: true,
		},
		{
			name: "rate limit text",
			err:  errors.New("Rate limit reached"),
			want: true,
		},
		{
			name: "dead session quoting an id that contains 429",
			err: fmt.Errorf("engine: attach %s: %w: %w", sessionURL, domain.ErrDeadSession,
				errors.New("dial tcp 127.0.0.1:42901: connect: connection refused")),
			want: false,
		},
		{
			name: "throttle leaf inside a multi wrap",
			err:  fmt.Errorf("engine: attach %s: %w: %w", sessionURL, domain.ErrDeadSession, errors.New("too many requests")),
			want: true,
		},
		{
			name: "joined errors without throttle",
			err:  errors.Join(errors.New("page 4290 missing"), domain.ErrNavigation),
			want: false,
		},
		{
			name: "nil",
			want: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, isThrottled(tc.err))
		})
	}
}

func TestExtractionServiceDeadSessionIDIsNotThrottle(t *testing.T) {
	t.Parallel()

	h := newExtractionHarness(t, 2, ExtractionConfig{})
	h.engine.FailAllAttaches(fmt.Errorf("engine: attach %s: %w: %w",
		"ws://127.0.0.1:42901/devtools/browser/9c1e4290", domain.ErrDeadSession, errors.New("connection refused")))

	result := h.svc.Run(context.Background(), ExtractionRequest{Target: testTarget})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.False(t, result.Throttled)
	assert.Zero(t, result.RetryAfter)
}
