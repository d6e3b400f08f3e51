// Package fake is an in-process automation engine that serves fixture markup.
// It backs tests and dry runs of the extraction pipeline.
package fake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/extract"
	"github.com/bnema/placepool/internal/ports"
)

var _ ports.Engine = (*Engine)(nil)

var errPageClosed = errors.New("page is closed")

// LoadingMarkup is served while a fixture has not rendered yet.
const LoadingMarkup = `<html><head><title>Loading</title></head><body><div class="loading"></div></body></html>`

// Fixture is the scripted behaviour of one address.
type Fixture struct {
	HTML string
	// RenderAfter is the number of snapshots answered with LoadingMarkup
	// before HTML appears.
	RenderAfter int
	// EvalDelay blocks every evaluation for this long.
	EvalDelay   time.Duration
	NavigateErr error
}

type Stats struct {
	Obtained     int
	Attached     int
	Closed       int
	Disconnected int
	PagesOpened  int
	PagesClosed  int
	Navigations  []string
}

type Engine struct {
	mu        sync.Mutex
	alive     map[domain.SessionID]bool
	fixtures  map[string]Fixture
	obtainErr error
	closeErr  error
	attachAll error
	attachErr map[domain.SessionID]error
	stats     Stats
}

func New() *Engine {
	return &Engine{
		alive:     map[domain.SessionID]bool{},
		fixtures:  map[string]Fixture{},
		attachErr: map[domain.SessionID]error{},
	}
}

func (e *Engine) SetPage(address, html string) {
	e.SetFixture(address, Fixture{HTML: html})
}

func (e *Engine) SetFixture(address string, fixture Fixture) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fixtures[address] = fixture
}

// FailObtain makes every ObtainNew return err until called with nil.
func (e *Engine) FailObtain(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obtainErr = err
}

func (e *Engine) FailAttach(id domain.SessionID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachErr[id] = err
}

// FailAllAttaches makes every Attach return err until called with nil.
func (e *Engine) FailAllAttaches(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachAll = err
}

// FailClose makes every Close of a live session return err until called
// with nil.
func (e *Engine) FailClose(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeErr = err
}

// Kill ends a session the way an idle timeout on the engine side would.
func (e *Engine) Kill(id domain.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.alive, id)
}

// AddSession registers a live session obtained outside of ObtainNew.
func (e *Engine) AddSession(id domain.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive[id] = true
}

func (e *Engine) Sessions() []domain.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]domain.SessionID, 0, len(e.alive))
	for id := range e.alive {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.Navigations = append([]string(nil), e.stats.Navigations...)
	return stats
}

func (e *Engine) ObtainNew(ctx context.Context) (domain.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.obtainErr != nil {
		return "", e.obtainErr
	}

	id := domain.SessionID("fake-" + uuid.NewString())
	e.alive[id] = true
	e.stats.Obtained++
	return id, nil
}

func (e *Engine) Attach(ctx context.Context, id domain.SessionID) (ports.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attachAll != nil {
		return nil, e.attachAll
	}
	if err := e.attachErr[id]; err != nil {
		return nil, err
	}
	if !e.alive[id] {
		return nil, fmt.Errorf("attach %s: %w", id, domain.ErrDeadSession)
	}

	e.stats.Attached++
	return &browser{engine: e, id: id}, nil
}

func (e *Engine) Close(ctx context.Context, id domain.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.alive[id] {
		return nil
	}
	if e.closeErr != nil {
		return e.closeErr
	}

	delete(e.alive, id)
	e.stats.Closed++
	return nil
}

func (e *Engine) isAlive(id domain.SessionID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive[id]
}

type browser struct {
	engine *Engine
	id     domain.SessionID
}

func (b *browser) NewPage(ctx context.Context) (ports.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.engine.isAlive(b.id) {
		return nil, fmt.Errorf("new page on %s: %w", b.id, domain.ErrSessionGone)
	}

	b.engine.mu.Lock()
	b.engine.stats.PagesOpened++
	b.engine.mu.Unlock()

	return &page{browser: b}, nil
}

func (b *browser) Disconnect() error {
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	b.engine.stats.Disconnected++
	return nil
}

type page struct {
	browser *browser

	mu        sync.Mutex
	address   string
	fixture   Fixture
	snapshots int
	closed    bool
}

func (p *page) Goto(ctx context.Context, address string, _ ports.GotoOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.check(); err != nil {
		return err
	}

	engine := p.browser.engine
	engine.mu.Lock()
	fixture, ok := engine.fixtures[address]
	engine.stats.Navigations = append(engine.stats.Navigations, address)
	engine.mu.Unlock()

	if !ok {
		return fmt.Errorf("navigate %s: no fixture", address)
	}
	if fixture.NavigateErr != nil {
		return fixture.NavigateErr
	}

	p.mu.Lock()
	p.address = address
	p.fixture = fixture
	p.snapshots = 0
	p.mu.Unlock()

	return nil
}

// Evaluate answers the snapshot script with the current markup as a JSON string.
func (p *page) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if script != extract.SnapshotScript {
		return nil, fmt.Errorf("evaluate: unsupported script %q", script)
	}

	p.mu.Lock()
	fixture := p.fixture
	p.snapshots++
	rendered := p.snapshots > fixture.RenderAfter
	p.mu.Unlock()

	if fixture.EvalDelay > 0 {
		timer := time.NewTimer(fixture.EvalDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", domain.ErrEvaluationTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	markup := LoadingMarkup
	if rendered && fixture.HTML != "" {
		markup = fixture.HTML
	}

	return json.Marshal(markup)
}

func (p *page) WaitFor(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (p *page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	engine := p.browser.engine
	engine.mu.Lock()
	engine.stats.PagesClosed++
	engine.mu.Unlock()

	return nil
}

func (p *page) check() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return errPageClosed
	}
	if !p.browser.engine.isAlive(p.browser.id) {
		return fmt.Errorf("session %s: %w", p.browser.id, domain.ErrSessionGone)
	}
	return nil
}
