// Package rod drives Chrome through go-rod. A session is a detached Chrome
// process and its id is the DevTools WebSocket URL, so any later process can
// attach to it.
package rod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/ports"
)

var _ ports.Engine = (*Engine)(nil)

// goneMarkers identify CDP failures caused by the remote browser going away.
var goneMarkers = []string{
	"use of closed network connection",
	"connection refused",
	"connection reset",
	"websocket: close",
	"target closed",
	"no target with given id",
	"session with given id not found",
	"broken pipe",
	"eof",
}

type Config struct {
	// Bin is the Chrome binary; empty lets the launcher find or download one.
	Bin      string
	Headless bool
	Stealth  bool
	Logger   *slog.Logger
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg}
}

// ObtainNew launches a Chrome process that outlives this one.
func (e *Engine) ObtainNew(ctx context.Context) (domain.SessionID, error) {
	l := launcher.New().
		Context(ctx).
		Headless(e.cfg.Headless).
		Leakless(false).
		Set("disable-blink-features", "AutomationControlled")
	if e.cfg.Bin != "" {
		l = l.Bin(e.cfg.Bin)
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("engine: launch: %w", err)
	}

	e.cfg.Logger.Info("engine: launched chrome", "url", u, "headless", e.cfg.Headless)
	return domain.SessionID(u), nil
}

func (e *Engine) Attach(ctx context.Context, id domain.SessionID) (ports.Browser, error) {
	controlURL, ok := devtoolsURL(id)
	if !ok {
		return nil, fmt.Errorf("engine: attach %q: %w: not a devtools url", id, domain.ErrDeadSession)
	}

	// The connection lives until Disconnect, independent of ctx.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	browser, err := connect(ctx, connCtx, controlURL)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("engine: attach: %w: %w", domain.ErrDeadSession, err)
	}

	return &rodBrowser{browser: browser, cancel: cancel, stealth: e.cfg.Stealth, logger: e.cfg.Logger}, nil
}

// Close asks Chrome to exit over CDP. A browser that cannot be reached is
// treated as already closed.
func (e *Engine) Close(ctx context.Context, id domain.SessionID) error {
	controlURL, ok := devtoolsURL(id)
	if !ok {
		return nil
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	browser, err := connect(ctx, connCtx, controlURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.cfg.Logger.Debug("engine: close of unreachable chrome", "error", err)
		return nil
	}

	if err := browser.Close(); err != nil {
		if classified := classify(err); !errors.Is(classified, domain.ErrSessionGone) {
			return fmt.Errorf("engine: close: %w", classified)
		}
	}

	e.cfg.Logger.Info("engine: closed chrome")
	return nil
}

func devtoolsURL(id domain.SessionID) (string, bool) {
	controlURL := strings.TrimSpace(string(id))
	if !strings.HasPrefix(controlURL, "ws://") && !strings.HasPrefix(controlURL, "wss://") {
		return "", false
	}
	return controlURL, true
}

// connect dials controlURL on connCtx and gives up when ctx ends first.
func connect(ctx, connCtx context.Context, controlURL string) (*rod.Browser, error) {
	browser := rod.New().Context(connCtx).ControlURL(controlURL)

	connected := make(chan error, 1)
	go func() { connected <- browser.Connect() }()

	select {
	case err := <-connected:
		if err != nil {
			return nil, err
		}
		return browser, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type rodBrowser struct {
	browser *rod.Browser
	cancel  context.CancelFunc
	stealth bool
	logger  *slog.Logger
}

func (b *rodBrowser) NewPage(ctx context.Context) (ports.Page, error) {
	browser := b.browser.Context(ctx)

	var (
		page *rod.Page
		err  error
	)
	if b.stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("engine: new page: %w", classify(err))
	}

	return &rodPage{page: page, logger: b.logger}, nil
}

// Disconnect drops the CDP connection. Chrome keeps running.
func (b *rodBrowser) Disconnect() error {
	b.cancel()
	return nil
}

type rodPage struct {
	page   *rod.Page
	logger *slog.Logger
}

func (p *rodPage) Goto(ctx context.Context, address string, opts ports.GotoOptions) error {
	navCtx, cancel := withOptionalTimeout(ctx, opts.NavigationTimeout)
	defer cancel()

	if err := p.page.Context(navCtx).Navigate(address); err != nil {
		return fmt.Errorf("engine: navigate %s: %w", address, classify(err))
	}

	loadCtx, cancelLoad := withOptionalTimeout(ctx, opts.LoadTimeout)
	defer cancelLoad()

	if err := p.page.Context(loadCtx).WaitLoad(); err != nil {
		if classified := classify(err); errors.Is(classified, domain.ErrSessionGone) {
			return fmt.Errorf("engine: wait load %s: %w", address, classified)
		}
		p.logger.Warn("engine: wait load", "url", address, "error", err)
	}

	return nil
}

func (p *rodPage) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Eval(script)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("engine: evaluate: %w: %w", domain.ErrEvaluationTimeout, err)
		}
		return nil, fmt.Errorf("engine: evaluate: %w", classify(err))
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("engine: encode evaluation result: %w", err)
	}
	return raw, nil
}

func (p *rodPage) WaitFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *rodPage) Close() error {
	if err := p.page.Context(context.Background()).Close(); err != nil {
		return fmt.Errorf("engine: close page: %w", classify(err))
	}
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classify tags errors that mean the remote session is gone.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrSessionGone) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	text := strings.ToLower(err.Error())
	for _, marker := range goneMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %w", domain.ErrSessionGone, err)
		}
	}
	return err
}
