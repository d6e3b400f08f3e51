package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bnema/placepool/internal/domain"
)

// Engine is the browser automation capability. Session handles outlive the
// process that obtained them; any task can attach to one by id.
type Engine interface {
	ObtainNew(ctx context.Context) (domain.SessionID, error)
	// Attach fails when the remote session no longer exists.
	Attach(ctx context.Context, id domain.SessionID) (Browser, error)
	// Close ends the session and frees its resource. A session that is
	// already gone is not an error.
	Close(ctx context.Context, id domain.SessionID) error
}

type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Disconnect drops the local connection and leaves the session running.
	Disconnect() error
}

type GotoOptions struct {
	NavigationTimeout time.Duration
	LoadTimeout       time.Duration
}

type Page interface {
	Goto(ctx context.Context, url string, opts GotoOptions) error
	// Evaluate runs a JavaScript function expression and returns its JSON-encoded result.
	Evaluate(ctx context.Context, script string) (json.RawMessage, error)
	WaitFor(ctx context.Context, d time.Duration) error
	Close() error
}
