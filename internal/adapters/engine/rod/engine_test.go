package rod

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/placepool/internal/domain"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantGone bool
	}{
		{name: "closed connection", err: errors.New("write tcp 127.0.0.1:1->127.0.0.1:2: use of closed network connection"), wantGone: true},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:9222: connect: connection refused"), wantGone: true},
		{name: "target closed", err: errors.New("{-32000 Target closed }"), wantGone: true},
		{name: "eof", err: fmt.Errorf("read: %w", io.EOF), wantGone: true},
		{name: "already gone", err: fmt.Errorf("x: %w", domain.ErrSessionGone), wantGone: true},
		{name: "deadline", err: context.DeadlineExceeded, wantGone: false},
		{name: "script error", err: errors.New("eval js error: TypeError: x is undefined"), wantGone: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := classify(tc.err)
			assert.Equal(t, tc.wantGone, errors.Is(got, domain.ErrSessionGone))
			assert.ErrorIs(t, got, tc.err)
		})
	}

	assert.NoError(t, classify(nil))
}

func TestAttachRejectsNonDevtoolsID(t *testing.T) {
	t.Parallel()

	engine := New(Config{})
	_, err := engine.Attach(context.Background(), "fake-1234")
	require.ErrorIs(t, err, domain.ErrDeadSession)
}

func TestCloseIgnoresNonDevtoolsID(t *testing.T) {
	t.Parallel()

	require.NoError(t, New(Config{}).Close(context.Background(), "fake-1234"))
}

func TestCloseUnreachableChromeIsAlreadyClosed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, New(Config{}).Close(ctx, "ws://127.0.0.1:1/devtools/browser/gone"))
}

func TestWaitForHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := &rodPage{}
	require.ErrorIs(t, page.WaitFor(ctx, time.Hour), context.Canceled)
}
