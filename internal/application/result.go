package application

import (
	"time"

	"github.com/bnema/placepool/internal/domain"
	"github.com/bnema/placepool/internal/extract"
)

type Stage string

const (
	StageIdle                Stage = "idle"
	StageAcquiringSession    Stage = "acquiring_session"
	StageConnecting          Stage = "connecting"
	StageNavigatingPage      Stage = "navigating_page"
	StageExtractingBlob      Stage = "extracting_blob"
	StageExtractingCards     Stage = "extracting_cards"
	StageReconciling         Stage = "reconciling"
	StageReleasingOrRemoving Stage = "releasing_or_removing"
	StageDone                Stage = "done"
	StageFailed              Stage = "failed"
)

type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomePartial      Outcome = "partial"
	OutcomeFailed       Outcome = "failed"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeThrottled    Outcome = "throttled"
	OutcomeInvalidInput Outcome = "invalid_input"
)

type ExtractionRequest struct {
	Target    string
	SessionID domain.SessionID
	// Offset is the zero-based index of the first wanted item.
	Offset   int
	Debug    bool
	MaxPages int
}

// ExtractionResult is the only output of ExtractionService.Run. Failures are
// described here instead of being returned as errors.
type ExtractionResult struct {
	Outcome    Outcome                `json:"outcome"`
	Success    bool                   `json:"success"`
	SessionID  domain.SessionID       `json:"sessionId,omitempty"`
	Records    []domain.PlaceRecord   `json:"records"`
	Cursor     domain.PageCursor      `json:"cursor"`
	Collection domain.CollectionMeta  `json:"collection"`
	Pages      int                    `json:"pages"`
	Elapsed    time.Duration          `json:"elapsed"`
	Error      string                 `json:"error,omitempty"`
	Exhausted  bool                   `json:"exhausted,omitempty"`
	Throttled  bool                   `json:"throttled,omitempty"`
	RetryAfter time.Duration          `json:"retryAfter,omitempty"`
	Stage      Stage                  `json:"stage"`
	FailedAt   Stage                  `json:"failedAt,omitempty"`
	Debug      []extract.DebugCapture `json:"debug,omitempty"`
}
