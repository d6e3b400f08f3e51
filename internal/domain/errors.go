package domain

import "errors"

var (
	ErrEntryNotFound     = errors.New("store entry not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrPoolExhausted     = errors.New("session pool exhausted")
	ErrInvalidTarget     = errors.New("invalid target address")
	ErrDeadSession       = errors.New("session is dead")
	ErrSessionGone       = errors.New("session closed by engine")
	ErrNavigation        = errors.New("navigation failed")
	ErrEvaluationTimeout = errors.New("script evaluation timed out")
	ErrUpstreamThrottled = errors.New("automation engine is throttling requests")
)
