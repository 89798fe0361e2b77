package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoRootTask indicates the task store has no root node for the session.
var ErrNoRootTask = errors.New("no root task found")

// TimeoutPhase identifies which per-turn budget was exceeded.
type TimeoutPhase string

const (
	// TimeoutPhaseModel is the model-call budget.
	TimeoutPhaseModel TimeoutPhase = "model"
	// TimeoutPhaseTool is the tool-execution budget.
	TimeoutPhaseTool TimeoutPhase = "tool"
	// TimeoutPhaseAnswer is the human-answer wait budget.
	TimeoutPhaseAnswer TimeoutPhase = "answer"
)

// TimeoutError marks a deadline-class failure. The scheduler retries these;
// other failures settle the node immediately.
type TimeoutError struct {
	// Phase is which budget ran out.
	Phase TimeoutPhase
	// NodeID is the task node the timeout occurred on.
	NodeID string
	// Err is the underlying deadline error.
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout on task %s: %v", e.Phase, e.NodeID, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a timeout-class failure eligible for the
// scheduler's retry policy.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ProviderErrorKind classifies provider failures for user-facing messaging.
type ProviderErrorKind string

const (
	// ProviderRateLimited indicates the provider rejected the call for rate reasons.
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	// ProviderGeneric covers all other provider failures.
	ProviderGeneric ProviderErrorKind = "generic"
)

// ProviderError wraps a failure from the model provider. The engine does not
// auto-retry these; classification is surfaced to the caller.
type ProviderError struct {
	// Kind distinguishes rate-limit failures from everything else.
	Kind ProviderErrorKind
	// NodeID is the task node the call belonged to.
	NodeID string
	// Err is the underlying provider error.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s) on task %s: %v", e.Kind, e.NodeID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsCancellation reports whether err is a cooperative cancellation. These map
// to the aborted status and are never conflated with failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
