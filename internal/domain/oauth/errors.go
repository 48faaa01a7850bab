package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidOrExpiredState indicates the callback state was never issued, already consumed, or expired.
	ErrInvalidOrExpiredState = errors.New("oauth: invalid or expired state")
	// ErrStateNotFound is returned by state stores when no live session matches.
	ErrStateNotFound = errors.New("oauth: state not found")
	// ErrStateConflict is returned when a live session already uses the state value.
	ErrStateConflict = errors.New("oauth: state already in use")
	// ErrStoreUnavailable signals the ephemeral state store could not be reached.
	ErrStoreUnavailable = errors.New("oauth: state store unavailable")
	// ErrUnknownAgent signals that the authenticated X identity is not linked to any agent.
	ErrUnknownAgent = errors.New("oauth: no agent for platform user")
	// ErrAgentNotFound signals a missing agent record.
	ErrAgentNotFound = errors.New("oauth: agent not found")
	// ErrAuthExchange covers provider-side rejection of a code exchange or refresh.
	ErrAuthExchange = errors.New("oauth: token exchange failed")
	// ErrNotAuthenticated indicates the agent holds no usable token pair.
	ErrNotAuthenticated = errors.New("oauth: agent not authenticated")
	// ErrDecryption indicates stored ciphertext could not be opened.
	ErrDecryption = errors.New("oauth: decryption failed")
	// ErrTransport indicates an outbound call timed out or failed below HTTP.
	ErrTransport = errors.New("oauth: transport failure")

	// ErrActionRejected is returned by the provider client on any non-success action response.
	ErrActionRejected = errors.New("x: action rejected")
	// ErrActionFailed is the caller-visible form of ErrActionRejected.
	ErrActionFailed = errors.New("x: action failed")
	// ErrModerationRejected indicates content was blocked by a classifier.
	ErrModerationRejected = errors.New("x: content rejected by moderation")
	// ErrModerationUnavailable indicates a classifier could not produce a verdict.
	ErrModerationUnavailable = errors.New("x: moderation unavailable")
	// ErrUnsupportedVideoModeration names the unchecked-video gap.
	ErrUnsupportedVideoModeration = errors.New("x: video moderation unsupported")
	// ErrUnsupportedMediaType indicates media outside the upload allow-list.
	ErrUnsupportedMediaType = errors.New("x: unsupported media type")
	// ErrMediaTooLarge indicates media above the per-category size limit.
	ErrMediaTooLarge = errors.New("x: media too large")
)

// ProviderError carries the status and body detail of a rejected provider call.
type ProviderError struct {
	Op     string
	Status int
	Detail string
	kind   error
}

// NewProviderError builds a ProviderError classified under kind
// (ErrAuthExchange or ErrActionRejected).
func NewProviderError(kind error, op string, status int, detail string) *ProviderError {
	return &ProviderError{Op: op, Status: status, Detail: detail, kind: kind}
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status=%d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

func (e *ProviderError) Unwrap() error {
	return e.kind
}

// ActionFailedError is returned by the action gateway when X rejected an action.
type ActionFailedError struct {
	Action string
	Status int
	Detail string
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Detail)
}

func (e *ActionFailedError) Unwrap() error {
	return ErrActionFailed
}
