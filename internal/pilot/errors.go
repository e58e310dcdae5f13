package pilot

import (
	"errors"
	"fmt"
)

// Kind names an error class a controller can react to.
type Kind string

const (
	KindElementNotFound    Kind = "ElementNotFound"
	KindStaleHandle        Kind = "StaleHandle"
	KindUnknownAction      Kind = "UnknownAction"
	KindChunkOutOfRange    Kind = "ChunkOutOfRange"
	KindUnknownArtifact    Kind = "UnknownArtifact"
	KindUnknownExpectation Kind = "UnknownExpectation"
)

// Recovery hints carried by Error.Retry.
const (
	RetryRescan      = "rescan"
	RetryNone        = "none"
	RetryRegenerate  = "regenerate-artifact"
	RetryLowerIndex  = "request-lower-index"
	RetryAfterSettle = "wait-for-settle-then-rescan"
)

// Sentinels for errors.Is.
var (
	ErrElementNotFound    = errors.New("element not found")
	ErrStaleHandle        = errors.New("stale document handle")
	ErrUnknownAction      = errors.New("unknown action")
	ErrChunkOutOfRange    = errors.New("chunk out of range")
	ErrUnknownArtifact    = errors.New("unknown artifact")
	ErrUnknownExpectation = errors.New("unknown expectation")
)

var sentinels = map[Kind]error{
	KindElementNotFound:    ErrElementNotFound,
	KindStaleHandle:        ErrStaleHandle,
	KindUnknownAction:      ErrUnknownAction,
	KindChunkOutOfRange:    ErrChunkOutOfRange,
	KindUnknownArtifact:    ErrUnknownArtifact,
	KindUnknownExpectation: ErrUnknownExpectation,
}

// Error is a controller-facing failure. It always names the id or parent
// involved and how to recover.
type Error struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id,omitempty"`
	Parent string `json:"parent,omitempty"`
	Retry  string `json:"retry"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	subject := e.ID
	if e.Parent != "" {
		subject = e.Parent
		if e.ID != "" {
			subject = e.Parent + "/" + e.ID
		}
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, subject)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " (retry: " + e.Retry + ")"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
