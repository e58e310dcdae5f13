// Package document defines what the pilot core needs from the browser engine:
// evaluate a script against the live document, capture a rendered region, report
// the current document handle, and announce document replacement.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStaleHandle is returned by a Driver when the handle it was given belongs
// to a document that has since been replaced by navigation.
var ErrStaleHandle = errors.New("document handle is stale")

// Handle is an opaque reference to one loaded document. A navigation produces
// a new Generation; handles from older generations are stale.
type Handle struct {
	Target     string `json:"target"`
	Generation uint64 `json:"generation"`
	URL        string `json:"url,omitempty"`
}

// IsZero reports whether the handle was never acquired.
func (h Handle) IsZero() bool {
	return h.Target == "" && h.Generation == 0
}

// Same reports whether both handles point at the same document. URL is
// informational and does not participate.
func (h Handle) Same(o Handle) bool {
	return h.Target == o.Target && h.Generation == o.Generation
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d", h.Target, h.Generation)
}

// Region is a rectangle in document (CSS pixel) coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Evaluator runs a function expression against the document identified by h
// and returns its JSON-serialised result. It returns an error wrapping
// ErrStaleHandle when h is no longer current.
type Evaluator interface {
	Evaluate(ctx context.Context, h Handle, script string, args ...interface{}) (json.RawMessage, error)
}

// Driver is the collaborator owning document lifecycle.
type Driver interface {
	Evaluator
	// CurrentHandle returns the handle of the document loaded right now.
	CurrentHandle(ctx context.Context) (Handle, error)
	// Capture renders region (nil for the full scrollable page) as PNG.
	Capture(ctx context.Context, h Handle, region *Region) ([]byte, error)
	// OnDocumentReplaced registers fn to be called after every navigation
	// with the handle of the new document.
	OnDocumentReplaced(fn func(Handle))
}

// IsStale reports whether err signals handle invalidation.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleHandle)
}
