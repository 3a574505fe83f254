package ingest

import (
	"errors"
	"fmt"
)

// Fatal error kinds. Per-element failures never surface as errors; they are
// counted in Stats.Skipped.
var (
	ErrSourceUnreadable     = errors.New("source unreadable")
	ErrNoStructure          = errors.New("no structure found")
	ErrPersistenceCollision = errors.New("slug collision")
	ErrPersistenceTx        = errors.New("persistence transaction failed")
)

// ErrInvalidRequest marks caller mistakes: missing category, bad paths.
var ErrInvalidRequest = errors.New("invalid request")

// Error is a fatal pipeline error tagged with its kind.
type Error struct {
	Kind error  // one of the Err* sentinels
	Op   string // extract, segment, import
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind as well as the wrapped chain.
func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
