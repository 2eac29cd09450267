package clickup

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindAccessDenied Kind = "access_denied"
	KindTransient    Kind = "transient"
)

// Sentinels for errors.Is. Every *Error matches exactly one of the first three.
var (
	ErrNotFound         = errors.New("clickup: not found")
	ErrAccessDenied     = errors.New("clickup: access denied")
	ErrTransient        = errors.New("clickup: transient failure")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Error is returned for every non-2xx response and every transport failure.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("clickup %s: %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("clickup %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("clickup %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("clickup %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAccessDenied:
		return e.Kind == KindAccessDenied
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// classifyStatus maps an HTTP status to a Kind. Only 404 and 403 are
// definitive; everything else, 401 and 429 included, is transient.
func classifyStatus(status int) Kind {
	switch status {
	case 404:
		return KindNotFound
	case 403:
		return KindAccessDenied
	default:
		return KindTransient
	}
}

// IsGone reports whether err confirms the resource does not exist for this
// caller. Callers may discard cached references only when IsGone is true.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccessDenied)
}

// KindOf returns the classification of err. Errors that did not come from
// this package are transient.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}
