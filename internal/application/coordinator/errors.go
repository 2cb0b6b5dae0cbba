package coordinator

import (
	"errors"

	"github.com/livepoll/livepoll/internal/domain/poll"
	"github.com/livepoll/livepoll/internal/domain/session"
)

var (
	ErrForbidden = errors.New("presenter role required")
	ErrInternal  = errors.New("internal error")
)

// Error codes carried by ErrorEvent.
const (
	CodeValidation    = "VALIDATION"
	CodeConflict      = "CONFLICT"
	CodeNotFound      = "NOT_FOUND"
	CodeInactive      = "INACTIVE"
	CodeDuplicateVote = "DUPLICATE_VOTE"
	CodeForbidden     = "FORBIDDEN"
	CodeInternal      = "INTERNAL"
)

// ErrorCode classifies err into one of the stable error codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, poll.ErrValidation),
		errors.Is(err, session.ErrInvalidName),
		errors.Is(err, session.ErrEmptyConnection):
		return CodeValidation
	case errors.Is(err, poll.ErrConflict):
		return CodeConflict
	case errors.Is(err, poll.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, poll.ErrInactive):
		return CodeInactive
	case errors.Is(err, poll.ErrDuplicateVote):
		return CodeDuplicateVote
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}

// errorEvent builds the acknowledgment for err. Internal failures are not
// described to clients.
func errorEvent(err error) ErrorEvent {
	code := ErrorCode(err)
	if code == CodeInternal {
		return ErrorEvent{Message: ErrInternal.Error(), Code: code}
	}
	return ErrorEvent{Message: err.Error(), Code: code}
}
