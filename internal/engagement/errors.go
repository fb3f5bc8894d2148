package engagement

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrStoreClosed        = errors.New("store closed")
)

// InvariantViolation signals data corruption or a human labeling error that
// must be fixed manually. It aborts the whole run rather than being retried.
type InvariantViolation struct {
	Reason    string
	MessageID string
	OriginID  string
	Dataset   string
}

func (e *InvariantViolation) Error() string {
	msg := "invariant violation: " + e.Reason
	if e.MessageID != "" {
		msg += fmt.Sprintf(" (message_id %q)", e.MessageID)
	}
	if e.OriginID != "" {
		msg += fmt.Sprintf(" (origin_id %q)", e.OriginID)
	}
	if e.Dataset != "" {
		msg += fmt.Sprintf(" (dataset %q)", e.Dataset)
	}
	return msg
}

func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}
