package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkUnavailable is returned when the serial link is missing, not open,
	// or refuses a listener registration.
	ErrLinkUnavailable = errors.New("serial link unavailable")

	// ErrTimeout is returned when no matching echo arrives before the echo
	// deadline.
	ErrTimeout = errors.New("no matching echo before deadline")

	// ErrInterrupted is returned when a suspended wait is aborted by context
	// cancellation or by Close.
	ErrInterrupted = errors.New("send interrupted")
)

// IOError reports a failure while writing to or listening on the link.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("serial %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Outcome classifies the result of a single send attempt.
type Outcome string

const (
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeLinkUnavailable Outcome = "link_unavailable"
	OutcomeIOError         Outcome = "io_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeInterrupted     Outcome = "interrupted"
)

// OutcomeOf maps an error returned by SendContext onto its Outcome.
func OutcomeOf(err error) Outcome {
	var ioErr *IOError
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrLinkUnavailable):
		return OutcomeLinkUnavailable
	case errors.Is(err, ErrInterrupted):
		return OutcomeInterrupted
	case errors.As(err, &ioErr):
		return OutcomeIOError
	default:
		return OutcomeTimeout
	}
}
