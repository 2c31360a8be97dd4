package model

import "errors"

var (
	ErrNetwork         = errors.New("network error")
	ErrSeatTaken       = errors.New("seat already taken")
	ErrSeatUnavailable = errors.New("seat unavailable")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotOwner        = errors.New("seat not owned by student")
	ErrChannelLost     = errors.New("realtime channel lost")
	ErrRequestPending  = errors.New("request already pending for seat")
	ErrUnknownSeat     = errors.New("seat not in classroom")
)

// Retryable reports whether err is a transient transport failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// NeedsDecision reports whether err is a logical conflict the user must resolve.
func NeedsDecision(err error) bool {
	return errors.Is(err, ErrSeatTaken) || errors.Is(err, ErrNotOwner) || errors.Is(err, ErrSeatUnavailable)
}
