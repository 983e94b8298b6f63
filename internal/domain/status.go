package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

var ErrUnknownStatus = errors.New("unknown order status")

// lifecycle is the forward chain; index = progress rank.
var lifecycle = []Status{
	StatusPending,
	StatusAccepted,
	StatusPreparing,
	StatusReady,
	StatusDelivered,
	StatusCompleted,
	StatusPaid,
}

// AllStatuses lists every known status, chain order first, CANCELLED last.
func AllStatuses() []Status {
	out := make([]Status, 0, len(lifecycle)+1)
	out = append(out, lifecycle...)
	return append(out, StatusCancelled)
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	return s == StatusCancelled || s.index() >= 0
}

func (s Status) index() int {
	for i, st := range lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Rank orders statuses by progress. Terminal states outrank everything so a
// late event carrying PAID or CANCELLED always wins over an in-flight one.
func (s Status) Rank() int {
	switch {
	case s == StatusCancelled:
		return len(lifecycle) + 1
	case s == StatusPaid:
		return len(lifecycle)
	default:
		return s.index()
	}
}

// Next returns the immediate successor in the forward chain.
func (s Status) Next() (Status, bool) {
	i := s.index()
	if i < 0 || i == len(lifecycle)-1 {
		return "", false
	}
	return lifecycle[i+1], true
}

// CanTransition is the order state machine. An illegal move is a normal
// (false, nil) answer; only unknown status values produce an error.
func CanTransition(current, requested Status) (bool, error) {
	if !current.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, string(current))
	}
	if !requested.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, string(requested))
	}
	if current.Terminal() || current == requested {
		return false, nil
	}
	if requested == StatusCancelled {
		return true, nil
	}
	next, ok := current.Next()
	return ok && next == requested, nil
}

// TransitionError is returned to callers that asked for an illegal move.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move from %s to %s", e.From, e.To)
}

// CheckTransition wraps CanTransition for callers that need an error value.
func CheckTransition(current, requested Status) error {
	ok, err := CanTransition(current, requested)
	if err != nil {
		return err
	}
	if !ok {
		return &TransitionError{From: current, To: requested}
	}
	return nil
}

// Settled reports whether the status lets a table session close.
func (s Status) Settled() bool {
	switch s {
	case StatusDelivered, StatusCompleted, StatusPaid, StatusCancelled:
		return true
	}
	return false
}
