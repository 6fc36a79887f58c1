package model

import "fmt"

// ErrInvalidTransition is returned when a requested status change is not
// allowed by the meeting lifecycle.
type ErrInvalidTransition struct {
	From MeetingStatus
	To   MeetingStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid meeting transition %s -> %s", e.From, e.To)
}

// allowedTransitions is the meeting lifecycle. A missing entry means the
// transition is rejected. Same-state transitions are handled separately as
// idempotent no-ops.
var allowedTransitions = map[MeetingStatus][]MeetingStatus{
	StatusRequested:         {StatusJoining, StatusFailed, StatusCompleted, StatusStopping},
	StatusJoining:           {StatusAwaitingAdmission, StatusFailed, StatusCompleted, StatusStopping},
	StatusAwaitingAdmission: {StatusActive, StatusFailed, StatusCompleted, StatusStopping},
	StatusActive:            {StatusStopping, StatusCompleted, StatusFailed},
	StatusStopping:          {StatusCompleted, StatusFailed},
	StatusCompleted:         {},
	StatusFailed:            {},
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
// A same-state move returns true (idempotent callback delivery).
func CanTransition(from, to MeetingStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil for allowed moves and *ErrInvalidTransition
// otherwise.
func ValidateTransition(from, to MeetingStatus) error {
	if !CanTransition(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	return nil
}

// ParseStatus normalizes a worker-reported status string. Unknown values
// return false.
func ParseStatus(s string) (MeetingStatus, bool) {
	switch MeetingStatus(s) {
	case StatusRequested, StatusJoining, StatusAwaitingAdmission,
		StatusActive, StatusStopping, StatusCompleted, StatusFailed:
		return MeetingStatus(s), true
	}
	return "", false
}
