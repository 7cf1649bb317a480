// Package domain holds lead lifecycle invariants shared by the leads and
// sequences modules.
package domain

// Lead lifecycle statuses.
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusQuoted     = "quoted"
	StatusNurturing  = "nurturing"
	StatusBooked     = "booked"
	StatusLost       = "lost"
)

// statusRank orders the funnel. Transitions only move forward, with nurturing
// as the one re-entry point for leads that went quiet.
var statusRank = map[string]int{
	StatusNew:        0,
	StatusNurturing:  1,
	StatusInProgress: 2,
	StatusQuoted:     3,
	StatusBooked:     4,
	StatusLost:       4,
}

// IsTerminal reports whether the status ends the lifecycle.
func IsTerminal(status string) bool {
	return status == StatusBooked || status == StatusLost
}

// CanTransition validates a status change. Booked and lost are terminal;
// everything else moves toward them, except that any non-terminal lead may
// drop back into nurturing.
func CanTransition(from, to string) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == to {
		return false
	}
	if IsTerminal(from) {
		return false
	}
	if to == StatusNurturing {
		return true
	}
	return toRank > fromRank
}
