package cases

// edges is the complete set of permitted status moves. Anything not listed
// here is rejected, including moves out of the terminal statuses.
var edges = map[Status][]Status{
	StatusDraft:      {StatusOpen, StatusCancelled},
	StatusOpen:       {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusDisputed, StatusCompleted, StatusCancelled},
	StatusDisputed:   {StatusClosed},
	StatusCompleted:  {StatusClosed},
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	out := make([]Status, len(edges[s]))
	copy(out, edges[s])
	return out
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(edges[s]) == 0
}

// settlementOnly marks edges that only the settlement engine may take.
// A disputed case closes exclusively through a recorded settlement.
func settlementOnly(from, to Status) bool {
	return from == StatusDisputed && to == StatusClosed
}

// checkTransition validates an edge for a generic status change request.
func checkTransition(c *Case, from, to Status) error {
	if from == to {
		return invalid("case is already %s", to)
	}
	if !CanTransition(from, to) {
		return invalid("cannot move case from %s to %s", from, to)
	}
	if settlementOnly(from, to) {
		return invalid("a disputed case is closed by settling its dispute")
	}
	if to == StatusAssigned && c.ParalegalID == "" {
		return invalid("case has no paralegal; assign one first")
	}
	return nil
}
