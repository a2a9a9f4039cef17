package domain

// transitions is the complete set of allowed status moves.
// processing -> processing is a stage advance within a pipeline.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may move to the target status.
// Conditional updates use it as the expected-status guard.
func SourcesOf(to Status) []Status {
	var out []Status
	for _, from := range AllStatuses() {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
