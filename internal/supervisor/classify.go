package supervisor

import "time"

// Class is the retry classification of a failure.
type Class string

const (
	Transient Class = "transient"
	Permanent Class = "permanent"
)

// Worker-reported error kinds.
const (
	KindTimeout           = "timeout"
	KindResourceExhausted = "resource_exhausted"
	KindNetwork           = "network"
	KindInvalidInput      = "invalid_input"
	KindMissingDependency = "missing_dependency"
)

var transientKinds = map[string]bool{
	KindTimeout:           true,
	KindResourceExhausted: true,
	KindNetwork:           true,
}

// Classify maps an error kind to its class. Unknown kinds are permanent so a
// worker bug cannot burn the whole attempt budget.
func Classify(kind string) Class {
	if transientKinds[kind] {
		return Transient
	}
	return Permanent
}

// Schedule is a list of retry delays indexed by the attempt that just
// failed. Attempts past the end reuse the last delay.
type Schedule []time.Duration

// DefaultSchedule waits 0s, 30s, then 120s.
var DefaultSchedule = Schedule{0, 30 * time.Second, 120 * time.Second}

// Delay returns the wait before the attempt that follows attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}
