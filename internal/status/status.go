package status

import "fmt"

// Task statuses.
const (
	Pending          = "pending"
	Processing       = "processing"
	AwaitingApproval = "awaiting_approval"
	Published        = "published"
	Rejected         = "rejected"
	Failed           = "failed"
	ValidationFailed = "validation_failed"
)

// All lists every known status.
var All = []string{
	Pending,
	Processing,
	AwaitingApproval,
	Published,
	Rejected,
	Failed,
	ValidationFailed,
}

// transitions is the full legal transition table. Published, rejected
// and failed are terminal.
var transitions = map[string][]string{
	Pending:          {Processing},
	Processing:       {AwaitingApproval, Failed, ValidationFailed},
	ValidationFailed: {Processing, Failed},
	AwaitingApproval: {Published, Rejected},
	Published:        {},
	Rejected:         {},
	Failed:           {},
}

// InvalidTransitionError identifies an illegal status change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Known reports whether s is a recognized status.
func Known(s string) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s allows no further transitions.
func Terminal(s string) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Validate checks a requested status change against the transition
// table. It performs no I/O and mutates nothing; callers persist the
// new status and its audit entry only after a nil return.
func Validate(current, requested string) error {
	next, ok := transitions[current]
	if !ok {
		return &InvalidTransitionError{From: current, To: requested}
	}
	for _, s := range next {
		if s == requested {
			return nil
		}
	}
	return &InvalidTransitionError{From: current, To: requested}
}
