package admission

import "fmt"

// ReadFailurePolicy decides admission for budgeted providers when their
// spend cannot be read.
type ReadFailurePolicy string

const (
	// FailOpen treats unknown spend as zero, so budgeted providers stay
	// eligible. This is the default.
	FailOpen ReadFailurePolicy = "open"
	// FailClosed treats unknown spend as exhausted, so only unbudgeted
	// providers remain eligible.
	FailClosed ReadFailurePolicy = "closed"
)

// ParseReadFailurePolicy validates a configured policy name.
// The empty string selects FailOpen.
func ParseReadFailurePolicy(s string) (ReadFailurePolicy, error) {
	switch ReadFailurePolicy(s) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown read failure policy %q (want %q or %q)", s, FailOpen, FailClosed)
	}
}
