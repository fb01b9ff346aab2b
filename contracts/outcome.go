package contracts

import "time"

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

// Messages synthesized when a worker does not say what went wrong.
const (
	GenericFailureMessage     = "generic failure, no message supplied"
	UnrecognizedStatusMessage = "unrecognized status"
	MissingStatusMessage      = "response missing status"
)

// Outcome is the terminal result of a correlated request. Once produced no
// further responses for CorrelationID are considered.
type Outcome struct {
	Kind          OutcomeKind
	CorrelationID string
	// Payload is set for successes and, when the worker supplied one, for failures.
	Payload map[string]interface{}
	// Message is set for failures.
	Message string
	// Violation marks failures synthesized from a malformed response.
	Violation bool
	Elapsed   time.Duration
}

// Succeeded reports whether the worker reported success.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Kind == OutcomeSuccess
}

// Err returns nil for a success, a *RemoteFailure for a failure and
// ErrTimeout for a timeout.
func (o *Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeTimeout:
		return ErrTimeout
	default:
		return &RemoteFailure{
			CorrelationID: o.CorrelationID,
			Message:       o.Message,
			Violation:     o.Violation,
		}
	}
}
