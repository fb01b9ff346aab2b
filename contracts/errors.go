package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no matching response arrived before the deadline.
	ErrTimeout = errors.New("fedmsg: timed out waiting for response")

	// ErrProtocolViolation marks a response that is missing required fields or
	// carries an unrecognized status.
	ErrProtocolViolation = errors.New("fedmsg: protocol violation")

	// ErrUnmatchable is returned by DecodeResponse for documents that cannot
	// be correlated with any request.
	ErrUnmatchable = errors.New("fedmsg: response cannot be correlated")

	// Construction errors, always wrapped in a *SerializationError.
	ErrEmptyType          = errors.New("fedmsg: message type is empty")
	ErrInvalidEnvironment = errors.New("fedmsg: invalid environment")
	ErrReservedKey        = errors.New("fedmsg: extra key collides with reserved key")
	ErrMissingField       = errors.New("fedmsg: body is missing required fields")
	ErrUnknownType        = errors.New("fedmsg: unknown message type")
	ErrInvalidTimeout     = errors.New("fedmsg: timeout must be positive")
)

// TransportError reports that the bus could not be reached or rejected a
// publish or subscribe. It is never retried by this module.
type TransportError struct {
	Op    string // publish, subscribe, receive
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fedmsg transport error: %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SerializationError reports invalid caller input detected before anything
// was published.
type SerializationError struct {
	Op   string // request, broadcast
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("fedmsg: cannot build %s %q: %v", e.Op, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// RemoteFailure is the error form of a failure outcome.
type RemoteFailure struct {
	CorrelationID string
	Message       string
	Violation     bool
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("remote failure for request %s: %s", e.CorrelationID, e.Message)
}

// Unwrap exposes ErrProtocolViolation for failures synthesized from a
// malformed response.
func (e *RemoteFailure) Unwrap() error {
	if e.Violation {
		return ErrProtocolViolation
	}
	return nil
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsSerializationError reports whether err is or wraps a *SerializationError.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
