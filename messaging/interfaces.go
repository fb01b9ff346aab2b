package messaging

import (
	"time"

	"github.com/coreos/fedmsg-go/contracts"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records a publish attempt
	RecordPublish(topic string, duration time.Duration, success bool)

	// RecordOutcome records the terminal outcome of a correlated request
	RecordOutcome(requestType string, kind contracts.OutcomeKind, elapsed time.Duration)

	// RecordError records an error that prevented an outcome
	RecordError(component string, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(topic string, duration time.Duration, success bool) {}

// RecordOutcome does nothing
func (n *NoOpMetricsCollector) RecordOutcome(requestType string, kind contracts.OutcomeKind, elapsed time.Duration) {
}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component string, errorType string) {}

// ErrorType names err's class for metrics labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case contracts.IsTransportError(err):
		return "transport"
	case contracts.IsSerializationError(err):
		return "serialization"
	default:
		return "other"
	}
}
