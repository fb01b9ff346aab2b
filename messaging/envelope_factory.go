package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreos/fedmsg-go/contracts"
	"github.com/coreos/fedmsg-go/schema"
	"github.com/google/uuid"
)

// Header keys understood by fedora-messaging consumers.
const (
	HeaderSchema        = "fedora_messaging_schema"
	HeaderSeverity      = "fedora_messaging_severity"
	HeaderSentAt        = "sent-at"
	HeaderCorrelationID = "x-correlation-id"
	HeaderMessageType   = "x-message-type"

	baseMessageSchema = "base.message"
	severityInfo      = 20
)

// OutgoingRequest is a validated, encoded request ready to publish.
type OutgoingRequest struct {
	Envelope      *contracts.RequestEnvelope
	Topic         string
	ResponseTopic string
	Body          []byte
	Headers       map[string]interface{}
}

// OutgoingBroadcast is a validated, encoded broadcast ready to publish.
type OutgoingBroadcast struct {
	Envelope *contracts.BroadcastEnvelope
	Topic    string
	Body     []byte
	Headers  map[string]interface{}
}

// EnvelopeFactory builds and validates envelopes. Every error it returns is
// a *contracts.SerializationError and nothing has been published yet.
type EnvelopeFactory struct {
	topics         TopicScheme
	requests       *schema.Registry
	broadcasts     *schema.Registry
	newID          func() string
	now            func() time.Time
	defaultHeaders map[string]interface{}
}

// FactoryOption configures an EnvelopeFactory
type FactoryOption func(*EnvelopeFactory)

// WithTopicScheme overrides the topic layout
func WithTopicScheme(scheme TopicScheme) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.topics = scheme
	}
}

// WithRequestRegistry sets the schemas request bodies are checked against
func WithRequestRegistry(r *schema.Registry) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.requests = r
	}
}

// WithBroadcastRegistry sets the schemas broadcast bodies are checked against
func WithBroadcastRegistry(r *schema.Registry) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.broadcasts = r
	}
}

// WithIDGenerator replaces the correlation id generator
func WithIDGenerator(gen func() string) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.newID = gen
	}
}

// WithClock replaces the time source used for sent-at stamps
func WithClock(now func() time.Time) FactoryOption {
	return func(f *EnvelopeFactory) {
		f.now = now
	}
}

// WithDefaultHeaders adds headers to every outgoing message
func WithDefaultHeaders(headers map[string]interface{}) FactoryOption {
	return func(f *EnvelopeFactory) {
		for k, v := range headers {
			f.defaultHeaders[k] = v
		}
	}
}

// NewEnvelopeFactory creates a factory with the default topic scheme, no
// request schemas and the default broadcast schemas.
func NewEnvelopeFactory(opts ...FactoryOption) *EnvelopeFactory {
	f := &EnvelopeFactory{
		topics:         DefaultTopicScheme(),
		broadcasts:     schema.DefaultBroadcastRegistry(),
		newID:          func() string { return uuid.New().String() },
		now:            time.Now,
		defaultHeaders: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Topics returns the topic scheme used by the factory
func (f *EnvelopeFactory) Topics() TopicScheme {
	return f.topics
}

// NewRequest builds a request with a fresh correlation id.
func (f *EnvelopeFactory) NewRequest(requestType string, env contracts.Environment, body map[string]interface{}) (*OutgoingRequest, error) {
	fail := func(err error) (*OutgoingRequest, error) {
		return nil, &contracts.SerializationError{Op: "request", Type: requestType, Err: err}
	}

	if requestType == "" {
		return fail(contracts.ErrEmptyType)
	}
	if err := env.Validate(); err != nil {
		return fail(err)
	}
	if err := f.requests.Validate(requestType, body); err != nil {
		return fail(err)
	}

	sentAt := f.now().UTC()
	envelope := &contracts.RequestEnvelope{
		RequestType:   requestType,
		CorrelationID: f.newID(),
		Environment:   env,
		SentAt:        sentAt.Format(time.RFC3339),
		Body:          copyBody(body),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal body: %w", err))
	}

	headers := f.headers(requestType, sentAt)
	headers[HeaderCorrelationID] = envelope.CorrelationID

	return &OutgoingRequest{
		Envelope:      envelope,
		Topic:         f.topics.RequestTopic(env, requestType),
		ResponseTopic: f.topics.ResponseTopic(env, requestType),
		Body:          data,
		Headers:       headers,
	}, nil
}

// NewBroadcast builds a broadcast. Extra keys that collide with reserved
// keys and bodies missing required fields are rejected.
func (f *EnvelopeFactory) NewBroadcast(broadcastType string, env contracts.Environment, body map[string]interface{}, extraKeys map[string]string) (*OutgoingBroadcast, error) {
	fail := func(err error) (*OutgoingBroadcast, error) {
		return nil, &contracts.SerializationError{Op: "broadcast", Type: broadcastType, Err: err}
	}

	if broadcastType == "" {
		return fail(contracts.ErrEmptyType)
	}
	if err := env.Validate(); err != nil {
		return fail(err)
	}

	envelope := &contracts.BroadcastEnvelope{
		BroadcastType: broadcastType,
		Environment:   env,
		ExtraKeys:     extraKeys,
		Body:          copyBody(body),
	}
	if err := envelope.CheckExtraKeys(); err != nil {
		return fail(err)
	}
	if err := f.broadcasts.Validate(broadcastType, body); err != nil {
		return fail(err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal body: %w", err))
	}

	return &OutgoingBroadcast{
		Envelope: envelope,
		Topic:    f.topics.BroadcastTopic(env, broadcastType),
		Body:     data,
		Headers:  f.headers(broadcastType, f.now().UTC()),
	}, nil
}

func (f *EnvelopeFactory) headers(messageType string, sentAt time.Time) map[string]interface{} {
	headers := make(map[string]interface{}, len(f.defaultHeaders)+4)
	for k, v := range f.defaultHeaders {
		headers[k] = v
	}
	headers[HeaderSchema] = baseMessageSchema
	headers[HeaderSeverity] = severityInfo
	headers[HeaderSentAt] = sentAt.Format(time.RFC3339)
	headers[HeaderMessageType] = messageType
	return headers
}

// copyBody detaches the envelope from later changes to the caller's map.
func copyBody(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}
