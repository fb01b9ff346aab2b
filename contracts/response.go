package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResponseStatus is the status a worker reports for a request.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
)

// ResponseEnvelope is a reply published by a remote worker. It is untrusted:
// Status may be empty or hold a value this package does not recognize.
type ResponseEnvelope struct {
	CorrelationID  string
	Status         ResponseStatus
	RawStatus      string
	FailureMessage *string
	Payload        map[string]interface{}
}

// DecodeResponse parses a reply document. Workers differ in the keys they
// use, so the decoder accepts request_id or correlation_id for the
// correlation id and failure-message or failure_message for the message.
// When the document has no payload object the whole document is the payload.
//
// Documents that are not JSON objects or that carry no correlation id
// cannot belong to any request and yield ErrUnmatchable.
func DecodeResponse(data []byte) (*ResponseEnvelope, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmatchable, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: null document", ErrUnmatchable)
	}

	resp := &ResponseEnvelope{
		CorrelationID: stringField(doc, KeyRequestID),
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = stringField(doc, KeyCorrelationID)
	}
	if resp.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrUnmatchable, KeyRequestID)
	}

	resp.RawStatus = stringField(doc, KeyStatus)
	resp.Status = ResponseStatus(strings.ToLower(strings.TrimSpace(resp.RawStatus)))

	if msg, ok := doc[KeyFailureMessage].(string); ok {
		resp.FailureMessage = &msg
	} else if msg, ok := doc[keyFailureMessageAlt].(string); ok {
		resp.FailureMessage = &msg
	}

	if payload, ok := doc[KeyPayload].(map[string]interface{}); ok {
		resp.Payload = payload
	} else {
		resp.Payload = doc
	}

	return resp, nil
}

// Outcome turns the response into the terminal result for a request.
// Responses without a usable status are protocol violations and become
// failures rather than errors.
func (r *ResponseEnvelope) Outcome() *Outcome {
	switch r.Status {
	case StatusSuccess:
		return &Outcome{
			Kind:          OutcomeSuccess,
			CorrelationID: r.CorrelationID,
			Payload:       r.Payload,
		}
	case StatusFailure:
		msg := GenericFailureMessage
		if r.FailureMessage != nil && *r.FailureMessage != "" {
			msg = *r.FailureMessage
		}
		return &Outcome{
			Kind:          OutcomeFailure,
			CorrelationID: r.CorrelationID,
			Message:       msg,
			Payload:       r.Payload,
		}
	case "":
		return &Outcome{
			Kind:          OutcomeFailure,
			CorrelationID: r.CorrelationID,
			Message:       MissingStatusMessage,
			Payload:       r.Payload,
			Violation:     true,
		}
	default:
		return &Outcome{
			Kind:          OutcomeFailure,
			CorrelationID: r.CorrelationID,
			Message:       UnrecognizedStatusMessage,
			Payload:       r.Payload,
			Violation:     true,
		}
	}
}

func stringField(doc map[string]interface{}, key string) string {
	if s, ok := doc[key].(string); ok {
		return s
	}
	return ""
}
