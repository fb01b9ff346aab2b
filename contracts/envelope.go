package contracts

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Wire keys shared by publishers and workers.
const (
	KeyRequestType    = "request_type"
	KeyRequestID      = "request_id"
	KeyCorrelationID  = "correlation_id"
	KeyEnvironment    = "environment"
	KeyBody           = "body"
	KeySentAt         = "sent_at"
	KeyBroadcastType  = "broadcast_type"
	KeyStatus         = "status"
	KeyFailureMessage = "failure-message"
	KeyPayload        = "payload"

	keyFailureMessageAlt = "failure_message"
)

// ReservedBroadcastKeys cannot be supplied as extra keys on a broadcast.
var ReservedBroadcastKeys = []string{KeyBroadcastType, KeyEnvironment, KeyBody}

// RequestEnvelope is the document published for a correlated request.
// It is not modified after it has been published.
type RequestEnvelope struct {
	RequestType   string                 `json:"request_type"`
	CorrelationID string                 `json:"request_id"`
	Environment   Environment            `json:"environment"`
	SentAt        string                 `json:"sent_at,omitempty"`
	Body          map[string]interface{} `json:"body"`
}

// BroadcastEnvelope is a fire-and-forget event. ExtraKeys are flattened into
// the top level of the encoded document.
type BroadcastEnvelope struct {
	BroadcastType string
	Environment   Environment
	ExtraKeys     map[string]string
	Body          map[string]interface{}
}

// CheckExtraKeys returns an error naming every extra key that collides with a
// reserved key.
func (b *BroadcastEnvelope) CheckExtraKeys() error {
	var clashes []string
	for _, reserved := range ReservedBroadcastKeys {
		if _, ok := b.ExtraKeys[reserved]; ok {
			clashes = append(clashes, reserved)
		}
	}
	if len(clashes) > 0 {
		sort.Strings(clashes)
		return fmt.Errorf("%w: %v", ErrReservedKey, clashes)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b BroadcastEnvelope) MarshalJSON() ([]byte, error) {
	if err := b.CheckExtraKeys(); err != nil {
		return nil, err
	}

	doc := make(map[string]interface{}, len(b.ExtraKeys)+3)
	for k, v := range b.ExtraKeys {
		doc[k] = v
	}
	doc[KeyBroadcastType] = b.BroadcastType
	doc[KeyEnvironment] = b.Environment
	body := b.Body
	if body == nil {
		body = map[string]interface{}{}
	}
	doc[KeyBody] = body

	return json.Marshal(doc)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown top-level string values
// are collected into ExtraKeys.
func (b *BroadcastEnvelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*b = BroadcastEnvelope{}
	for k, v := range raw {
		var err error
		switch k {
		case KeyBroadcastType:
			err = json.Unmarshal(v, &b.BroadcastType)
		case KeyEnvironment:
			err = json.Unmarshal(v, &b.Environment)
		case KeyBody:
			err = json.Unmarshal(v, &b.Body)
		default:
			var s string
			if json.Unmarshal(v, &s) == nil {
				if b.ExtraKeys == nil {
					b.ExtraKeys = make(map[string]string)
				}
				b.ExtraKeys[k] = s
			}
		}
		if err != nil {
			return fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	return nil
}
