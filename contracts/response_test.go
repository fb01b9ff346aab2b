package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponse(t *testing.T) {
	t.Run("reads request_id and status", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"request_id":"abc","status":"success","payload":{"ref":"fedora/x86_64/coreos/stable"}}`))
		require.NoError(t, err)

		assert.Equal(t, "abc", resp.CorrelationID)
		assert.Equal(t, StatusSuccess, resp.Status)
		assert.Nil(t, resp.FailureMessage)
		assert.Equal(t, map[string]interface{}{"ref": "fedora/x86_64/coreos/stable"}, resp.Payload)
	})

	t.Run("falls back to correlation_id", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"correlation_id":"xyz","status":"failure","failure_message":"disk full"}`))
		require.NoError(t, err)

		assert.Equal(t, "xyz", resp.CorrelationID)
		require.NotNil(t, resp.FailureMessage)
		assert.Equal(t, "disk full", *resp.FailureMessage)
	})

	t.Run("status is case insensitive", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"request_id":"abc","status":"FAILURE"}`))
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, resp.Status)
		assert.Equal(t, "FAILURE", resp.RawStatus)
	})

	t.Run("whole document is the payload when none is given", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"request_id":"abc","status":"success","build_id":"40.1"}`))
		require.NoError(t, err)
		assert.Equal(t, "40.1", resp.Payload["build_id"])
		assert.Equal(t, "abc", resp.Payload["request_id"])
	})

	t.Run("unmatchable documents", func(t *testing.T) {
		for name, doc := range map[string]string{
			"not json":       `not json`,
			"array":          `[1,2]`,
			"null":           `null`,
			"no request id":  `{"status":"success"}`,
			"numeric req id": `{"request_id":7,"status":"success"}`,
		} {
			t.Run(name, func(t *testing.T) {
				_, err := DecodeResponse([]byte(doc))
				assert.ErrorIs(t, err, ErrUnmatchable)
			})
		}
	})
}

func TestResponseOutcome(t *testing.T) {
	t.Run("success carries payload unchanged", func(t *testing.T) {
		payload := map[string]interface{}{"commit": "abc123", "nested": map[string]interface{}{"n": float64(1)}}
		resp := &ResponseEnvelope{CorrelationID: "id", Status: StatusSuccess, Payload: payload}

		out := resp.Outcome()
		assert.Equal(t, OutcomeSuccess, out.Kind)
		assert.Equal(t, payload, out.Payload)
		assert.NoError(t, out.Err())
	})

	t.Run("failure with message", func(t *testing.T) {
		msg := "disk full"
		resp := &ResponseEnvelope{CorrelationID: "id", Status: StatusFailure, FailureMessage: &msg}

		out := resp.Outcome()
		assert.Equal(t, OutcomeFailure, out.Kind)
		assert.Equal(t, "disk full", out.Message)
		assert.False(t, out.Violation)

		var rf *RemoteFailure
		require.ErrorAs(t, out.Err(), &rf)
		assert.Equal(t, "disk full", rf.Message)
		assert.False(t, errors.Is(out.Err(), ErrProtocolViolation))
	})

	t.Run("failure without message uses generic message", func(t *testing.T) {
		resp := &ResponseEnvelope{CorrelationID: "id", Status: StatusFailure}

		out := resp.Outcome()
		assert.Equal(t, OutcomeFailure, out.Kind)
		assert.Equal(t, GenericFailureMessage, out.Message)
	})

	t.Run("empty failure message uses generic message", func(t *testing.T) {
		resp, err := DecodeResponse([]byte(`{"request_id":"id","status":"FAILURE","failure-message":""}`))
		require.NoError(t, err)

		out := resp.Outcome()
		assert.Equal(t, GenericFailureMessage, out.Message)
		assert.False(t, out.Violation)
	})

	t.Run("unrecognized status is a protocol violation", func(t *testing.T) {
		resp := &ResponseEnvelope{CorrelationID: "id", Status: "pending", RawStatus: "Pending"}

		out := resp.Outcome()
		assert.Equal(t, OutcomeFailure, out.Kind)
		assert.Equal(t, "unrecognized status", out.Message)
		assert.ErrorIs(t, out.Err(), ErrProtocolViolation)
	})

	t.Run("missing status is a protocol violation", func(t *testing.T) {
		resp := &ResponseEnvelope{CorrelationID: "id"}

		out := resp.Outcome()
		assert.Equal(t, OutcomeFailure, out.Kind)
		assert.Equal(t, MissingStatusMessage, out.Message)
		assert.True(t, out.Violation)
	})
}

func TestOutcomeErr(t *testing.T) {
	out := &Outcome{Kind: OutcomeTimeout, CorrelationID: "id"}
	assert.ErrorIs(t, out.Err(), ErrTimeout)
	assert.False(t, out.Succeeded())
	assert.Equal(t, "timeout", out.Kind.String())
}
