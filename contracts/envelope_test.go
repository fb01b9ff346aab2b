package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeJSON(t *testing.T) {
	env := RequestEnvelope{
		RequestType:   "ostree-import",
		CorrelationID: "5a0f",
		Environment:   Staging,
		Body:          map[string]interface{}{"build_id": "40.1"},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "5a0f", doc["request_id"])
	assert.Equal(t, "stg", doc["environment"])
	assert.Equal(t, "ostree-import", doc["request_type"])
	assert.NotContains(t, doc, "sent_at")
}

func TestBroadcastEnvelope(t *testing.T) {
	t.Run("extra keys are flattened", func(t *testing.T) {
		env := BroadcastEnvelope{
			BroadcastType: "stream.release",
			Environment:   Production,
			ExtraKeys:     map[string]string{"pipeline": "fcos"},
			Body:          map[string]interface{}{"stream": "stable"},
		}

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, "fcos", doc["pipeline"])
		assert.Equal(t, "stream.release", doc["broadcast_type"])
		assert.Equal(t, map[string]interface{}{"stream": "stable"}, doc["body"])

		var back BroadcastEnvelope
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, env, back)
	})

	t.Run("reserved key collision is rejected", func(t *testing.T) {
		env := BroadcastEnvelope{
			BroadcastType: "stream.release",
			Environment:   Production,
			ExtraKeys:     map[string]string{"body": "oops", "environment": "x"},
		}

		err := env.CheckExtraKeys()
		assert.ErrorIs(t, err, ErrReservedKey)
		assert.Contains(t, err.Error(), "body")
		assert.Contains(t, err.Error(), "environment")

		_, err = json.Marshal(env)
		assert.Error(t, err)
	})
}

func TestParseEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"prod":       Production,
		"production": Production,
		"stg":        Staging,
		" Staging ":  Staging,
	}
	for in, want := range cases {
		got, err := ParseEnvironment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseEnvironment("dev")
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
	assert.ErrorIs(t, Environment("qa").Validate(), ErrInvalidEnvironment)
	assert.NoError(t, Staging.Validate())
}
