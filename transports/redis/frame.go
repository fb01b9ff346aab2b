package redis

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotJSON is returned when a body that is not a JSON document is
// published.
var ErrNotJSON = errors.New("redis: body is not a JSON document")

type frame struct {
	Headers map[string]interface{} `json:"headers,omitempty"`
	Body    json.RawMessage        `json:"body"`
}

func encodeFrame(body []byte, headers map[string]interface{}) ([]byte, error) {
	if !json.Valid(body) {
		return nil, ErrNotJSON
	}
	return json.Marshal(frame{Headers: headers, Body: body})
}

func decodeFrame(topic string, data []byte) (*delivery, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Body) == 0 {
		return nil, errors.New("frame has no body")
	}
	return &delivery{topic: topic, body: f.Body, headers: f.Headers}, nil
}

// channelGlob returns the Redis glob for an AMQP topic pattern: the literal
// words before the first wildcard followed by "*".
func channelGlob(pattern string) string {
	var literal []string
	for _, w := range strings.Split(pattern, ".") {
		if w == "*" || w == "#" {
			prefix := strings.Join(literal, ".")
			return escapeGlob(prefix) + "*"
		}
		literal = append(literal, w)
	}
	return escapeGlob(pattern)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type delivery struct {
	topic   string
	body    []byte
	headers map[string]interface{}
}

func (d *delivery) Topic() string { return d.topic }

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.headers))
	for k, v := range d.headers {
		headers[k] = v
	}
	return headers
}
