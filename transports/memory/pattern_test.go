package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c.d", true},
		{"#.finished", "org.fedoraproject.prod.coreos.build.request.ostree-import.finished", true},
		{"#.finished", "org.fedoraproject.prod.coreos.build.request.ostree-import", false},
		{"a.#.d", "a.d", true},
		{"a.#.d", "a.b.c.d", true},
		{"a.#.d", "a.b.c.e", false},
		{"#", "anything.at.all", true},
		{"*", "one", true},
		{"*", "one.two", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.topic), "%s ~ %s", tt.pattern, tt.topic)
	}
}
