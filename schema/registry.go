package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coreos/fedmsg-go/contracts"
)

// ValidationError describes a single problem with a body field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Schema lists the body fields a message type requires.
type Schema struct {
	Name     string
	Required []string
	// Enum restricts string fields to a fixed set of values.
	Enum map[string][]string
}

// Registry maps message types to schemas. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	strict  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrictMode rejects types that have no registered schema.
func WithStrictMode(strict bool) RegistryOption {
	return func(r *Registry) {
		r.strict = strict
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the schema for messageType.
func (r *Registry) Register(messageType string, s *Schema) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if s == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Name == "" {
		s.Name = messageType
	}
	r.schemas[messageType] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(messageType string, s *Schema) *Registry {
	if err := r.Register(messageType, s); err != nil {
		panic(err)
	}
	return r
}

// Known reports whether messageType has a schema.
func (r *Registry) Known(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[messageType]
	return ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks body against the schema for messageType. Missing fields,
// and required strings that are empty or whitespace, wrap
// contracts.ErrMissingField, unknown types in strict mode wrap
// contracts.ErrUnknownType.
func (r *Registry) Validate(messageType string, body map[string]interface{}) error {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	s, ok := r.schemas[messageType]
	strict := r.strict
	r.mu.RUnlock()

	if !ok {
		if strict {
			return fmt.Errorf("%w: %s", contracts.ErrUnknownType, messageType)
		}
		return nil
	}

	var missing []string
	for _, field := range s.Required {
		if blank(body[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", contracts.ErrMissingField, strings.Join(missing, ", "))
	}

	for field, allowed := range s.Enum {
		value, exists := body[field]
		if !exists {
			continue
		}
		if verr := checkEnum(field, value, allowed); verr != nil {
			return verr
		}
	}

	return nil
}

func checkEnum(field string, value interface{}, allowed []string) *ValidationError {
	str, ok := value.(string)
	if ok {
		for _, a := range allowed {
			if str == a {
				return nil
			}
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value %v is not one of %v", value, allowed),
		Code:    "ENUM_MISMATCH",
	}
}

// blank reports whether v is absent or a string holding only whitespace.
func blank(v interface{}) bool {
	if v == nil {
		return true
	}
	str, ok := v.(string)
	return ok && strings.TrimSpace(str) == ""
}
