package contracts

import (
	"fmt"
	"strings"
)

// Environment selects the topic namespace and broker configuration.
type Environment string

const (
	Production Environment = "prod"
	Staging    Environment = "stg"
)

// ParseEnvironment accepts the short and long spellings of both environments.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Production, nil
	case "stg", "staging":
		return Staging, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, s)
}

// Validate reports whether e is one of the known environments.
func (e Environment) Validate() error {
	switch e {
	case Production, Staging:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidEnvironment, string(e))
}

func (e Environment) String() string {
	return string(e)
}
