// Package uuid generates and checks the opaque local identifiers assigned to
// queued records. Identifiers are random UUID v4 values, so they never encode
// ordering and are never reused on a device.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var localIDRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// Generator produces fresh local identifiers.
type Generator func() (string, error)

// NewRandom is the default Generator. It reports entropy failures instead of
// panicking, so a failing random source surfaces as an enqueue error.
func NewRandom() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate local id: %w", err)
	}
	return id.String(), nil
}

// New generates a local identifier, panicking if the random source fails.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s has the canonical lowercase local id format.
func IsValid(s string) bool {
	return localIDRegex.MatchString(s)
}

// Validate returns an error if s is not a well formed local id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid local id %q", s)
	}
	return nil
}
