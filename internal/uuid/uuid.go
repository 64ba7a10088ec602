// Package uuid provides record and queue identifier helpers.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Normalize parses any RFC 4122 UUID and returns its canonical lowercase form.
// Records written by other replicas may use a different version.
func Normalize(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return id.String(), nil
}

// EnsureID returns id unchanged when set, otherwise a fresh UUID v4.
func EnsureID(id string) string {
	if strings.TrimSpace(id) == "" {
		return New()
	}
	return id
}
