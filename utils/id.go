package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a new random migration ID (a dashless UUID v4).
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LookupCopy returns a copy of the value at key in m.
// Returns false if the key is absent or the stored pointer is nil.
// The caller receives a detached value, safe to use after any lock is released.
func LookupCopy[T any](m map[string]*T, key string) (T, bool) {
	v := m[key]
	if v == nil {
		var zero T
		return zero, false
	}
	return *v, true
}
