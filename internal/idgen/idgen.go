// Package idgen generates identifiers for persisted records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID,
// e.g. "case_", "pay_", "dsp_".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
