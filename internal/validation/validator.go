// Package validation validates client-supplied identifiers before they
// reach the facade. Grounded on the reference storage node's
// internal/validation/validator.go (size/control-character checks on
// request fields), narrowed to the fields this system's request surface
// actually carries: key, client_id, request_id.
package validation

import (
	"strings"
	"unicode"

	"github.com/devrev/replicatedkv/node/internal/errors"
)

const (
	// MaxKeySize bounds a key's encoded length.
	MaxKeySize = 1024
	// MaxIdentifierSize bounds client_id/request_id length.
	MaxIdentifierSize = 256
)

// ValidateKey rejects an empty key, an oversized key, or one containing
// control characters or null bytes.
func ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidArgument("key must not be empty", nil)
	}
	if len(key) > MaxKeySize {
		return errors.InvalidArgument("key exceeds maximum size", nil).WithDetail("max_size", MaxKeySize)
	}
	if strings.ContainsRune(key, 0) {
		return errors.InvalidArgument("key must not contain null bytes", nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("key must not contain control characters", nil)
		}
	}
	return nil
}

// ValidateIdentifier rejects an oversized or control-character-bearing
// client_id or request_id. Empty is allowed — both are optional, and an
// absent pair bypasses the dedup cache entirely (SPEC_FULL §4.4).
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return nil
	}
	if len(value) > MaxIdentifierSize {
		return errors.InvalidArgument(name+" exceeds maximum size", nil).WithDetail("max_size", MaxIdentifierSize)
	}
	if strings.ContainsRune(value, 0) {
		return errors.InvalidArgument(name+" must not contain null bytes", nil)
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return errors.InvalidArgument(name+" must not contain control characters", nil)
		}
	}
	return nil
}
