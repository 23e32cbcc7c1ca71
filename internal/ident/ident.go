// ABOUTME: Tenant identifier validation for kvgate
// ABOUTME: Single choke point for names before they touch file paths or SQL

package ident

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned when a raw tenant name contains characters
// outside the allowed alphabet.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierPattern is the complete alphabet for tenant names. No digits, no
// whitespace, no path separators, no SQL metacharacters.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_]+$`)

// Identifier is a validated tenant name. The zero value is invalid; the only
// way to obtain a usable Identifier is through Validate.
type Identifier struct {
	text string
}

// Validate checks a raw tenant name against the allowed alphabet.
// Every tenant name must pass through here before it is interpolated into a
// file path, a derived table name, or an authorizer comparison.
func Validate(raw string) (Identifier, error) {
	if !identifierPattern.MatchString(raw) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	return Identifier{text: raw}, nil
}

// String returns the validated text.
func (id Identifier) String() string {
	return id.text
}

// IsZero reports whether the identifier was never validated.
func (id Identifier) IsZero() bool {
	return id.text == ""
}
