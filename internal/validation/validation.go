// Package validation checks names received from the stream API before they
// are used as store keys, file names or subject tokens.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xtxerr/telrec/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength int
	MaxLength int

	// Extra lists the characters allowed besides letters and digits.
	Extra string
}

// SessionKeyRules returns the rules for session keys. Session keys name
// archive files, so path separators and leading dots are rejected.
func SessionKeyRules() NameRules {
	return NameRules{
		MinLength: 1,
		MaxLength: 255,
		Extra:     "-_.:",
	}
}

// StreamNameRules returns the rules for stream names.
func StreamNameRules() NameRules {
	return NameRules{
		MinLength: 1,
		MaxLength: 255,
		Extra:     "-_. ",
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return strings.ContainsRune(rules.Extra, r)
}

// ValidateSessionKey validates a session key.
func ValidateSessionKey(key string) error {
	if key == "" {
		return errors.NewMissingField("session_key")
	}
	if err := ValidateName(key, SessionKeyRules()); err != nil {
		return errors.NewValidation("session_key", err.Error())
	}
	return nil
}

// ValidateStreamName validates a stream name.
func ValidateStreamName(name string) error {
	if name == "" {
		return errors.NewMissingField("stream")
	}
	if err := ValidateName(name, StreamNameRules()); err != nil {
		return errors.NewValidation("stream", err.Error())
	}
	return nil
}

// =============================================================================
// Identifiers
// =============================================================================

// SplitIdentifier splits a "name:application" identifier. The application
// is empty when the identifier has none.
func SplitIdentifier(identifier string) (name, app string) {
	name, app, _ = strings.Cut(identifier, ":")
	return name, app
}
