package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// StringValidator validates untrusted string input.
type StringValidator struct {
	Pattern              *regexp.Regexp
	MaxLength            int
	MinLength            int
	AllowedVals          []string
	DisallowNullBytes    bool
	DisallowControlChars bool
}

// Validate checks value against every configured constraint.
func (v *StringValidator) Validate(value any) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}

	if v.MinLength > 0 && len(str) < v.MinLength {
		return fmt.Errorf("string too short: minimum %d characters", v.MinLength)
	}

	if v.MaxLength > 0 && len(str) > v.MaxLength {
		return fmt.Errorf("string exceeds max length %d", v.MaxLength)
	}

	if v.DisallowNullBytes && strings.Contains(str, "\x00") {
		return errors.New("string contains null bytes")
	}

	if v.DisallowControlChars {
		for _, r := range str {
			if r < 32 && r != '\n' && r != '\t' && r != '\r' {
				return errors.New("string contains control characters")
			}
		}
	}

	if v.Pattern != nil && !v.Pattern.MatchString(str) {
		return errors.New("string does not match required pattern")
	}

	if len(v.AllowedVals) > 0 {
		for _, allowed := range v.AllowedVals {
			if str == allowed {
				return nil
			}
		}
		return errors.New("string not in allowlist")
	}

	return nil
}

// identifierValidator accepts namespaces and session ids: they appear in
// URL paths and store keys.
var identifierValidator = &StringValidator{
	Pattern:   regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`),
	MaxLength: 128,
}

// ValidateIdentifier checks a namespace or session id. field names the value
// in the returned error.
func ValidateIdentifier(field, value string) error {
	if err := identifierValidator.Validate(value); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return nil
}

// ValidateFilePath rejects paths with traversal, null bytes, or shell
// metacharacters. It guards operator supplied paths such as the registry
// file and agent working directories.
func ValidateFilePath(path string) error {
	if path == "" {
		return errors.New("file path cannot be empty")
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return errors.New("path traversal detected in file path")
	}

	if strings.Contains(path, "\x00") {
		return errors.New("null byte detected in file path")
	}

	for _, s := range []string{"\n", "\r", "|", "&", ";", "`", "$"} {
		if strings.Contains(path, s) {
			return errors.New("suspicious character detected in file path")
		}
	}

	return nil
}

// SanitizeString drops null bytes and control characters other than
// newline, tab, and carriage return.
func SanitizeString(input string) string {
	var cleaned strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String()
}
