package security

import (
	"regexp"
	"strings"
	"unicode"
)

// SanitizeMessage strips paths, addresses, secrets, and stack traces from an
// error message before it is shown to a client.
func SanitizeMessage(msg string) string {
	return sanitizeErrorMessage(msg)
}

// sanitizeErrorMessage removes sensitive information from error messages
func sanitizeErrorMessage(msg string) string {
	// Remove file paths
	msg = removeFilePaths(msg)

	// Remove IP addresses
	msg = removeIPAddresses(msg)

	// Remove potential secrets (patterns like API keys)
	msg = removeSecretPatterns(msg)

	// Remove stack traces
	msg = removeStackTraces(msg)

	return msg
}

// removeFilePaths removes file system paths from error messages
func removeFilePaths(msg string) string {
	// Remove Unix-style paths
	msg = strings.ReplaceAll(msg, "/Users/", "/home/")
	msg = strings.ReplaceAll(msg, "/home/", "[PATH]/")
	msg = strings.ReplaceAll(msg, "/var/", "[PATH]/")
	msg = strings.ReplaceAll(msg, "/etc/", "[PATH]/")
	msg = strings.ReplaceAll(msg, "/opt/", "[PATH]/")
	msg = strings.ReplaceAll(msg, "/tmp/", "[PATH]/")

	// Remove Windows-style paths
	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		if strings.Contains(msg, drive) {
			msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
		}
	}

	return msg
}

// removeIPAddresses removes IP addresses from messages
func removeIPAddresses(msg string) string {
	// Simple IP address pattern removal
	parts := strings.Fields(msg)
	var cleaned []string

	for _, part := range parts {
		// Check if it looks like an IP address
		if strings.Count(part, ".") == 3 || strings.Count(part, ":") > 2 {
			// Simple heuristic: if it has 3 dots or multiple colons, might be an IP
			octets := strings.Split(part, ".")
			if len(octets) == 4 {
				cleaned = append(cleaned, "[IP_ADDRESS]")
				continue
			}
		}
		cleaned = append(cleaned, part)
	}

	return strings.Join(cleaned, " ")
}

// removeSecretPatterns removes patterns that look like API keys or secrets
func removeSecretPatterns(msg string) string {
	// Remove things that look like API keys
	patterns := []struct {
		prefix string
		length int
	}{
		{SecretPrefix, 43},
		{"api_key=", 20},
		{"apiKey=", 20},
		{"token=", 20},
		{"Bearer ", 20},
	}

	for _, pattern := range patterns {
		idx := strings.Index(msg, pattern.prefix)
		if idx != -1 {
			endIdx := idx + len(pattern.prefix) + pattern.length
			if endIdx > len(msg) {
				endIdx = len(msg)
			}
			msg = msg[:idx] + "[REDACTED]" + msg[endIdx:]
		}
	}

	return msg
}

// removeStackTraces removes Go stack traces from error messages
func removeStackTraces(msg string) string {
	// Remove goroutine stack traces (goroutine X [status]:)
	goroutinePattern := regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")

	// Remove file:line patterns common in stack traces (e.g., "file.go:123")
	fileLinePattern := regexp.MustCompile(`\S+\.go:\d+`)
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")

	// Remove function signatures with memory addresses (e.g., "0x12345678")
	addrPattern := regexp.MustCompile(`0x[0-9a-fA-F]+`)
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")

	// Remove panic messages
	panicPattern := regexp.MustCompile(`panic:.*`)
	msg = panicPattern.ReplaceAllString(msg, "panic: [DETAILS_REMOVED]")

	return msg
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:4] + "****" + secret[len(secret)-4:]
}

// IsValidAPIKeyFormat reports whether key is long enough and free of
// whitespace and control characters.
func IsValidAPIKeyFormat(key string) bool {
	if len(key) < 16 {
		return false
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}
