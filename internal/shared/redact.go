package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// maskPrefixLen is the number of leading credential characters kept by
// MaskCredential.
const maskPrefixLen = 10

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Generic key-like prefixes followed by a long token.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Bot API tokens, also when embedded in a request URL (/bot<token>/getMe).
	regexp.MustCompile(`(/bot)?(\d{5,}:[A-Za-z0-9_\-]{30,})`),
	// Long base64 session strings.
	regexp.MustCompile(`[A-Za-z0-9+/_\-]{120,}={0,2}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// MaskCredential returns a fixed-length prefix of secret followed by "...".
// Secrets of maskPrefixLen characters or fewer keep only three characters.
func MaskCredential(secret string) string {
	if secret == "" {
		return ""
	}
	runes := []rune(secret)
	if len(runes) <= maskPrefixLen {
		n := min(3, len(runes))
		return string(runes[:n]) + "..."
	}
	return string(runes[:maskPrefixLen]) + "..."
}

// IsSensitiveKey reports whether an attribute or env key name looks like it
// carries a secret.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(strings.TrimSpace(key))
	if keyLower == "" {
		return false
	}
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer", "session_string"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnvValue checks if a key name looks secret and returns a masked value if so.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return MaskCredential(value)
	}
	return value
}
