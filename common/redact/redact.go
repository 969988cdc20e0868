// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary.
//
// # Threat model
//
// Provider credentials (API keys, the Matrix access token) and high-risk
// action arguments (account numbers, card numbers) must never appear in:
//   - Log lines emitted by Tomo
//   - Audit payloads stored in SQLite
//   - Matrix room messages
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, accessToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Args returns a shallow copy of the normalized argument map with values
// replaced by [REDACTED] for every argument whose name suggests it carries a
// credential or account identifier.  Used before argument maps are written to
// audit payloads or logs.
func Args(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if isSensitiveKey(k) && v != "" {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret.  Non-string values are
// left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret or
// an account identifier.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{
		"password", "passwd", "token", "secret", "credential", "auth", "apikey", "api_key",
		"account", "iban", "card",
	} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
