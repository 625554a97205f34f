// Package redact strips secret-shaped substrings from values before they
// reach evidence storage. Redaction is irreversible: every match is replaced
// by a fixed sentinel, and the sentinel itself matches no detector, so a
// second pass is always a no-op.
package redact

import (
	"regexp"
)

// Sentinel replaces every detected secret.
const Sentinel = "***REDACTED***"

// Pre-compiled secret patterns — whole match is replaced by the sentinel.
var secretPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	// AWS-style access key IDs: fixed prefix + 16 uppercase alphanumerics
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), "cloud access key"},

	// AWS-style secret access keys in key=value form are caught by the
	// key/value detector below; bare 40-char base64 runs are too noisy.

	// Bearer tokens: scheme prefix + long token
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`), "bearer token"},

	// Three-segment dot-delimited base64url tokens (JWT-shaped)
	{regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), "session token (JWT-shaped)"},

	// Vendor API key prefixes followed by long alphanumeric runs
	{regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{20,}\b`), "vendor API key"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`), "vendor API key (GitHub)"},
	{regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{20,}\b`), "vendor API key (GitLab)"},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), "vendor API key (Slack)"},
}

// keyValuePattern matches password/token/secret assignments in JSON or
// key=value form, quoted or unquoted. Only the value is replaced — the key
// and delimiter survive so the surrounding structure stays readable.
var keyValuePattern = regexp.MustCompile(
	`(?i)("?(?:password|passwd|pwd|token|secret|api_key|apikey|access_key|private_key|credential)s?"?\s*[:=]\s*)("[^"]*"|[^\s,;&}\]]+)`)

// Redact replaces every secret-shaped substring in s with the sentinel.
// Non-matching text is returned unchanged. Idempotent.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, Sentinel)
	}
	s = keyValuePattern.ReplaceAllString(s, "${1}"+Sentinel)
	return s
}

// RedactValue walks an arbitrarily nested value and redacts every scalar
// string independently. Map keys are never altered, only values. Values of
// non-container, non-string types pass through untouched.
func RedactValue(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = RedactValue(inner)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, inner := range val {
			out[k] = Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RedactValue(inner)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, inner := range val {
			out[i] = Redact(inner)
		}
		return out
	default:
		return v
	}
}
