package observability

import (
	"regexp"
)

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Raw 32-byte hex secrets (private keys)
	{regexp.MustCompile(`0x[a-fA-F0-9]{64}`), "[REDACTED_HEX]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)(x-api-key|api_key|api-key|authorization|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"'&,;]+`), "${1}${2}[REDACTED]"},
	// user:pass@ in URLs
	{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`), "${1}[REDACTED]@"},
}

// RedactSecrets masks credentials in free-form error text before it is
// logged or persisted on a payout record.
func RedactSecrets(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// RedactError is RedactSecrets for an error value. A nil error yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactSecrets(err.Error())
}
