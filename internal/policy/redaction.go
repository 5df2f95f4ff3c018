package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]+`)
	jwtPattern    = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)
	tokenPattern  = regexp.MustCompile(`(?i)("?(?:token|api_key|apikey)"?\s*[:=]\s*"?)[^"\s,}&]+`)
	tokenFlag     = regexp.MustCompile(`(\s-t\s+)('[^']*'|\S+)`)
)

// RedactSecrets masks bearer credentials, meeting tokens and token-valued
// fields or flags.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = jwtPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = tokenPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = tokenFlag.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change report.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}
