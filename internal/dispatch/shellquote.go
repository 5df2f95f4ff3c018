package dispatch

import "strings"

// ShellQuote wraps s in single quotes for a POSIX shell. Each embedded single
// quote becomes '\'' so the argument round-trips byte for byte.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
