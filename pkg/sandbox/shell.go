package sandbox

import "strings"

// ShellQuote returns s as one literal shell word. Single quotes keep every
// metacharacter inert; an embedded single quote closes the quoting, escapes
// the quote, and reopens it.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
