package tui

import "strings"

// humanError keeps the innermost message of a wrapped error chain.
// "list spaces: clickup GetSpaces: 403: Team not authorized" → "Team not authorized"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.LastIndex(msg, ": ")
	if idx == -1 || idx+2 >= len(msg) {
		return msg
	}
	inner := msg[idx+2:]
	return strings.ToUpper(inner[:1]) + inner[1:]
}
