package relaypty

import "unicode/utf8"

// TrimToRuneBoundary keeps the last maxLen bytes of s, advancing the cut
// point forward to the next rune boundary so the result is always a valid
// string (spec §3/§9: "no split multi-byte code points"). Used wherever a
// rolling byte-bounded buffer is trimmed: the injector's recent-output
// buffer and the supervisor's MCP-approval and editor-mode detection
// buffers.
func TrimToRuneBoundary(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := len(s) - maxLen
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
