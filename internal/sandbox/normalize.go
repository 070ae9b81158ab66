package sandbox

import "strings"

// NormalizeOutput canonicalises program output for comparison: CRLF becomes LF,
// trailing whitespace is stripped from every line and the whole text is trimmed.
func NormalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r\f\v")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// OutputsMatch reports whether actual and expected are equal after normalization.
func OutputsMatch(actual, expected string) bool {
	return NormalizeOutput(actual) == NormalizeOutput(expected)
}
