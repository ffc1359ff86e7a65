package verdict

import "strings"

// Normalize strips trailing blanks from every line and trailing newlines from the whole text.
// Internal whitespace is left alone.
func Normalize(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// OutputsMatch compares actual against expected after normalization.
func OutputsMatch(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}
