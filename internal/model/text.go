package model

// Truncate shortens s to at most n runes and marks the cut with "...".
// It never splits a multi-byte character.
func Truncate(s string, n int) string {
	n = max(n, 0)
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
