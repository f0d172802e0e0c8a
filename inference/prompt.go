package inference

import "strings"

// BuildPrompt joins the non-empty parts as "System: ..", "Context: .." and
// "User: .." separated by blank lines.
func BuildPrompt(prompt, system, context string) string {
	parts := make([]string, 0, 3)
	if system != "" {
		parts = append(parts, "System: "+system)
	}
	if context != "" {
		parts = append(parts, "Context: "+context)
	}
	parts = append(parts, "User: "+prompt)
	return strings.Join(parts, "\n\n")
}

// Truncate keeps the last max runes of s. The tail holds the newest context
// and the user's message.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}
