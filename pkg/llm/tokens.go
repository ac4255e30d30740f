package llm

// ApproxTokens estimates the token count of a string as len/4.
// Rough but monotonic, which is all budget decisions require.
func ApproxTokens(s string) int {
	return len(s) / 4
}

// ApproxMessageTokens estimates tokens for a message slice using the chars/4
// heuristic plus a fixed per-message overhead for role and framing.
func ApproxMessageTokens(messages []Message, perMessageOverhead int) int {
	total := 0
	for _, m := range messages {
		total += ApproxTokens(m.Content) + perMessageOverhead
	}
	return total
}
