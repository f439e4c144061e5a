package llm

import "strings"

// TrimToSentence cuts s back to the end of its last complete sentence. It is
// used when a reply hit the token limit so the caller does not hear a phrase
// stop mid-word. If s holds no sentence terminator it is returned unchanged.
func TrimToSentence(s string) string {
	s = strings.TrimSpace(s)
	end := strings.LastIndexAny(s, ".!?")
	if end < 0 {
		return s
	}
	return s[:end+1]
}
