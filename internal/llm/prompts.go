package llm

import (
	"fmt"
	"strings"
)

// SummaryPrompt builds the prompt for consolidating a group of related
// memories into one summary.
func SummaryPrompt(topic string, contents []string) string {
	var sb strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}

	return fmt.Sprintf(`You are a memory consolidation system. These related memories share the topic %q:

%s
Write ONE concise summary that preserves every distinct fact. Rules:
- Keep names, dates, numbers, and decisions exactly as written
- Drop greetings, filler, and repeated statements
- Do not invent or infer anything not present in the inputs
- Return ONLY a JSON object, no other text

Return:
{
  "summary": "the consolidated summary",
  "topics": ["topic", "tags"]
}`, topic, sb.String())
}
