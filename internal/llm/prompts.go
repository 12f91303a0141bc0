package llm

import "fmt"

func summarizePrompt(text string, maxLength int) string {
	return fmt.Sprintf(`Summarize the following related memories into a single concise insight of at most %d characters. State the recurring theme or conclusion, not a list.

%s`, maxLength, text)
}

const summarizeSystemPrompt = `You distill clusters of agent memories into durable insights. Answer with the insight only, no preamble.`

func extractEntitiesPrompt(text string) string {
	return fmt.Sprintf(`List the named entities (people, projects, systems, places) mentioned in the text below. Answer with one entity per line and nothing else.

%s`, text)
}
