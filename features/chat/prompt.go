package chat

import (
	"fmt"
	"strings"

	"pdfchat/internal/retrieval"
)

// BuildPrompt assembles the single-shot prompt for the model: system
// instructions, the retrieved excerpts labeled by page, the recent
// conversation and the new question.
func BuildPrompt(question string, history []Message, matches []retrieval.Match) string {
	var sb strings.Builder

	sb.WriteString("You are a helpful assistant answering questions about a PDF document.\n")
	sb.WriteString("Answer using only the excerpts below. If they do not contain the answer, say so.\n")
	sb.WriteString("When relevant, mention the page number the information comes from.\n\n")

	sb.WriteString("Excerpts from the document:\n")
	for _, m := range matches {
		fmt.Fprintf(&sb, "[Page %d] %s\n\n", m.PageNumber, m.Content)
	}

	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&sb, "%s: %s\n", capitalize(msg.Role), msg.Content)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Question: %s\nAnswer:", question)
	return sb.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
