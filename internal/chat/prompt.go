package chat

import (
	"fmt"
	"strings"

	"github.com/pbaille/mct/internal/domain"
)

// NoConceptsContext is embedded when the caller has no concepts.
const NoConceptsContext = "User has no concepts yet."

const assistantPersona = `You are MCT Assistant, a helpful AI assistant for the Micro Concept Tracker app. You help users:

1. Organize and prioritize concepts
2. Productivity advice
3. Concept creation suggestions
4. Status management guidance
5. Priority setting
6. Category organization

Available categories: Work, Personal, Learning, Health, Finance, Creative, Technology, Business

Guidelines:
- Keep responses concise (2-3 sentences)
- Be encouraging
- When suggesting concept creation, include a title, category, and priority
- Reference user's existing concepts when relevant
- Focus on actionable advice

`

// SystemPrompt builds the system instruction: the assistant persona followed
// by one line per concept, or a placeholder when there are none.
func SystemPrompt(concepts []domain.ConceptSummary) string {
	return assistantPersona + ConceptContext(concepts)
}

// ConceptContext renders the concept list part of the system instruction.
func ConceptContext(concepts []domain.ConceptSummary) string {
	if len(concepts) == 0 {
		return "\n\n" + NoConceptsContext
	}

	var sb strings.Builder
	sb.WriteString("\n\nUser's current concepts:\n")
	for i, c := range concepts {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s (%s, %s priority, category: %s)", c.Title, c.Status, c.Priority, c.Category)
	}
	return sb.String()
}
