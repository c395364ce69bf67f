package chat

import (
	"fmt"
	"strings"

	"ragdesk/internal/generation"
	"ragdesk/internal/models"
	"ragdesk/internal/retrieval"
)

const contextDelimiter = "\n\n---\n\n"

// usable drops passages without text, keeping order.
func usable(results []retrieval.Result) []retrieval.Result {
	out := make([]retrieval.Result, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Text) != "" {
			out = append(out, r)
		}
	}
	return out
}

// BuildContext joins passages in the order given, each headed by its source.
// Passages without text are left out.
func BuildContext(results []retrieval.Result) string {
	passages := usable(results)
	parts := make([]string, 0, len(passages))
	for _, r := range passages {
		parts = append(parts, fmt.Sprintf("[Source: %s, Page %d]\n%s", r.Filename, r.Page, strings.TrimSpace(r.Text)))
	}
	return strings.Join(parts, contextDelimiter)
}

// Citations maps the passages BuildContext keeps to citations, in order.
func Citations(results []retrieval.Result) []models.Citation {
	passages := usable(results)
	if len(passages) == 0 {
		return nil
	}
	out := make([]models.Citation, 0, len(passages))
	for _, r := range passages {
		out = append(out, models.Citation{
			Filename:   r.Filename,
			Page:       r.Page,
			Similarity: clamp01(r.Similarity),
			Tags:       r.Tags,
		})
	}
	return out
}

// AugmentQuestion wraps question with retrieved context. An empty context
// leaves the question as typed.
func AugmentQuestion(question, context string) string {
	if strings.TrimSpace(context) == "" {
		return question
	}
	var b strings.Builder
	b.WriteString("Answer the question using the context below. ")
	b.WriteString("Cite the sources (file name and page) when they are relevant. ")
	b.WriteString("If the context does not contain the answer, say so. ")
	b.WriteString("Respond in the same language as the question.\n\n")
	b.WriteString("Context:\n")
	b.WriteString(context)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// BuildMessages maps history role-preserving and appends the outbound turn.
// Citations are never sent upstream.
func BuildMessages(history []models.Turn, outbound string) []generation.Message {
	msgs := make([]generation.Message, 0, len(history)+1)
	for _, turn := range history {
		if !turn.Role.Valid() || turn.Content == "" {
			continue
		}
		msgs = append(msgs, generation.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return append(msgs, generation.Message{Role: string(models.RoleUser), Content: outbound})
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
