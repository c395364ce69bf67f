package chat

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"ragdesk/internal/config"
	"ragdesk/internal/generation"
	"ragdesk/internal/models"
)

const (
	// DefaultTitle names a session with no user text.
	DefaultTitle  = "New conversation"
	titleWords    = 6
	maxTitleRunes = 60
)

// Namer derives a short display name for a session.
type Namer struct {
	generator generation.Generator
	timeout   time.Duration
}

func NewNamer(generator generation.Generator, cfg config.GenerationConfig) *Namer {
	timeout := time.Duration(cfg.TitleTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultTitleTimeout) * time.Second
	}
	return &Namer{generator: generator, timeout: timeout}
}

// Name asks the model for a title summarizing the first user turns and falls
// back to truncating the first one. It always returns a name and never waits
// longer than the title timeout.
func (n *Namer) Name(ctx context.Context, turns []models.Turn) string {
	var firsts []string
	for _, turn := range turns {
		if turn.Role == models.RoleUser && strings.TrimSpace(turn.Content) != "" {
			firsts = append(firsts, strings.TrimSpace(turn.Content))
			if len(firsts) == 2 {
				break
			}
		}
	}
	if len(firsts) == 0 {
		return DefaultTitle
	}
	fallback := TruncateWords(firsts[0], titleWords)
	if n == nil || n.generator == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	prompt := "Write a title of at most 6 words for a conversation that starts with the messages below. " +
		"Use the language of the messages. Reply with the title only, no quotes.\n\n" +
		strings.Join(firsts, "\n")
	title, err := n.generator.Complete(ctx, []generation.Message{{Role: string(models.RoleUser), Content: prompt}},
		generation.Options{Temperature: 0.3, MaxTokens: 32})
	if err != nil {
		log.Printf("chat: title generation failed, using truncation: %v", err)
		return fallback
	}
	if title = cleanTitle(title); title == "" {
		return fallback
	}
	return title
}

// TruncateWords keeps the first n words of s, marking a cut with "...".
func TruncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return DefaultTitle
	}
	if len(words) <= n {
		return limitRunes(strings.Join(words, " "))
	}
	return limitRunes(strings.Join(words[:n], " ")) + "..."
}

func cleanTitle(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimPrefix(raw, "Title:")
	raw = strings.Trim(raw, " \t\"'`*#")
	return limitRunes(raw)
}

func limitRunes(s string) string {
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}
	return string([]rune(s)[:maxTitleRunes])
}
