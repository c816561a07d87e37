// ABOUTME: Builds the prompt the agent sees from recent conversation history
// ABOUTME: Maps messages to user/assistant turns with placeholders for non-text content

package agent

import (
	"strings"

	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

const (
	defaultContextMessages = 30
	minContextMessages     = 5
	maxContextMessages     = 100

	recalledPlaceholder = "(message recalled)"
	imagePlaceholder    = "(image)"
)

// ClampContext bounds the number of history messages sent upstream. Zero selects the default.
func ClampContext(n int) int {
	switch {
	case n == 0:
		return defaultContextMessages
	case n < minContextMessages:
		return minContextMessages
	case n > maxContextMessages:
		return maxContextMessages
	}
	return n
}

// BuildTurns converts history (oldest first) into completion turns.
// Deleted messages and messages without content are skipped.
func BuildTurns(history []*store.Message, agentID, systemPrompt string) []completion.Turn {
	turns := make([]completion.Turn, 0, len(history)+1)
	if systemPrompt != "" {
		turns = append(turns, completion.Turn{Role: completion.RoleSystem, Content: systemPrompt})
	}

	for _, m := range history {
		if m.Deleted {
			continue
		}

		role := completion.RoleUser
		if m.SenderID == agentID {
			role = completion.RoleAssistant
		}

		var content string
		switch {
		case m.Recalled:
			content = recalledPlaceholder
		case strings.TrimSpace(m.Text) != "":
			content = m.Text
		case m.MediaRef != "":
			content = imagePlaceholder
		}

		if role == completion.RoleUser {
			content = strings.TrimSpace(strings.ReplaceAll(content, membership.BotTrigger, ""))
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		turns = append(turns, completion.Turn{Role: role, Content: content})
	}
	return turns
}
