// ABOUTME: Parses @handle mentions out of message text
// ABOUTME: The @@ pair is reserved as the bot trigger and never starts a mention

package membership

import (
	"strings"
	"unicode"
)

// BotTrigger is the marker that summons the agent into any conversation.
const BotTrigger = "@@"

// ContainsBotTrigger reports whether text contains the @@ marker.
func ContainsBotTrigger(text string) bool {
	return strings.Contains(text, BotTrigger)
}

func isHandleRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

// ExtractMentions returns the distinct lower-cased handles mentioned in text,
// in order of first appearance. A handle is a run of letters, digits, '_' and
// '-' directly after '@'. Both characters of an "@@" pair are consumed without
// producing a mention, so "@@" and "@@bob" mention nobody. This is deliberate:
// "@@bob" summons the agent and does not invite bob.
func ExtractMentions(text string) []string {
	runes := []rune(text)
	seen := make(map[string]struct{})
	var handles []string

	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] == '@' {
			i++
			continue
		}

		j := i + 1
		for j < len(runes) && isHandleRune(runes[j]) {
			j++
		}
		if j == i+1 {
			continue
		}

		handle := strings.ToLower(string(runes[i+1 : j]))
		if _, dup := seen[handle]; !dup {
			seen[handle] = struct{}{}
			handles = append(handles, handle)
		}
		i = j - 1
	}
	return handles
}
