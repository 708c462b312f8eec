// Package template renders a conversation into the prompt text a given
// model family expects, and cleans that model's raw completion back into
// plain assistant text. Families are a small tagged variant, not a
// generic prefix/suffix table: adding a family means adding a case, not
// reaching for a templating engine for three fixed, non-user-supplied
// formats.
package template

import (
	"strings"

	"chatsafe/pkg/types"
)

// Family names the prompt format a model expects.
type Family string

const (
	Llama3 Family = "llama3"
	ChatML Family = "chatml"
	Alpaca Family = "alpaca"
)

// defaultStops are appended to a render's own stop markers so the stream
// pipeline can always recognize a family's natural turn boundary even if
// the caller supplied no stop sequences of its own.
func (f Family) defaultStops() []string {
	switch f {
	case Llama3:
		return []string{"<|eot_id|>", "<|end_of_text|>"}
	case ChatML:
		return []string{"<|im_end|>"}
	case Alpaca:
		return []string{"### Instruction:", "### Response:"}
	default:
		return nil
	}
}

// Render formats messages into the prompt text for the given family,
// ending with the assistant turn opened but not closed so the backend's
// completion continues it.
func Render(family Family, messages []types.Message) string {
	var b strings.Builder
	switch family {
	case ChatML:
		for _, m := range messages {
			b.WriteString("<|im_start|>")
			b.WriteString(roleOrUser(m.Role))
			b.WriteByte('\n')
			b.WriteString(m.Content)
			b.WriteString("<|im_end|>\n")
		}
		b.WriteString("<|im_start|>assistant\n")
	case Alpaca:
		system, rest := splitLeadingSystem(messages)
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		for _, m := range rest {
			switch m.Role {
			case "user":
				b.WriteString("### Instruction:\n")
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			case "assistant":
				b.WriteString("### Response:\n")
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			default:
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			}
		}
		b.WriteString("### Response:\n")
	case Llama3:
		fallthrough
	default:
		b.WriteString("<|begin_of_text|>")
		if !hasSystemTurn(messages) {
			messages = prependDefaultSystem(messages)
		}
		for _, m := range messages {
			b.WriteString("<|start_header_id|>")
			b.WriteString(roleOrUser(m.Role))
			b.WriteString("<|end_header_id|>\n\n")
			b.WriteString(m.Content)
			b.WriteString("<|eot_id|>")
		}
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	}
	return b.String()
}

// StopSequences returns the effective stop list for a render: the
// family's own turn-boundary markers plus any caller-supplied extras.
func StopSequences(family Family, extra []string) []string {
	stops := append([]string{}, family.defaultStops()...)
	stops = append(stops, extra...)
	return stops
}

func roleOrUser(role string) string {
	if role == "" {
		return "user"
	}
	return role
}

// defaultSystemPrompt is prepended to a llama3-family render when the
// caller supplied no system turn of its own.
const defaultSystemPrompt = "You are a helpful, concise assistant."

func hasSystemTurn(messages []types.Message) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

func prependDefaultSystem(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages)+1)
	out = append(out, types.Message{Role: "system", Content: defaultSystemPrompt})
	return append(out, messages...)
}

func splitLeadingSystem(messages []types.Message) (string, []types.Message) {
	if len(messages) > 0 && messages[0].Role == "system" {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}

// rolePrefixes are line-start labels stripped from model output that
// leaked the conversation's role markers instead of staying in character
// as the assistant.
var rolePrefixes = []string{"AI:", "You:", "User:", "Assistant:", "Human:", "Bot:"}

// Clean truncates raw model output at the first occurrence of any stop
// sequence, strips leaked role-prefix labels from the start of each
// line, and trims surrounding whitespace. Clean is idempotent: running
// it twice on its own output is a no-op. Cleaning two fragments
// separately can differ from cleaning their concatenation when a stop
// sequence or a role label straddles the boundary; IncrementalCleaner
// holds such bytes back for streamed output.
func Clean(raw string, stops []string) string {
	text := truncateAtStop(raw, stops)
	text = stripRolePrefixes(text)
	return strings.TrimSpace(text)
}

func truncateAtStop(text string, stops []string) string {
	cut := len(text)
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return text[:cut]
}

func stripRolePrefixes(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = stripLeadingLabel(line)
	}
	return strings.Join(lines, "\n")
}

// ContainsStop reports whether text contains any of the stop sequences.
func ContainsStop(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}
