package chat

import (
	"unicode/utf8"

	"goa.design/docscout/runtime/agent/model"
	"goa.design/docscout/runtime/agent/planner"
)

// systemPrompt is the standing instruction sent with every completion. The
// %s placeholder receives the document root. The tagging conventions it
// teaches are the ones parseReply and the orchestrator's default classifier
// decode on the way back.
const systemPrompt = `You are a helpful CLI assistant for exploring documentation. You can execute read-only bash commands to help users find information in %s.

Available commands:
- File listing: ls, tree, find
- File reading: cat, head, tail, less
- Search: grep, rg
- Navigation: pwd

Work one step at a time. To run a command, put it in a fenced code block:

` + "```bash" + `
grep -r "configuration" .
` + "```" + `

Propose at most one command per step and wait for its output before deciding what to do next. You may precede the command with a brief note about what you are doing and why.

Notes can carry a presentation tag by being written as a single-line JSON object such as {"category": "thinking", "text": "Narrowing down the install guide."} where category is one of "progress", "thinking" or "final". Untagged notes are classified by convention: start reasoning notes with one of the markers 🧠, 💭 or 🤔.

When you have gathered enough to answer, reply with the final answer only, beginning with 📋 **Answer:**. If the documentation does not contain the answer, say so in the final answer instead of guessing.

Always explain what you're doing and why. Be concise but informative.`

// wrapUpInstruction is appended as the closing user message when the turn is
// out of command budget.
const wrapUpInstruction = `Provide your final answer to the original question now, using only what the command output above has shown. Begin with 📋 **Answer:**. Do not propose further commands.`

// noResultsAnswer is the final answer for turns whose commands produced no
// usable output.
const noResultsAnswer = `⚠️ **No relevant information found in the documentation.**

I couldn't find any information about your query in the available documents. Please ensure your question relates to the documented topics.`

// Older history entries get clipped hard so a handful of large command
// outputs cannot crowd the query out of the prompt; the most recent exchange
// keeps enough room for the model to actually read its latest result.
const (
	recentVerbatim  = 2
	recentClipChars = 8192
	olderClipChars  = 600
)

// messages assembles the completion input: the standing system prompt, the
// most recent slice of conversation history, and an optional closing
// instruction.
func (p *Planner) messages(input planner.Input, extra string) []*model.Message {
	hist := input.History
	if len(hist) > p.maxHistory {
		hist = hist[len(hist)-p.maxHistory:]
	}
	msgs := make([]*model.Message, 0, len(hist)+2)
	msgs = append(msgs, &model.Message{Role: model.RoleSystem, Content: p.prompt})
	for i, m := range hist {
		limit := olderClipChars
		if i >= len(hist)-recentVerbatim {
			limit = recentClipChars
		}
		if len(m.Content) <= limit {
			msgs = append(msgs, m)
			continue
		}
		msgs = append(msgs, &model.Message{Role: m.Role, Content: clip(m.Content, limit)})
	}
	if extra != "" {
		msgs = append(msgs, &model.Message{Role: model.RoleUser, Content: extra})
	}
	return msgs
}

// clip caps s at limit bytes, backing off to a rune boundary and marking the
// cut so the model knows it is reading a prefix.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}
