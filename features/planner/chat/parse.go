package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/docscout/runtime/agent/planner"
)

// fragmentSchema gates the JSON narration envelope. additionalProperties is
// the load-bearing constraint: it is what distinguishes the envelope from
// arbitrary JSON the model happens to emit, which must stay plain text.
const fragmentSchema = `{
	"type": "object",
	"required": ["category", "text"],
	"additionalProperties": false,
	"properties": {
		"category": {"type": "string", "enum": ["progress", "thinking", "final"]},
		"text": {"type": "string", "minLength": 1}
	}
}`

// answerMarkers open the final answer in untagged replies. They match the
// defaults of turn.DefaultClassifier so planner and orchestrator agree on
// what ends a turn.
var answerMarkers = []string{"📋 **Answer:**", "**Answer:**"}

var fragmentCategories = map[string]planner.Category{
	"progress": planner.CategoryProgress,
	"thinking": planner.CategoryThinking,
	"final":    planner.CategoryFinal,
}

func compileFragmentSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(fragmentSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("fragment.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("fragment.json")
}

// parseReply splits a model reply into ordered fragments: commands from
// fenced code blocks and dollar-prefixed lines, narration from everything
// else. Once a final answer opens, the rest of the reply belongs to it
// verbatim, so answers keep their code examples intact.
func (p *Planner) parseReply(reply string) []planner.Fragment {
	rp := &replyParser{p: p, lines: strings.Split(reply, "\n")}
	return rp.parse()
}

type replyParser struct {
	p     *Planner
	lines []string
	frags []planner.Fragment
	para  []string
}

func (rp *replyParser) parse() []planner.Fragment {
	var (
		inFence bool
		tag     string
		fence   []string
	)
	for i := 0; i < len(rp.lines); i++ {
		trimmed := strings.TrimSpace(rp.lines[i])
		if inFence {
			if strings.HasPrefix(trimmed, "```") {
				if rp.closeFence(tag, fence, rp.lines[i+1:]) {
					return rp.frags
				}
				inFence, fence = false, nil
				continue
			}
			fence = append(fence, rp.lines[i])
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "```"):
			if rp.flush(rp.lines[i:]) {
				return rp.frags
			}
			inFence = true
			tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
		case trimmed == "":
			if rp.flush(rp.lines[i:]) {
				return rp.frags
			}
		case strings.HasPrefix(trimmed, "$ "):
			if rp.flush(rp.lines[i:]) {
				return rp.frags
			}
			rp.command(strings.TrimPrefix(trimmed, "$ "))
		default:
			rp.para = append(rp.para, trimmed)
		}
	}
	if inFence {
		// Unterminated fence: models drop the closing marker often enough
		// that the content is worth salvaging.
		rp.closeFence(tag, fence, nil)
		return rp.frags
	}
	rp.flush(nil)
	return rp.frags
}

// flush turns the accumulated paragraph into a fragment. rest is the
// unconsumed remainder of the reply; when the paragraph opens the final
// answer the remainder is folded into it and flush reports done.
func (rp *replyParser) flush(rest []string) (done bool) {
	if len(rp.para) == 0 {
		return false
	}
	text := strings.Join(rp.para, "\n")
	rp.para = nil
	if frag, ok := rp.p.envelope(text); ok {
		return rp.emit(frag, rest)
	}
	for _, marker := range answerMarkers {
		if strings.HasPrefix(text, marker) {
			frag := planner.Fragment{
				Kind:     planner.FragmentText,
				Category: planner.CategoryFinal,
				Content:  strings.TrimSpace(strings.TrimPrefix(text, marker)),
			}
			return rp.emit(frag, rest)
		}
	}
	rp.frags = append(rp.frags, planner.Fragment{Kind: planner.FragmentText, Content: text})
	return false
}

// closeFence routes a completed code block: shell-flavored blocks become
// command fragments, json blocks are envelope candidates, anything else is
// narration kept verbatim.
func (rp *replyParser) closeFence(tag string, body, rest []string) (done bool) {
	switch tag {
	case "", "bash", "sh", "shell", "console":
		for _, line := range body {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			rp.command(strings.TrimPrefix(trimmed, "$ "))
		}
		return false
	case "json":
		if frag, ok := rp.p.envelope(strings.Join(body, "\n")); ok {
			return rp.emit(frag, rest)
		}
	}
	if text := strings.TrimSpace(strings.Join(body, "\n")); text != "" {
		rp.frags = append(rp.frags, planner.Fragment{Kind: planner.FragmentText, Content: text})
	}
	return false
}

func (rp *replyParser) emit(frag planner.Fragment, rest []string) (done bool) {
	if frag.Category != planner.CategoryFinal {
		rp.frags = append(rp.frags, frag)
		return false
	}
	base := strings.TrimSpace(frag.Content)
	tail := strings.TrimSpace(strings.Join(rest, "\n"))
	switch {
	case base == "":
		frag.Content = tail
	case tail == "":
		frag.Content = base
	default:
		frag.Content = base + "\n\n" + tail
	}
	rp.frags = append(rp.frags, frag)
	return true
}

func (rp *replyParser) command(raw string) {
	if raw = strings.TrimSpace(raw); raw != "" {
		rp.frags = append(rp.frags, planner.Fragment{Kind: planner.FragmentCommand, Content: raw})
	}
}

// envelope decodes text as a tagged narration fragment when it validates
// against the fragment schema.
func (p *Planner) envelope(text string) (planner.Fragment, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return planner.Fragment{}, false
	}
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return planner.Fragment{}, false
	}
	if err := p.schema.Validate(doc); err != nil {
		return planner.Fragment{}, false
	}
	var env struct {
		Category string `json:"category"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return planner.Fragment{}, false
	}
	return planner.Fragment{
		Kind:     planner.FragmentText,
		Category: fragmentCategories[env.Category],
		Content:  env.Text,
	}, true
}
