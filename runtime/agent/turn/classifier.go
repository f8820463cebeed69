package turn

import (
	"strings"

	"goa.design/docscout/runtime/agent/stream"
)

// Classifier assigns a stream event type to planner text that carries no
// structured category. It may rewrite the content, for example to strip an
// answer marker. Classification is a pure predicate over the text; planners
// that tag their fragments bypass it entirely.
type Classifier func(content string) (stream.EventType, string)

// MarkerClassifier classifies by leading markers: any of the thinking
// prefixes marks introspection, the answer prefixes mark the final answer
// with the marker stripped from the content, and everything else is
// progress narration.
func MarkerClassifier(thinking, answer []string) Classifier {
	return func(content string) (stream.EventType, string) {
		trimmed := strings.TrimSpace(content)
		for _, m := range thinking {
			if strings.HasPrefix(trimmed, m) {
				return stream.EventThinking, content
			}
		}
		for _, m := range answer {
			if strings.HasPrefix(trimmed, m) {
				return stream.EventFinal, strings.TrimSpace(strings.TrimPrefix(trimmed, m))
			}
		}
		return stream.EventProgress, content
	}
}

// DefaultClassifier matches the markers the chat planner prompts are written
// against: thought emoji open thinking fragments and the bold answer header
// opens the final answer.
func DefaultClassifier() Classifier {
	return MarkerClassifier(
		[]string{"🧠", "💭", "🤔"},
		[]string{"📋 **Answer:**", "**Answer:**"},
	)
}
