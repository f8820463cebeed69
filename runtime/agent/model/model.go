// Package model provides interfaces for LLM clients used by planners.
// It defines a provider-agnostic abstraction over chat completion APIs
// (Anthropic, OpenAI, Bedrock) so planners can invoke models without
// coupling to specific SDKs. Implementations translate these normalized
// types into provider-specific formats.
package model

import "context"

type (
	// Client defines the contract planners use to invoke LLM calls.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients should be thread-safe and reusable
	// across planner invocations.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the provider is
		// unavailable, quota is exceeded, or the request is malformed.
		// Failures are classified as *ProviderError where possible so callers
		// can make retry and UX decisions.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	// Fields map to common provider parameters but may not be supported by
	// all backends; implementations document unsupported fields and apply
	// sensible defaults.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g., "claude-sonnet-4-20250514", "gpt-4o",
		// "anthropic.claude-3-5-sonnet-20241022-v2:0").
		Model string

		// Messages is the ordered chat history provided to the model,
		// including system prompts, user inputs, and prior assistant
		// responses. Adapters split out system-role messages for providers
		// that take the system prompt as a separate parameter.
		Messages []*Message

		// Temperature controls sampling temperature (typically 0.0 to 2.0).
		// Zero means greedy decoding.
		Temperature float32

		// MaxTokens caps the number of completion tokens the model can
		// generate. Zero means use the provider's default.
		MaxTokens int
	}

	// Response wraps the generated content from the model provider.
	Response struct {
		// Content contains the assistant messages returned by the model.
		// Typically a single message.
		Content []Message

		// Usage reports token usage when available. Some providers don't
		// report this for certain models; check InputTokens > 0 to confirm
		// availability.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Common values
		// include "stop_sequence" (natural end) and "max_tokens" (hit token
		// cap). Values are provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content. Messages
	// form the conversation history sent to and received from the model.
	Message struct {
		// Role indicates the message role: "user" (end-user input),
		// "assistant" (model response), or "system" (instruction/context).
		Role string

		// Content is the message text.
		Content string

		// Meta carries provider-specific metadata like message IDs or stop
		// sequences. Planners typically ignore this; it is preserved for
		// debugging.
		Meta map[string]any
	}

	// TokenUsage records prompt/completion token counts when provided by the
	// model provider. Useful for cost tracking and quota management. All
	// fields are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the input prompt and message
		// history.
		InputTokens int

		// OutputTokens counts tokens produced by the model in this
		// completion.
		OutputTokens int

		// TotalTokens reports the aggregate tokens consumed. Some providers
		// compute this differently (e.g., including overhead), so prefer this
		// field when available instead of summing Input + Output.
		TotalTokens int
	}
)

// Message role constants for the well-known chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
