// Package planner defines the contract between the turn orchestrator and the
// agent collaborator that decides what happens next. Planners are the
// reasoning core of the service: given the conversation so far they produce
// one fragment at a time, either narration for the client or a shell command
// to run against the document tree. The orchestrator invokes the planner
// repeatedly within a turn, feeding each command's outcome back through the
// next Input, until the planner produces a final answer or the iteration
// budget runs out.
//
// Implementations typically wrap a model client (runtime/agent/model) and own
// prompt construction, but the contract is deliberately model-agnostic: a
// scripted planner is just as valid, which is how the orchestrator tests
// drive it.
package planner

import (
	"context"
	"fmt"
	"strings"

	"goa.design/docscout/runtime/agent/model"
)

type (
	// Kind discriminates what a fragment asks the orchestrator to do.
	Kind string

	// Category is an advisory tag on text fragments telling the
	// orchestrator how to present them. Planners that know what they are
	// emitting should set it; untagged text falls back to the
	// orchestrator's marker-based classifier.
	Category string

	// Fragment is one unit of planner output. Exactly one is produced per
	// Propose call.
	Fragment struct {
		// Kind selects between client-facing text and a command proposal.
		Kind Kind

		// Category tags text fragments with their presentation class.
		// Ignored for command fragments.
		Category Category

		// Content is the fragment payload: display text for text
		// fragments, the raw command line for command fragments.
		Content string
	}

	// Input carries everything the planner may consider when proposing the
	// next fragment.
	Input struct {
		// SessionID identifies the conversation the turn belongs to.
		SessionID string

		// History is the conversation transcript: prior turns plus the
		// current turn's accumulated exchanges. Command outcomes already
		// appear in it as user-role feedback messages rendered with
		// Result.Feedback, so planners that only consume History see the
		// full picture without touching LastResult.
		History []*model.Message

		// LastResult is the structured outcome of the previous command
		// proposal. Nil when the previous fragment was text or when this
		// is the first call of the turn.
		LastResult *Result

		// Remaining is the number of Propose calls left in the turn,
		// including this one. Planners should wrap up with a final answer
		// when it reaches 1.
		Remaining int
	}

	// Result describes what became of a proposed command: either the
	// validator rejected it, or it ran and these are the captured streams.
	// It is distinct from the sandbox result type because rejected commands
	// never reach the sandbox yet still need to be reported back.
	Result struct {
		// Command is the raw command line the outcome belongs to.
		Command string

		// Allowed reports whether the command passed validation. When
		// false Reason is set and the execution fields are zero.
		Allowed bool

		// Reason is the validation rejection reason when Allowed is false.
		Reason string

		// Stdout and Stderr are the captured streams, already capped by
		// the sandbox.
		Stdout string
		Stderr string

		// ExitCode is the command's exit status. Zero on success.
		ExitCode int

		// Failure describes an execution-level failure such as a timeout
		// or a spawn error. Empty when the command ran to completion,
		// even with a non-zero exit.
		Failure string

		// Truncated reports that at least one captured stream hit its
		// byte cap.
		Truncated bool
	}

	// Planner produces the next fragment of a turn.
	Planner interface {
		// Propose returns the next fragment given the state in input. An
		// error ends the turn; transient model failures should be retried
		// inside the implementation if retrying is wanted.
		Propose(ctx context.Context, input Input) (Fragment, error)
	}
)

const (
	// FragmentText is client-facing narration or the final answer.
	FragmentText Kind = "text"

	// FragmentCommand asks the orchestrator to validate and run a command.
	FragmentCommand Kind = "command"
)

const (
	// CategoryNone leaves classification to the orchestrator.
	CategoryNone Category = ""

	// CategoryProgress marks short status narration.
	CategoryProgress Category = "progress"

	// CategoryThinking marks intermediate reasoning.
	CategoryThinking Category = "thinking"

	// CategoryFinal marks the answer that ends the turn.
	CategoryFinal Category = "final"
)

// Feedback renders the outcome as the neutral transcript text fed back to
// the agent, mirroring what a shell user would have seen. The orchestrator
// uses the same rendering for result events so the client and the agent
// observe identical output.
func (r *Result) Feedback() string {
	if !r.Allowed {
		return "command rejected: " + r.Reason
	}
	if r.Failure != "" {
		return "command failed: " + r.Failure
	}
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.ExitCode != 0 {
		if b.Len() > 0 && !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "exit status %d", r.ExitCode)
		if r.Stderr != "" {
			b.WriteByte('\n')
			b.WriteString(r.Stderr)
		}
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}
