// Package chat implements the model-backed planner behind the documentation
// chat service. Each step prompts a completion model with the conversation so
// far, parses the reply into narration and command fragments, and hands them
// to the orchestrator one at a time. Replies that bundle narration with a
// command are queued per session so nothing the model said is lost between
// Propose calls.
//
// The prompt asks the model to tag narration with a small JSON envelope so
// fragments arrive pre-classified; replies that skip the envelope fall back
// to the marker conventions the orchestrator's default classifier understands
// (thought emoji for reasoning, a bold answer header for the final answer).
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/docscout/runtime/agent/model"
	"goa.design/docscout/runtime/agent/planner"
	"goa.design/docscout/runtime/agent/telemetry"
)

type (
	// Options configures a Planner.
	Options struct {
		// Model is the completion client proposals are generated with.
		// Required.
		Model model.Client

		// ModelID overrides the client's default model identifier.
		ModelID string

		// DocRoot is the directory the agent explores. It only shapes the
		// prompt; command confinement is the validator's job. Defaults to
		// /workspace/document.
		DocRoot string

		// MaxHistory bounds how many conversation messages each completion
		// carries. Older messages are dropped, not summarized. Defaults
		// to 24.
		MaxHistory int

		// Temperature and MaxTokens pass through to the model request.
		// Zero delegates to the client's defaults.
		Temperature float32
		MaxTokens   int

		// Logger defaults to the Clue implementation.
		Logger telemetry.Logger
		// Metrics defaults to the Clue implementation.
		Metrics telemetry.Metrics
		// Now overrides the clock. Tests inject a fake.
		Now func() time.Time
	}

	// Planner proposes turn fragments by consulting a completion model. Safe
	// for concurrent use across sessions.
	Planner struct {
		model      model.Client
		modelID    string
		prompt     string
		maxHistory int
		temp       float32
		maxTokens  int
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		now        func() time.Time
		schema     *jsonschema.Schema

		// mu guards the state map itself. Entries are only ever mutated by
		// their own session's turn, which the session manager keeps serial,
		// so fields of a fetched *turnState need no further locking.
		mu        sync.Mutex
		state     map[string]*turnState
		lastSweep time.Time
	}

	// turnState carries what the planner remembers about a session's
	// in-flight turn: fragments parsed from the last reply but not yet
	// served, the shape the next Propose input must have for that queue to
	// still be current, and whether any command this turn produced output.
	turnState struct {
		pending      []planner.Fragment
		expectLen    int
		expectResult bool
		sawOutput    bool
		touched      time.Time
	}
)

const (
	defaultDocRoot    = "/workspace/document"
	defaultMaxHistory = 24

	// Idle turn state is swept so sessions that vanish mid-turn do not
	// accumulate entries forever.
	sweepEvery = time.Minute
	staleAfter = 15 * time.Minute
)

// New builds a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	docRoot := opts.DocRoot
	if docRoot == "" {
		docRoot = defaultDocRoot
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewClueMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schema, err := compileFragmentSchema()
	if err != nil {
		return nil, fmt.Errorf("compile fragment schema: %w", err)
	}
	return &Planner{
		model:      opts.Model,
		modelID:    opts.ModelID,
		prompt:     fmt.Sprintf(systemPrompt, docRoot),
		maxHistory: maxHistory,
		temp:       opts.Temperature,
		maxTokens:  opts.MaxTokens,
		logger:     logger,
		metrics:    metrics,
		now:        now,
		schema:     schema,
		state:      make(map[string]*turnState),
	}, nil
}

// Propose implements planner.Planner. Queued fragments from the previous
// model reply are served first; once the queue drains the model is consulted
// again. The final allowed call of a turn never proposes a command: it either
// wraps up with an answer or reports that the documentation had nothing.
func (p *Planner) Propose(ctx context.Context, input planner.Input) (planner.Fragment, error) {
	st, fresh := p.beginStep(ctx, input)
	if frag, ok := st.pop(len(input.History), input.Remaining); ok {
		if frag.Category == planner.CategoryFinal {
			p.drop(input.SessionID)
		}
		return frag, nil
	}
	if input.Remaining <= 1 {
		return p.wrapUp(ctx, input, st, fresh)
	}

	reply, err := p.complete(ctx, p.messages(input, ""))
	if err != nil {
		return planner.Fragment{}, fmt.Errorf("model completion: %w", err)
	}
	frags := p.parseReply(reply)
	if len(frags) == 0 {
		text := strings.TrimSpace(reply)
		if text == "" {
			return planner.Fragment{}, errors.New("model returned an empty reply")
		}
		frags = []planner.Fragment{{Kind: planner.FragmentText, Content: text}}
	}
	head := frags[0]
	st.pending = append(st.pending, frags[1:]...)
	st.note(len(input.History), head)
	if head.Category == planner.CategoryFinal {
		p.drop(input.SessionID)
	}
	return head, nil
}

// wrapUp handles the last allowed proposal of a turn. When the turn gathered
// no command output there is nothing documentation-grounded to synthesize and
// the canned no-results answer goes out instead of another model round trip.
// A turn that opens already on its last iteration still gets one completion
// so single-step configurations can answer directly.
func (p *Planner) wrapUp(ctx context.Context, input planner.Input, st *turnState, fresh bool) (planner.Fragment, error) {
	defer p.drop(input.SessionID)
	if !st.sawOutput && !fresh {
		return planner.Fragment{
			Kind:     planner.FragmentText,
			Category: planner.CategoryFinal,
			Content:  noResultsAnswer,
		}, nil
	}
	reply, err := p.complete(ctx, p.messages(input, wrapUpInstruction))
	if err != nil {
		return planner.Fragment{}, fmt.Errorf("wrap-up completion: %w", err)
	}
	for _, frag := range p.parseReply(reply) {
		if frag.Category == planner.CategoryFinal {
			return frag, nil
		}
	}
	// No answer marker. The model was told to answer, so whatever it said
	// is the answer.
	answer := strings.TrimSpace(reply)
	if answer == "" {
		return planner.Fragment{}, errors.New("model returned an empty reply")
	}
	return planner.Fragment{Kind: planner.FragmentText, Category: planner.CategoryFinal, Content: answer}, nil
}

// beginStep fetches the session's turn state, resetting it when the input no
// longer matches what the previous step recorded. A mismatch means the queue
// belongs to an earlier turn that never completed, for example because the
// client disconnected, and must not leak into this one. fresh reports whether
// the state was created or reset by this call.
func (p *Planner) beginStep(ctx context.Context, input planner.Input) (st *turnState, fresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= sweepEvery {
		p.lastSweep = now
		for id, s := range p.state {
			if now.Sub(s.touched) >= staleAfter {
				delete(p.state, id)
			}
		}
	}
	st = p.state[input.SessionID]
	fresh = st == nil ||
		len(input.History) != st.expectLen ||
		(input.LastResult != nil) != st.expectResult
	if fresh {
		if st != nil && len(st.pending) > 0 {
			p.logger.Debug(ctx, "dropping stale turn fragments",
				"session_id", input.SessionID, "count", len(st.pending))
		}
		st = &turnState{expectLen: len(input.History), expectResult: input.LastResult != nil}
		p.state[input.SessionID] = st
	}
	st.touched = now
	if r := input.LastResult; r != nil && r.Allowed && r.Failure == "" && strings.TrimSpace(r.Stdout) != "" {
		st.sawOutput = true
	}
	return st, fresh
}

func (p *Planner) drop(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, sessionID)
}

// pop serves the next queued fragment. Near the end of the iteration budget
// queued commands are pointless since their results could never become an
// answer, so everything except a queued final is discarded.
func (st *turnState) pop(historyLen, remaining int) (planner.Fragment, bool) {
	if len(st.pending) == 0 {
		return planner.Fragment{}, false
	}
	if remaining <= 1 {
		for _, frag := range st.pending {
			if frag.Category == planner.CategoryFinal {
				st.pending = nil
				return frag, true
			}
		}
		st.pending = nil
		return planner.Fragment{}, false
	}
	frag := st.pending[0]
	st.pending = st.pending[1:]
	st.note(historyLen, frag)
	return frag, true
}

// note records the input shape the next Propose call will carry if it still
// belongs to this turn: command fragments feed two messages back into the
// history and deliver a result, text fragments change nothing.
func (st *turnState) note(historyLen int, frag planner.Fragment) {
	if frag.Kind == planner.FragmentCommand {
		st.expectLen, st.expectResult = historyLen+2, true
		return
	}
	st.expectLen, st.expectResult = historyLen, false
}

// complete invokes the model and joins the returned content into one reply.
func (p *Planner) complete(ctx context.Context, msgs []*model.Message) (string, error) {
	resp, err := p.model.Complete(ctx, model.Request{
		Model:       p.modelID,
		Messages:    msgs,
		Temperature: p.temp,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp.Usage.TotalTokens > 0 {
		p.metrics.IncCounter("chat.planner.tokens", float64(resp.Usage.TotalTokens))
	}
	var b strings.Builder
	for _, m := range resp.Content {
		b.WriteString(m.Content)
	}
	return b.String(), nil
}
