// Package turn drives one chat turn from user message to terminal event. The
// orchestrator pulls fragments from the planner in a bounded loop, routes
// command proposals through validation, execution and audit, feeds each
// outcome back into the planner's context, and shapes the outgoing event
// stream with the collapsing and duplicate-suppression rules clients rely on.
//
// A turn always terminates with exactly one done event. Planner failures and
// exhausted iteration budgets surface as a client-visible error event; only a
// broken stream or caller cancellation aborts the protocol early.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/docscout/runtime/agent/audit"
	"goa.design/docscout/runtime/agent/model"
	"goa.design/docscout/runtime/agent/planner"
	"goa.design/docscout/runtime/agent/policy"
	"goa.design/docscout/runtime/agent/sandbox"
	"goa.design/docscout/runtime/agent/session"
	"goa.design/docscout/runtime/agent/stream"
	"goa.design/docscout/runtime/agent/telemetry"
)

type (
	// Validator decides whether a proposed command may run. Implemented by
	// policy.Validator.
	Validator interface {
		Validate(raw string) policy.Decision
	}

	// Executor runs a validated argument vector inside the sandbox.
	// Implemented by sandbox.Executor.
	Executor interface {
		Execute(ctx context.Context, tokens []string) (sandbox.Result, error)
	}

	// Auditor records one entry per command attempt. Implemented by
	// audit.Logger.
	Auditor interface {
		Log(ctx context.Context, r audit.Record)
	}

	// Recorder persists turns to the session store. Implemented by
	// session.Manager.
	Recorder interface {
		AppendTurn(ctx context.Context, sessionID string, t session.Turn) error
	}

	// Options configures an Orchestrator.
	Options struct {
		// Planner proposes the next fragment of the turn. Required.
		Planner planner.Planner
		// Validator screens proposed commands. Required.
		Validator Validator
		// Executor runs allowed commands. Required.
		Executor Executor
		// Audit records every attempt, allowed or not. Required.
		Audit Auditor
		// Sessions persists user and agent turns. Required.
		Sessions Recorder
		// Classifier assigns event types to untagged planner text.
		// Defaults to DefaultClassifier.
		Classifier Classifier
		// MaxIterations bounds planner proposals per turn. Defaults to 10.
		MaxIterations int
		// DisplayLimit caps result content sent to clients and stored on
		// session attempts, in bytes. Defaults to 1500.
		DisplayLimit int
		// Logger defaults to the Clue implementation.
		Logger telemetry.Logger
		// Metrics defaults to the Clue implementation.
		Metrics telemetry.Metrics
		// Tracer defaults to the Clue implementation.
		Tracer telemetry.Tracer
		// Now overrides the clock. Tests inject a fake.
		Now func() time.Time
	}

	// Orchestrator runs turns. Safe for concurrent use across sessions; the
	// session manager's busy guard keeps turns within one session serial.
	Orchestrator struct {
		planner       planner.Planner
		validator     Validator
		executor      Executor
		audit         Auditor
		sessions      Recorder
		classifier    Classifier
		maxIterations int
		displayLimit  int
		logger        telemetry.Logger
		metrics       telemetry.Metrics
		tracer        telemetry.Tracer
		now           func() time.Time
	}
)

const (
	defaultMaxIterations = 10
	defaultDisplayLimit  = 1500
)

// New builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("sessions is required")
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	displayLimit := opts.DisplayLimit
	if displayLimit <= 0 {
		displayLimit = defaultDisplayLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewClueMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewClueTracer()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		planner:       opts.Planner,
		validator:     opts.Validator,
		executor:      opts.Executor,
		audit:         opts.Audit,
		sessions:      opts.Sessions,
		classifier:    classifier,
		maxIterations: maxIterations,
		displayLimit:  displayLimit,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		now:           now,
	}, nil
}

// Run drives one turn for sess and streams its events to sink, filtered by
// profile. The caller owns the session's busy guard; Run assumes it is the
// only writer for the session while it executes.
//
// Run returns nil whenever the event protocol completed, including turns
// that ended with an error event. It returns an error only when the turn
// aborted: caller cancellation or a sink failure.
func (o *Orchestrator) Run(ctx context.Context, sess session.Session, message string, profile stream.Profile, sink stream.Sink) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("message is required")
	}
	ctx, span := o.tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	start := o.now()
	userTurn := session.Turn{
		ID:        uuid.NewString(),
		Role:      session.RoleUser,
		Content:   message,
		StartedAt: start,
		EndedAt:   start,
	}
	if err := o.sessions.AppendTurn(ctx, sess.ID, userTurn); err != nil {
		o.logger.Error(ctx, "append user turn", "session_id", sess.ID, "err", err)
	}

	l := &turnLoop{
		o:       o,
		sess:    sess,
		turnID:  uuid.NewString(),
		history: append(historyMessages(sess.Turns), &model.Message{Role: model.RoleUser, Content: message}),
		emit:    newEmitter(stream.NewFilterSink(sink, profile), sess.ID),
	}
	err := l.run(ctx)

	// Record the agent turn even when the stream broke so the session
	// keeps the attempts that actually ran.
	agentTurn := session.Turn{
		ID:        l.turnID,
		Role:      session.RoleAgent,
		Content:   l.final,
		Attempts:  l.attempts,
		StartedAt: start,
		EndedAt:   o.now(),
	}
	if appendErr := o.sessions.AppendTurn(context.WithoutCancel(ctx), sess.ID, agentTurn); appendErr != nil {
		o.logger.Error(ctx, "append agent turn", "session_id", sess.ID, "err", appendErr)
	}

	outcome := "error"
	switch {
	case err != nil:
		outcome = "aborted"
	case l.final != "":
		outcome = "final"
	}
	o.metrics.RecordTimer("chat.turn.duration", o.now().Sub(start), "outcome", outcome)
	o.metrics.IncCounter("chat.turn.total", 1, "outcome", outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// turnLoop holds the mutable state of one turn: the accumulated planner
// context and the attempts recorded so far.
type turnLoop struct {
	o          *Orchestrator
	sess       session.Session
	turnID     string
	history    []*model.Message
	lastResult *planner.Result
	attempts   []session.CommandAttempt
	final      string
	emit       *emitter
}

func (l *turnLoop) run(ctx context.Context) error {
	for remaining := l.o.maxIterations; remaining > 0; remaining-- {
		frag, err := l.o.planner.Propose(ctx, planner.Input{
			SessionID:  l.sess.ID,
			History:    l.history,
			LastResult: l.lastResult,
			Remaining:  remaining,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.o.logger.Error(ctx, "agent proposal failed",
				"session_id", l.sess.ID, "turn_id", l.turnID, "err", err)
			return l.endWithError(ctx, fmt.Sprintf("agent error: %v", err))
		}
		l.lastResult = nil

		switch frag.Kind {
		case planner.FragmentCommand:
			if err := l.commandCycle(ctx, frag.Content); err != nil {
				return err
			}
		default:
			final, err := l.text(ctx, frag)
			if err != nil {
				return err
			}
			if final {
				return l.emit.done(ctx)
			}
		}
	}
	l.o.logger.Warn(ctx, "iteration budget exhausted",
		"session_id", l.sess.ID, "turn_id", l.turnID, "budget", l.o.maxIterations)
	return l.endWithError(ctx, "agent stopped before completing an answer")
}

// text classifies a text fragment and hands it to the emitter. It reports
// whether the fragment resolved the turn with a final answer.
func (l *turnLoop) text(ctx context.Context, frag planner.Fragment) (bool, error) {
	typ, content := l.classify(frag)
	if strings.TrimSpace(content) == "" {
		return false, nil
	}
	if typ == stream.EventFinal {
		l.final = content
		return true, l.emit.produce(ctx, stream.EventFinal, content)
	}
	return false, l.emit.produce(ctx, typ, content)
}

func (l *turnLoop) classify(frag planner.Fragment) (stream.EventType, string) {
	switch frag.Category {
	case planner.CategoryProgress:
		return stream.EventProgress, frag.Content
	case planner.CategoryThinking:
		return stream.EventThinking, frag.Content
	case planner.CategoryFinal:
		return stream.EventFinal, frag.Content
	}
	return l.o.classifier(frag.Content)
}

// commandCycle runs one proposed command end to end: command event,
// validation, execution, audit record, result event, and feedback into the
// planner context. Every proposal is audited exactly once, including ones the
// caller cancelled mid-execution.
func (l *turnLoop) commandCycle(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if err := l.emit.produce(ctx, stream.EventCommand, "$ "+raw); err != nil {
		return err
	}

	decision := l.o.validator.Validate(raw)
	l.o.metrics.IncCounter("chat.turn.commands", 1, "allowed", strconv.FormatBool(decision.Allowed))
	if !decision.Allowed {
		l.o.logger.Warn(ctx, "command rejected",
			"session_id", l.sess.ID, "turn_id", l.turnID,
			"command", raw, "reason", string(decision.Reason))
	}

	now := l.o.now()
	attempt := session.CommandAttempt{
		Raw:     raw,
		Tokens:  decision.Tokens,
		Allowed: decision.Allowed,
		Reason:  string(decision.Reason),
		At:      now,
	}
	rec := audit.Record{
		SessionID: l.sess.ID,
		TurnID:    l.turnID,
		Command:   raw,
		Allowed:   decision.Allowed,
		Reason:    string(decision.Reason),
		Timestamp: now,
	}
	res := planner.Result{Command: raw, Allowed: decision.Allowed, Reason: decision.Detail}

	var abort error
	if decision.Allowed {
		sres, execErr := l.o.executor.Execute(ctx, decision.Tokens)
		attempt.Duration = sres.Duration
		attempt.Result = &session.ExecutionResult{
			Stdout:    truncateForDisplay(sres.Stdout, l.o.displayLimit),
			Stderr:    truncateForDisplay(sres.Stderr, l.o.displayLimit),
			ExitCode:  sres.ExitCode,
			Duration:  sres.Duration,
			Truncated: sres.Truncated,
		}
		rec.Duration = sres.Duration
		rec.OutputSize = len(sres.Stdout) + len(sres.Stderr)
		res.Stdout = sres.Stdout
		res.Stderr = sres.Stderr
		res.Truncated = sres.Truncated
		switch {
		case execErr == nil:
			res.ExitCode = sres.ExitCode
			code := sres.ExitCode
			rec.ExitCode = &code
		case errors.Is(execErr, sandbox.ErrTimeout):
			res.Failure = "execution timed out"
		case ctx.Err() != nil:
			abort = ctx.Err()
		default:
			res.Failure = execErr.Error()
		}
	}

	l.o.audit.Log(ctx, rec)
	l.attempts = append(l.attempts, attempt)
	if abort != nil {
		return abort
	}

	feedback := res.Feedback()
	if err := l.emit.produce(ctx, stream.EventResult, truncateForDisplay(feedback, l.o.displayLimit)); err != nil {
		return err
	}
	l.history = append(l.history,
		&model.Message{Role: model.RoleAssistant, Content: "$ " + raw},
		&model.Message{Role: model.RoleUser, Content: feedback},
	)
	l.lastResult = &res
	return nil
}

func (l *turnLoop) endWithError(ctx context.Context, content string) error {
	if err := l.emit.produce(ctx, stream.EventError, content); err != nil {
		return err
	}
	return l.emit.done(ctx)
}

// historyMessages maps stored turns onto planner context messages. Command
// attempts inside prior turns are not replayed; the final answers carry the
// conversational state forward.
func historyMessages(turns []session.Turn) []*model.Message {
	msgs := make([]*model.Message, 0, len(turns)+1)
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		role := model.RoleUser
		if t.Role == session.RoleAgent {
			role = model.RoleAssistant
		}
		msgs = append(msgs, &model.Message{Role: role, Content: t.Content})
	}
	return msgs
}

// truncateForDisplay caps s at limit bytes for client display, backing off
// to a rune boundary so the cut never splits a multibyte character.
func truncateForDisplay(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
