package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	chat "goa.design/docscout/features/planner/chat"
	"goa.design/docscout/runtime/agent/model"
	"goa.design/docscout/runtime/agent/planner"
	"goa.design/docscout/runtime/agent/telemetry"
)

// scriptedModel replays canned replies and records every request it saw.
type scriptedModel struct {
	replies []string
	err     error
	reqs    []model.Request
}

func (m *scriptedModel) Complete(_ context.Context, req model.Request) (model.Response, error) {
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return model.Response{}, m.err
	}
	var reply string
	if len(m.replies) > 0 {
		reply, m.replies = m.replies[0], m.replies[1:]
	}
	return model.Response{
		Content:    []model.Message{{Role: model.RoleAssistant, Content: reply}},
		Usage:      model.TokenUsage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30},
		StopReason: "end_turn",
	}, nil
}

func newChatPlanner(t *testing.T, client model.Client) *chat.Planner {
	t.Helper()
	p, err := chat.New(chat.Options{
		Model:   client,
		Logger:  telemetry.NewNoopLogger(),
		Metrics: telemetry.NewNoopMetrics(),
	})
	require.NoError(t, err)
	return p
}

func question(sessionID string, remaining int) planner.Input {
	return planner.Input{
		SessionID: sessionID,
		History:   []*model.Message{{Role: model.RoleUser, Content: "where are the install docs?"}},
		Remaining: remaining,
	}
}

// afterCommand extends in the way the orchestrator does after running a
// proposed command: the command and its feedback join the history and the
// structured result rides along.
func afterCommand(in planner.Input, cmd string, res *planner.Result, remaining int) planner.Input {
	history := append(append([]*model.Message{}, in.History...),
		&model.Message{Role: model.RoleAssistant, Content: "$ " + cmd},
		&model.Message{Role: model.RoleUser, Content: res.Feedback()},
	)
	return planner.Input{
		SessionID:  in.SessionID,
		History:    history,
		LastResult: res,
		Remaining:  remaining,
	}
}

func TestProposeServesQueuedFragments(t *testing.T) {
	m := &scriptedModel{replies: []string{"💭 Start broad.\n\n```bash\nls\n```"}}
	p := newChatPlanner(t, m)
	in := question("sess-1", 5)

	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentText, frag.Kind)
	require.Equal(t, planner.CategoryNone, frag.Category)
	require.Equal(t, "💭 Start broad.", frag.Content)

	in.Remaining = 4
	frag, err = p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentCommand, frag.Kind)
	require.Equal(t, "ls", frag.Content)

	// Both fragments came out of a single completion.
	require.Len(t, m.reqs, 1)
}

func TestProposeSendsSystemPromptAndQuestion(t *testing.T) {
	m := &scriptedModel{replies: []string{"📋 **Answer:** See the README."}}
	p := newChatPlanner(t, m)

	frag, err := p.Propose(context.Background(), question("sess-1", 5))
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "See the README.", frag.Content)

	require.Len(t, m.reqs, 1)
	msgs := m.reqs[0].Messages
	require.NotEmpty(t, msgs)
	require.Equal(t, model.RoleSystem, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "/workspace/document")
	require.Contains(t, msgs[0].Content, "read-only bash commands")
	require.Equal(t, "where are the install docs?", msgs[len(msgs)-1].Content)
}

func TestProposeConsultsModelAfterResult(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"```bash\ngrep -r install docs\n```",
		"📋 **Answer:** Install docs live in docs/install.md.",
	}}
	p := newChatPlanner(t, m)
	in := question("sess-1", 5)

	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentCommand, frag.Kind)

	res := &planner.Result{Command: frag.Content, Allowed: true, Stdout: "docs/install.md: run make install"}
	frag, err = p.Propose(context.Background(), afterCommand(in, frag.Content, res, 4))
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "Install docs live in docs/install.md.", frag.Content)

	require.Len(t, m.reqs, 2)
	var sawFeedback bool
	for _, msg := range m.reqs[1].Messages {
		if strings.Contains(msg.Content, "docs/install.md: run make install") {
			sawFeedback = true
		}
	}
	require.True(t, sawFeedback, "command feedback missing from completion input")
}

func TestProposeDropsStaleQueueOnNewTurn(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"🤔 Let me look around.\n\n```bash\nls\n```",
		"📋 **Answer:** Fresh turn answer.",
	}}
	p := newChatPlanner(t, m)

	frag, err := p.Propose(context.Background(), question("sess-1", 5))
	require.NoError(t, err)
	require.Equal(t, planner.FragmentText, frag.Kind)

	// A new turn rebuilds the history, so the queued ls must not leak.
	next := planner.Input{
		SessionID: "sess-1",
		History: []*model.Message{
			{Role: model.RoleUser, Content: "where are the install docs?"},
			{Role: model.RoleAssistant, Content: "In docs/."},
			{Role: model.RoleUser, Content: "and the upgrade notes?"},
		},
		Remaining: 5,
	}
	frag, err = p.Propose(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "Fresh turn answer.", frag.Content)
	require.Len(t, m.reqs, 2)
}

func TestProposeWrapUpWithoutOutputIsCanned(t *testing.T) {
	m := &scriptedModel{replies: []string{"🧠 Thinking about where to look."}}
	p := newChatPlanner(t, m)

	in := question("sess-1", 2)
	_, err := p.Propose(context.Background(), in)
	require.NoError(t, err)

	in.Remaining = 1
	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Contains(t, frag.Content, "No relevant information found")

	// The canned answer never costs a completion.
	require.Len(t, m.reqs, 1)
}

func TestProposeWrapUpSynthesizesAnswer(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"```bash\ngrep -r install docs\n```",
		"📋 **Answer:** Install docs live in docs/install.md.",
	}}
	p := newChatPlanner(t, m)
	in := question("sess-1", 2)

	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentCommand, frag.Kind)

	res := &planner.Result{Command: frag.Content, Allowed: true, Stdout: "docs/install.md"}
	frag, err = p.Propose(context.Background(), afterCommand(in, frag.Content, res, 1))
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "Install docs live in docs/install.md.", frag.Content)

	require.Len(t, m.reqs, 2)
	last := m.reqs[1].Messages
	require.Contains(t, last[len(last)-1].Content, "final answer")
}

func TestProposeWrapUpForcesUnmarkedAnswer(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"```bash\nls docs\n```",
		"The install guide is docs/install.md.",
	}}
	p := newChatPlanner(t, m)
	in := question("sess-1", 2)

	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	res := &planner.Result{Command: frag.Content, Allowed: true, Stdout: "install.md"}

	frag, err = p.Propose(context.Background(), afterCommand(in, frag.Content, res, 1))
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "The install guide is docs/install.md.", frag.Content)
}

func TestProposeFirstCallOnLastIterationStillCompletes(t *testing.T) {
	m := &scriptedModel{replies: []string{"📋 **Answer:** Hi there."}}
	p := newChatPlanner(t, m)

	frag, err := p.Propose(context.Background(), question("sess-1", 1))
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "Hi there.", frag.Content)
	require.Len(t, m.reqs, 1)
}

func TestProposeDiscardsQueuedCommandsAtBudgetEnd(t *testing.T) {
	m := &scriptedModel{replies: []string{"💭 Scanning.\n\n```bash\nls\n```"}}
	p := newChatPlanner(t, m)

	in := question("sess-1", 2)
	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentText, frag.Kind)

	in.Remaining = 1
	frag, err = p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Contains(t, frag.Content, "No relevant information found")
	require.Len(t, m.reqs, 1)
}

func TestProposeServesQueuedFinalAtBudgetEnd(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"💭 Wrapping up.\n\n" + `{"category": "final", "text": "Short answer."}`,
	}}
	p := newChatPlanner(t, m)

	in := question("sess-1", 2)
	frag, err := p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentText, frag.Kind)

	in.Remaining = 1
	frag, err = p.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "Short answer.", frag.Content)
	require.Len(t, m.reqs, 1)
}

func TestProposeTrimsLongHistory(t *testing.T) {
	m := &scriptedModel{replies: []string{"📋 **Answer:** ok."}}
	p := newChatPlanner(t, m)

	history := make([]*model.Message, 0, 31)
	history = append(history, &model.Message{Role: model.RoleUser, Content: "original question"})
	for i := 0; i < 28; i++ {
		role := model.RoleAssistant
		if i%2 == 1 {
			role = model.RoleUser
		}
		history = append(history, &model.Message{Role: role, Content: strings.Repeat("x", 1000)})
	}
	history = append(history,
		&model.Message{Role: model.RoleAssistant, Content: "$ ls"},
		&model.Message{Role: model.RoleUser, Content: "README.md"},
	)

	_, err := p.Propose(context.Background(), planner.Input{
		SessionID: "sess-1",
		History:   history,
		Remaining: 5,
	})
	require.NoError(t, err)

	require.Len(t, m.reqs, 1)
	msgs := m.reqs[0].Messages
	require.Len(t, msgs, 25, "system prompt plus the 24 most recent messages")

	var clipped int
	for _, msg := range msgs[1:] {
		if strings.HasSuffix(msg.Content, "(output truncated)") {
			clipped++
			require.Less(t, len(msg.Content), 1000)
		}
	}
	require.NotZero(t, clipped, "old large messages should be clipped")
	require.Equal(t, "README.md", msgs[len(msgs)-1].Content)
}

func TestProposeSweepsIdleTurnState(t *testing.T) {
	m := &scriptedModel{replies: []string{
		"💭 First look.\n\n```bash\nls\n```",
		"📋 **Answer:** other session.",
		"📋 **Answer:** took too long.",
	}}
	now := time.Now()
	p, err := chat.New(chat.Options{
		Model:   m,
		Logger:  telemetry.NewNoopLogger(),
		Metrics: telemetry.NewNoopMetrics(),
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)

	inA := question("sess-a", 5)
	frag, err := p.Propose(context.Background(), inA)
	require.NoError(t, err)
	require.Equal(t, planner.FragmentText, frag.Kind)

	// Twenty minutes later another session's proposal sweeps sess-a.
	now = now.Add(20 * time.Minute)
	_, err = p.Propose(context.Background(), question("sess-b", 5))
	require.NoError(t, err)

	// The queued ls is gone; sess-a has to go back to the model.
	inA.Remaining = 4
	frag, err = p.Propose(context.Background(), inA)
	require.NoError(t, err)
	require.Equal(t, planner.CategoryFinal, frag.Category)
	require.Equal(t, "took too long.", frag.Content)
	require.Len(t, m.reqs, 3)
}

func TestProposeEmptyReplyErrors(t *testing.T) {
	m := &scriptedModel{replies: []string{"   \n"}}
	p := newChatPlanner(t, m)

	_, err := p.Propose(context.Background(), question("sess-1", 5))
	require.ErrorContains(t, err, "empty reply")
}

func TestProposeWrapsModelError(t *testing.T) {
	m := &scriptedModel{err: errors.New("boom")}
	p := newChatPlanner(t, m)

	_, err := p.Propose(context.Background(), question("sess-1", 5))
	require.ErrorContains(t, err, "model completion")
	require.ErrorContains(t, err, "boom")
}

func TestNewRequiresModel(t *testing.T) {
	_, err := chat.New(chat.Options{})
	require.EqualError(t, err, "model client is required")
}
