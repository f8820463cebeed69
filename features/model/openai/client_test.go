package openai_test

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/docscout/features/model/openai"
	"goa.design/docscout/runtime/agent/model"
)

type mockChatClient struct {
	response openai.ChatCompletionResponse
	err      error
	captured openai.ChatCompletionRequest
}

func (m *mockChatClient) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.captured = request
	return m.response, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "stop",
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: "Check docs/setup.md for install steps.",
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: "You explore documentation."},
			{Role: model.RoleUser, Content: "where are the install docs?"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "Check docs/setup.md for install steps.", resp.Content[0].Content)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := mock.captured
	require.Equal(t, "gpt-4o", req.Model)
	require.Equal(t, 512, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Equal(t, "where are the install docs?", req.Messages[1].Content)
}

func TestClientCompleteClassifiesRateLimit(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []*model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}})
	require.Error(t, err)
}
