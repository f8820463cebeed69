// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates normalized chat requests into
// ChatCompletion calls using github.com/sashabaranov/go-openai and maps
// responses back to the generic planner structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/docscout/runtime/agent/model"
)

const openaiProviderName = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float32
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:   opts.Client,
		model:  opts.DefaultModel,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m == nil || m.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temp
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, wrapOpenAIError("chat.completions", err)
	}
	return translateResponse(response), nil
}

func translateResponse(resp openai.ChatCompletionResponse) model.Response {
	messages := make([]model.Message, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		if choice.Message.Content == "" {
			continue
		}
		messages = append(messages, model.Message{
			Role:    choice.Message.Role,
			Content: choice.Message.Content,
		})
	}
	stop := ""
	if len(resp.Choices) > 0 {
		stop = string(resp.Choices[0].FinishReason)
	}
	return model.Response{
		Content: messages,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		StopReason: stop,
	}
}

// wrapOpenAIError classifies go-openai failures into model.ProviderError.
func wrapOpenAIError(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apierr *openai.APIError
	if errors.As(err, &apierr) {
		status = apierr.HTTPStatusCode
		msg = apierr.Message
		if apierr.Code != nil {
			code = fmt.Sprint(apierr.Code)
		}
	}

	kind := model.ProviderErrorKindUnknown
	retryable := false
	switch {
	case status == http.StatusBadRequest:
		kind = model.ProviderErrorKindInvalidRequest
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = model.ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		kind = model.ProviderErrorKindRateLimited
		retryable = true
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		kind = model.ProviderErrorKindUnavailable
		retryable = true
	}

	pe := model.NewProviderError(openaiProviderName, operation, status, kind, code, msg, "", retryable, err)
	if kind == model.ProviderErrorKindRateLimited {
		return errors.Join(model.ErrRateLimited, pe)
	}
	return pe
}
