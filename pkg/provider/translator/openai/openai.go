// Package openai implements translator.Provider directly on the official
// OpenAI Go client, for deployments that talk to OpenAI (or an
// OpenAI-compatible endpoint) without the any-llm indirection.
package openai

import (
	"context"
	"fmt"
	"strings"

	openailib "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kikitori/kikitori/pkg/provider/translator"
)

const systemPrompt = "You are a professional Japanese-to-English translator. " +
	"Translate the user's text into natural English. " +
	"Output only the translation, with no notes, no romaji, and no explanations."

// Provider implements translator.Provider using the OpenAI chat completions API.
type Provider struct {
	client openailib.Client
	model  string
}

var _ translator.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// New creates a Provider. apiKey may be empty, in which case the client
// reads OPENAI_API_KEY from the environment.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{
		client: openailib.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Translate implements translator.Provider.
func (p *Provider) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	var parts []string
	for _, chunk := range translator.Chunks(text, translator.DefaultChunkRunes) {
		resp, err := p.client.Chat.Completions.New(ctx, openailib.ChatCompletionNewParams{
			Model: openailib.ChatModel(p.model),
			Messages: []openailib.ChatCompletionMessageParamUnion{
				openailib.SystemMessage(systemPrompt),
				openailib.UserMessage(chunk),
			},
			Temperature: openailib.Float(0),
		})
		if err != nil {
			return "", fmt.Errorf("openai: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("openai: empty choices in response")
		}
		if out := strings.TrimSpace(resp.Choices[0].Message.Content); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, " "), nil
}
