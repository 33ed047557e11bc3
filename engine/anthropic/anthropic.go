// Package anthropic implements the analysis engine on the Anthropic Messages
// API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/engine/prompt"
)

// Options configures the Anthropic engine (model id, sampling, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Engine wraps the Anthropic Messages API behind the generic engine.Engine
// interface.
type Engine struct {
	client *anthropic.Client
	opts   Options
}

var _ engine.Engine = (*Engine)(nil)

// New creates an Anthropic engine using the official client. Without an
// explicit APIKey the client reads ANTHROPIC_API_KEY from the environment.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Engine{
		client: &client,
		opts:   opts,
	}
}

// NewFromClient creates an Anthropic engine from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		client: client,
		opts:   opts,
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "anthropic" }

// Analyze implements engine.Engine. It sends one Messages request carrying
// the rendered issue and context, then parses the structured solution out of
// the reply.
func (e *Engine) Analyze(ctx context.Context, req engine.Request) (*core.Solution, error) {
	req.Report("Consulting the analysis model...")

	params := anthropic.MessageNewParams{
		Model:       e.opts.Model,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: anthropic.Float(e.opts.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: prompt.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.Build(req.Issue, req.Bundle))),
		},
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic returned no text content")
	}

	req.Report("Parsing the proposed solution...")
	sol, err := prompt.ParseSolution(text.String())
	if err != nil {
		return nil, err
	}
	return sol, nil
}
