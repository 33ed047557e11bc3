// Package openai implements the analysis engine on the OpenAI Chat
// Completions API with streaming, so progress reaches the event stream while
// the model is still writing.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/engine/prompt"
)

// Options configure the OpenAI engine.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Engine wraps the OpenAI Chat Completions API behind the generic
// engine.Engine interface.
type Engine struct {
	client *openai.Client
	opts   Options
}

var _ engine.Engine = (*Engine)(nil)

// New creates an OpenAI engine using the official client, which reads
// OPENAI_API_KEY from the environment.
func New(optFns ...func(o *Options)) *Engine {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an OpenAI engine from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{client: client, opts: opts}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "openai" }

// Analyze implements engine.Engine. The completion is streamed; roughly one
// progress update per accumulated paragraph keeps observers informed without
// flooding the event channel.
func (e *Engine) Analyze(ctx context.Context, req engine.Request) (*core.Solution, error) {
	req.Report("Consulting the analysis model...")

	params := openai.ChatCompletionNewParams{
		Model:               e.opts.Model,
		Temperature:         openai.Float(e.opts.Temperature),
		MaxCompletionTokens: openai.Int(e.opts.MaxCompletionTokens),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt.System),
			openai.UserMessage(prompt.Build(req.Issue, req.Bundle)),
		},
	}

	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	var full strings.Builder
	var sinceReport int
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			full.WriteString(ch.Delta.Content)
			sinceReport += len(ch.Delta.Content)
			if sinceReport >= 512 {
				req.Report("Model is reasoning through the evidence...")
				sinceReport = 0
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai streaming error: %w", err)
	}
	if full.Len() == 0 {
		return nil, fmt.Errorf("openai returned no content")
	}

	req.Report("Parsing the proposed solution...")
	sol, err := prompt.ParseSolution(full.String())
	if err != nil {
		return nil, err
	}
	return sol, nil
}
