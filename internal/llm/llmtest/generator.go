// Package llmtest provides an in-process model for tests of code built on
// the llm client.
package llmtest

import (
	"context"
	"sync"
	"time"

	"github.com/Napageneral/reframe/internal/gemini"
)

// Responder produces the model text for one request. key is the first
// required property of the requested response schema (for example
// "emotions" or "entry_breakdown"), which identifies the caller.
type Responder func(ctx context.Context, key, prompt string) (string, error)

// Generator satisfies llm.Generator without any network access.
type Generator struct {
	Respond      Responder
	NoCredential bool

	mu    sync.Mutex
	calls map[string]int
}

// New returns a Generator answering with respond.
func New(respond Responder) *Generator {
	return &Generator{Respond: respond}
}

func (g *Generator) GenerateContent(ctx context.Context, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
	key := Key(req)
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[key]++
	g.mu.Unlock()

	var prompt string
	if len(req.Contents) > 0 && len(req.Contents[0].Parts) > 0 {
		prompt = req.Contents[0].Parts[0].Text
	}
	text, err := g.Respond(ctx, key, prompt)
	if err != nil {
		return nil, err
	}
	return TextResponse(text), nil
}

func (g *Generator) HasCredential() bool { return !g.NoCredential }

// Calls returns how many requests were made for key.
func (g *Generator) Calls(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[key]
}

// Key returns the first required property of the request's response schema.
func Key(req *gemini.GenerateContentRequest) string {
	if req == nil || req.GenerationConfig == nil {
		return ""
	}
	schema, ok := req.GenerationConfig.ResponseJsonSchema.(map[string]any)
	if !ok {
		return ""
	}
	required, _ := schema["required"].([]any)
	if len(required) == 0 {
		return ""
	}
	key, _ := required[0].(string)
	return key
}

// TextResponse wraps text in a single-candidate response.
func TextResponse(text string) *gemini.GenerateContentResponse {
	return &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{{Text: text}}},
		}},
	}
}

// Sleep waits for d or until ctx is done, like a slow model would.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
