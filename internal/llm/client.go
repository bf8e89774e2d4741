// Package llm is the schema-validated boundary to the generative model. A
// call either yields a payload that matched its schema in full or a typed
// *Error; nothing partially decoded crosses it.
package llm

import (
	"context"
	"encoding/json"

	"github.com/Napageneral/reframe/internal/gemini"
)

// Generator is the transport the client drives. *gemini.Client satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error)
	HasCredential() bool
}

// Budget bounds one generation.
type Budget struct {
	MaxOutputTokens int
	Temperature     float64
}

// Client issues one model request per Call and never retries.
type Client struct {
	gen   Generator
	model string
}

// NewClient creates a Client for the given model.
func NewClient(gen Generator, model string) *Client {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Client{gen: gen, model: model}
}

// Model returns the model name used for every call.
func (c *Client) Model() string { return c.model }

// Ready reports whether the client can reach the model at all.
func (c *Client) Ready() error {
	if c == nil || c.gen == nil || !c.gen.HasCredential() {
		return &Error{Reason: ReasonUpstreamUnavailable, Err: ErrMissingCredential}
	}
	return nil
}

// Call sends prompt, extracts the JSON payload from the reply, validates it
// against schema and decodes it into out. label names debug dump files.
func (c *Client) Call(ctx context.Context, label, prompt string, schema *Schema, budget Budget, out any) error {
	if err := c.Ready(); err != nil {
		return err
	}

	temperature := budget.Temperature
	req := &gemini.GenerateContentRequest{
		Contents: []gemini.Content{{
			Role:  "user",
			Parts: []gemini.Part{{Text: prompt}},
		}},
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:        &temperature,
			MaxOutputTokens:    budget.MaxOutputTokens,
			ResponseMimeType:   "application/json",
			ResponseJsonSchema: schema.Wire(),
		},
	}
	writeDebugFile(ctx, label+"_prompt.txt", prompt)

	resp, err := c.gen.GenerateContent(ctx, c.model, req)
	if err != nil {
		return classify(ctx, err)
	}

	text := resp.Text()
	writeDebugFile(ctx, label+"_response.txt", text)
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return newError(ReasonUpstreamError, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return newError(ReasonUpstreamError, "empty response from model")
	}

	return decodeValidated(text, schema, out)
}

// Generate is the typed form of Client.Call.
func Generate[T any](ctx context.Context, c *Client, label, prompt string, schema *Schema, budget Budget) (T, error) {
	var out T
	if err := c.Call(ctx, label, prompt, schema, budget, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func decodeValidated(text string, schema *Schema, out any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return &Error{Reason: ReasonSchemaValidationFailed, Err: err}
	}
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return newError(ReasonSchemaValidationFailed, "parse JSON: %v", err)
	}
	if err := schema.Validate(generic); err != nil {
		return &Error{Reason: ReasonSchemaValidationFailed, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		name := "payload"
		if schema != nil {
			name = schema.Name
		}
		return newError(ReasonSchemaValidationFailed, "decode %s: %v", name, err)
	}
	return nil
}
