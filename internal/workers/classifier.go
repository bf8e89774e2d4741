package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/llm"
)

// Classifier asks the model which workers an entry needs. It returns the
// raw names; callers validate them against analysis.WorkerKind.
type Classifier struct {
	client *llm.Client
	budget llm.Budget
}

func NewClassifier(client *llm.Client, opts Options) *Classifier {
	return &Classifier{
		client: client,
		budget: opts.budget(llm.Budget{MaxOutputTokens: 256, Temperature: 0}),
	}
}

func (c *Classifier) Classify(ctx context.Context, entry analysis.JournalEntry) ([]string, error) {
	if strings.TrimSpace(entry.Transcript) == "" {
		return nil, fmt.Errorf("classify: empty transcript")
	}
	decision, err := llm.Generate[analysis.RoutingDecision](ctx, c.client, "routing", classifierPrompt(entry.Input(nil)), routingSchema, c.budget)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return decision.Workers, nil
}
