// Package store defines the persistence ports used by the orchestrator and
// the adapters that implement them: a local SQLite database and Supabase.
package store

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Napageneral/reframe/internal/analysis"
)

// ErrNotFound is returned when an entry does not exist or is not owned by
// the requesting user.
var ErrNotFound = errors.New("store: entry not found")

// EntryReader loads entry context.
type EntryReader interface {
	GetEntry(ctx context.Context, ownerID, entryID string) (analysis.JournalEntry, error)
	GetPrinciples(ctx context.Context, ownerID string) ([]string, error)
}

// AnalysisWriter persists a merged analysis. Every method must be safe to
// call again with the same arguments.
type AnalysisWriter interface {
	SaveAnalysis(ctx context.Context, ownerID, entryID string, merged analysis.MergedAnalysis) error
	InsertThemes(ctx context.Context, ownerID, entryID string, themes []string) error
	UpsertInsights(ctx context.Context, ownerID, entryID string, insights analysis.Insights) error
}

// Store is the full port the orchestrator runs against.
type Store interface {
	EntryReader
	AnalysisWriter
}

// EntryRef identifies an entry without loading it.
type EntryRef struct {
	ID      string
	OwnerID string
}

// Persistence targets, used in logs and metrics.
const (
	TargetAnalysis = "analysis"
	TargetThemes   = "themes"
	TargetInsights = "insights"
)

// canonicalThemes title-cases themes and collapses inner whitespace so that
// reruns differing only in case hit the same unique row. Empty and repeated
// themes are dropped.
func canonicalThemes(themes []string) []string {
	caser := cases.Title(language.English)
	out := make([]string, 0, len(themes))
	seen := make(map[string]bool, len(themes))
	for _, t := range themes {
		t = caser.String(strings.Join(strings.Fields(t), " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
