package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/supabase"
)

// Supabase table names.
const (
	tableEntries    = "journal_entries"
	tablePrinciples = "user_principles"
	tableThemes     = "entry_themes"
	tableInsights   = "entry_insights"
)

// SupabaseStore implements Store over the Supabase REST API.
type SupabaseStore struct {
	client *supabase.Client
	now    func() time.Time
}

func NewSupabase(client *supabase.Client) *SupabaseStore {
	return &SupabaseStore{client: client, now: time.Now}
}

type entryRow struct {
	ID                     string                    `json:"id"`
	OwnerID                string                    `json:"owner_id"`
	Transcript             *string                   `json:"transcript"`
	ReframedText           *string                   `json:"reframed_text"`
	AppliedTransformations []analysis.Transformation `json:"applied_transformations"`
	CreatedAt              time.Time                 `json:"created_at"`
}

func (s *SupabaseStore) GetEntry(ctx context.Context, ownerID, entryID string) (analysis.JournalEntry, error) {
	resp, err := s.client.From(tableEntries).
		Select("id,owner_id,transcript,reframed_text,applied_transformations,created_at").
		Eq("id", entryID).
		Eq("owner_id", ownerID).
		Single().
		Execute(ctx)
	if errors.Is(err, supabase.ErrNotFound) {
		return analysis.JournalEntry{}, ErrNotFound
	}
	if err != nil {
		return analysis.JournalEntry{}, fmt.Errorf("fetch entry %s: %w", entryID, err)
	}
	var row entryRow
	if err := resp.JSON(&row); err != nil {
		return analysis.JournalEntry{}, fmt.Errorf("decode entry %s: %w", entryID, err)
	}
	e := analysis.JournalEntry{
		ID:                     row.ID,
		OwnerID:                row.OwnerID,
		AppliedTransformations: row.AppliedTransformations,
		CreatedAt:              row.CreatedAt,
	}
	if row.Transcript != nil {
		e.Transcript = *row.Transcript
	}
	if row.ReframedText != nil {
		e.ReframedText = *row.ReframedText
	}
	return e, nil
}

func (s *SupabaseStore) GetPrinciples(ctx context.Context, ownerID string) ([]string, error) {
	resp, err := s.client.From(tablePrinciples).
		Select("principle").
		Eq("owner_id", ownerID).
		Order("position", true).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch principles: %w", err)
	}
	var rows []struct {
		Principle string `json:"principle"`
	}
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("decode principles: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Principle)
	}
	return out, nil
}

func (s *SupabaseStore) SaveAnalysis(ctx context.Context, ownerID, entryID string, merged analysis.MergedAnalysis) error {
	resp, err := s.client.From(tableEntries).
		Eq("id", entryID).
		Eq("owner_id", ownerID).
		Update(ctx, map[string]any{
			"analysis":    merged,
			"analyzed_at": s.now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("update analysis for %s: %w", entryID, err)
	}
	var updated []struct {
		ID string `json:"id"`
	}
	if err := resp.JSON(&updated); err != nil {
		return fmt.Errorf("decode updated rows for %s: %w", entryID, err)
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertThemes inserts theme rows, ignoring ones that already exist.
func (s *SupabaseStore) InsertThemes(ctx context.Context, ownerID, entryID string, themes []string) error {
	themes = canonicalThemes(themes)
	if len(themes) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(themes))
	for _, theme := range themes {
		rows = append(rows, map[string]any{
			"owner_id": ownerID,
			"entry_id": entryID,
			"theme":    theme,
		})
	}
	_, err := s.client.From(tableThemes).
		OnConflict("owner_id,entry_id,theme").
		IgnoreDuplicates().
		Insert(ctx, rows)
	if err != nil && !errors.Is(err, supabase.ErrConflict) {
		return fmt.Errorf("insert themes for %s: %w", entryID, err)
	}
	return nil
}

func (s *SupabaseStore) UpsertInsights(ctx context.Context, ownerID, entryID string, insights analysis.Insights) error {
	_, err := s.client.From(tableInsights).
		OnConflict("entry_id").
		Insert(ctx, map[string]any{
			"entry_id":    entryID,
			"owner_id":    ownerID,
			"emotions":    insights.Emotions,
			"themes":      insights.Themes,
			"distortions": insights.Distortions,
			"reframes":    insights.Reframes,
			"updated_at":  s.now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("upsert insights for %s: %w", entryID, err)
	}
	return nil
}
