package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/bus"
)

// SQLiteStore implements Store on the local database created by db.Init.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// DB exposes the underlying handle for the event log and the job queue.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) GetEntry(ctx context.Context, ownerID, entryID string) (analysis.JournalEntry, error) {
	var (
		e          analysis.JournalEntry
		reframed   sql.NullString
		transforms sql.NullString
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, transcript, reframed_text, applied_transformations_json, created_at
		FROM journal_entries
		WHERE id = ? AND owner_id = ?
	`, entryID, ownerID).Scan(&e.ID, &e.OwnerID, &e.Transcript, &reframed, &transforms, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return analysis.JournalEntry{}, ErrNotFound
	}
	if err != nil {
		return analysis.JournalEntry{}, fmt.Errorf("query entry %s: %w", entryID, err)
	}
	e.ReframedText = reframed.String
	e.CreatedAt = time.Unix(createdAt, 0)
	if transforms.Valid && transforms.String != "" {
		if err := json.Unmarshal([]byte(transforms.String), &e.AppliedTransformations); err != nil {
			return analysis.JournalEntry{}, fmt.Errorf("decode transformations for %s: %w", entryID, err)
		}
	}
	return e, nil
}

func (s *SQLiteStore) GetPrinciples(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principle FROM user_principles
		WHERE owner_id = ?
		ORDER BY position ASC, id ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query principles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan principle: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveAnalysis overwrites the entry's analysis and records an
// analysis.persisted event in the same transaction.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, ownerID, entryID string, merged analysis.MergedAnalysis) error {
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE journal_entries
		SET analysis_json = ?, analyzed_at = ?
		WHERE id = ? AND owner_id = ?
	`, string(data), s.now().Unix(), entryID, ownerID)
	if err != nil {
		return fmt.Errorf("update analysis for %s: %w", entryID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	payload := map[string]any{
		"owner_id": ownerID,
		"mood":     merged.Mood,
		"themes":   merged.ThemeNames(),
	}
	if err := bus.Emit(ctx, tx, bus.TypeAnalysisPersisted, entryID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertThemes adds one row per theme in canonical case. Themes already
// stored for the entry are left as they are.
func (s *SQLiteStore) InsertThemes(ctx context.Context, ownerID, entryID string, themes []string) error {
	now := s.now().Unix()
	for _, theme := range canonicalThemes(themes) {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entry_themes (id, owner_id, entry_id, theme, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(owner_id, entry_id, theme) DO NOTHING
		`, uuid.New().String(), ownerID, entryID, theme, now)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("insert theme %q: %w", theme, err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertInsights(ctx context.Context, ownerID, entryID string, insights analysis.Insights) error {
	cols := make([]string, 4)
	for i, v := range []any{insights.Emotions, insights.Themes, insights.Distortions, insights.Reframes} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal insights: %w", err)
		}
		cols[i] = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_insights (entry_id, owner_id, emotions_json, themes_json, distortions_json, reframes_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			emotions_json = excluded.emotions_json,
			themes_json = excluded.themes_json,
			distortions_json = excluded.distortions_json,
			reframes_json = excluded.reframes_json,
			updated_at = excluded.updated_at
	`, entryID, ownerID, cols[0], cols[1], cols[2], cols[3], s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert insights for %s: %w", entryID, err)
	}
	return nil
}

// GetAnalysis returns the stored analysis for an entry. ErrNotFound covers
// both a missing entry and one that has not been analyzed.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, ownerID, entryID string) (analysis.MergedAnalysis, time.Time, error) {
	var (
		data       sql.NullString
		analyzedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT analysis_json, analyzed_at FROM journal_entries
		WHERE id = ? AND owner_id = ?
	`, entryID, ownerID).Scan(&data, &analyzedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return analysis.MergedAnalysis{}, time.Time{}, ErrNotFound
	}
	if err != nil {
		return analysis.MergedAnalysis{}, time.Time{}, fmt.Errorf("query analysis for %s: %w", entryID, err)
	}
	var m analysis.MergedAnalysis
	if err := json.Unmarshal([]byte(data.String), &m); err != nil {
		return analysis.MergedAnalysis{}, time.Time{}, fmt.Errorf("decode analysis for %s: %w", entryID, err)
	}
	return m, time.Unix(analyzedAt.Int64, 0), nil
}

// ListUnanalyzed returns up to limit entries that have no stored analysis,
// oldest first.
func (s *SQLiteStore) ListUnanalyzed(ctx context.Context, limit int) ([]EntryRef, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id FROM journal_entries
		WHERE analyzed_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unanalyzed entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRef
	for rows.Next() {
		var ref EntryRef
		if err := rows.Scan(&ref.ID, &ref.OwnerID); err != nil {
			return nil, fmt.Errorf("scan entry ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// PutEntry creates or replaces the captured fields of an entry. Any stored
// analysis is kept.
func (s *SQLiteStore) PutEntry(ctx context.Context, e analysis.JournalEntry) error {
	if e.ID == "" || e.OwnerID == "" {
		return fmt.Errorf("entry id and owner are required")
	}
	var transforms any
	if len(e.AppliedTransformations) > 0 {
		b, err := json.Marshal(e.AppliedTransformations)
		if err != nil {
			return fmt.Errorf("marshal transformations: %w", err)
		}
		transforms = string(b)
	}
	var reframed any
	if e.ReframedText != "" {
		reframed = e.ReframedText
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (id, owner_id, transcript, reframed_text, applied_transformations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			transcript = excluded.transcript,
			reframed_text = excluded.reframed_text,
			applied_transformations_json = excluded.applied_transformations_json
	`, e.ID, e.OwnerID, e.Transcript, reframed, transforms, created.Unix())
	if err != nil {
		return fmt.Errorf("put entry %s: %w", e.ID, err)
	}
	return nil
}

// SetPrinciples replaces the owner's principles, keeping their order.
func (s *SQLiteStore) SetPrinciples(ctx context.Context, ownerID string, principles []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_principles WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("clear principles: %w", err)
	}
	for i, p := range principles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_principles (id, owner_id, principle, position) VALUES (?, ?, ?, ?)
		`, uuid.New().String(), ownerID, p, i); err != nil {
			return fmt.Errorf("insert principle: %w", err)
		}
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
