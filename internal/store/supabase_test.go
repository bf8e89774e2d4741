package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/reframe/internal/analysis"
	"github.com/Napageneral/reframe/internal/supabase"
)

func newSupabaseStore(t *testing.T, handler http.HandlerFunc) *SupabaseStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := supabase.New(supabase.Config{
		URL:    server.URL,
		APIKey: "service-key",
		Retry:  &supabase.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return NewSupabase(client)
}

func TestSupabaseGetEntry(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/journal_entries", r.URL.Path)
		assert.Equal(t, "eq.e1", r.URL.Query().Get("id"))
		assert.Equal(t, "eq.u1", r.URL.Query().Get("owner_id"))
		w.Write([]byte(`{
			"id": "e1",
			"owner_id": "u1",
			"transcript": "I never get anything right",
			"reframed_text": null,
			"applied_transformations": [{"oldWord": "never", "newWord": "rarely", "position": 1}],
			"created_at": "2024-05-01T10:00:00Z"
		}`))
	})

	e, err := s.GetEntry(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "I never get anything right", e.Transcript)
	assert.False(t, e.HasReframe())
	require.Len(t, e.AppliedTransformations, 1)
	assert.Equal(t, "rarely", e.AppliedTransformations[0].NewWord)
}

func TestSupabaseGetEntryNotFound(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
		w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})
	_, err := s.GetEntry(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseGetPrinciples(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/user_principles", r.URL.Path)
		assert.Equal(t, "position.asc", r.URL.Query().Get("order"))
		w.Write([]byte(`[{"principle":"be kind"},{"principle":"rest matters"}]`))
	})
	got, err := s.GetPrinciples(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"be kind", "rest matters"}, got)
}

func TestSupabaseSaveAnalysis(t *testing.T) {
	var body map[string]json.RawMessage
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.x", r.URL.Query().Get("id"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		w.Write([]byte(`[{"id":"x"}]`))
	})
	require.NoError(t, s.SaveAnalysis(context.Background(), "u1", "x", sampleAnalysis()))

	var stored analysis.MergedAnalysis
	require.NoError(t, json.Unmarshal(body["analysis"], &stored))
	assert.Equal(t, []string{"Career Dissatisfaction"}, stored.IdentifiedThemes)
	assert.Contains(t, body, "analyzed_at")
}

func TestSupabaseSaveAnalysisNoRows(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	err := s.SaveAnalysis(context.Background(), "u1", "x", sampleAnalysis())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseSaveAnalysisUndecodableBody(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	})
	err := s.SaveAnalysis(context.Background(), "u1", "x", sampleAnalysis())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "decode updated rows")
}

func TestSupabaseInsertThemesCanonicalCase(t *testing.T) {
	var rows []map[string]string
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &rows))
		w.WriteHeader(http.StatusCreated)
	})
	require.NoError(t, s.InsertThemes(context.Background(), "u1", "x", []string{"career dissatisfaction", "Career Dissatisfaction"}))
	require.Len(t, rows, 1)
	assert.Equal(t, "Career Dissatisfaction", rows[0]["theme"])
}

func TestSupabaseInsertThemes(t *testing.T) {
	var rows []map[string]string
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/entry_themes", r.URL.Path)
		assert.Equal(t, "owner_id,entry_id,theme", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=ignore-duplicates")
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &rows))
		w.WriteHeader(http.StatusCreated)
	})
	require.NoError(t, s.InsertThemes(context.Background(), "u1", "x", []string{"Career Dissatisfaction", "Burnout"}))
	require.Len(t, rows, 2)
	assert.Equal(t, "Burnout", rows[1]["theme"])
}

func TestSupabaseInsertThemesConflictSwallowed(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})
	assert.NoError(t, s.InsertThemes(context.Background(), "u1", "x", []string{"Career Dissatisfaction"}))
}

func TestSupabaseInsertThemesOtherError(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"42703","message":"column does not exist"}`))
	})
	assert.Error(t, s.InsertThemes(context.Background(), "u1", "x", []string{"Career Dissatisfaction"}))
}

func TestSupabaseUpsertInsights(t *testing.T) {
	s := newSupabaseStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/entry_insights", r.URL.Path)
		assert.Equal(t, "entry_id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")
		w.WriteHeader(http.StatusCreated)
	})
	require.NoError(t, s.UpsertInsights(context.Background(), "u1", "x", sampleAnalysis().Insights()))
}
