package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{
		URL:     server.URL + "/",
		APIKey:  "service-key",
		Retry:   &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Breaker: &CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Hour},
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x"})
	assert.Error(t, err)
}

func TestSelectSingle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/journal_entries", r.URL.Path)
		assert.Equal(t, "eq.e1", r.URL.Query().Get("id"))
		assert.Equal(t, "eq.u1", r.URL.Query().Get("owner_id"))
		assert.Equal(t, "id,transcript", r.URL.Query().Get("select"))
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.Write([]byte(`{"id":"e1","transcript":"hello"}`))
	})

	resp, err := c.From("journal_entries").Select("id,transcript").Eq("id", "e1").Eq("owner_id", "u1").Single().Execute(context.Background())
	require.NoError(t, err)
	var row struct {
		ID         string `json:"id"`
		Transcript string `json:"transcript"`
	}
	require.NoError(t, resp.JSON(&row))
	assert.Equal(t, "hello", row.Transcript)
}

func TestSelectSingleNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotAcceptable)
		w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})
	_, err := c.From("journal_entries").Eq("id", "missing").Single().Execute(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertIgnoreDuplicates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "owner_id,entry_id,theme", r.URL.Query().Get("on_conflict"))
		assert.Equal(t, "return=minimal,resolution=ignore-duplicates", r.Header.Get("Prefer"))
		var rows []map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		assert.Len(t, rows, 2)
		w.WriteHeader(http.StatusCreated)
	})
	_, err := c.From("entry_themes").OnConflict("owner_id,entry_id,theme").IgnoreDuplicates().Insert(context.Background(), []map[string]string{
		{"theme": "Work"}, {"theme": "Family"},
	})
	require.NoError(t, err)
}

func TestInsertConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"code":"23505","message":"duplicate key value violates unique constraint"}`))
	})
	_, err := c.From("entry_themes").Insert(context.Background(), map[string]string{"theme": "Work"})
	assert.ErrorIs(t, err, ErrConflict)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "23505", apiErr.Code)
}

func TestRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	})
	_, err := c.From("journal_entries").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	// Three attempts (one try plus two retries) reach the failure threshold.
	_, err := c.From("journal_entries").Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, c.BreakerState())

	_, err = c.From("journal_entries").Execute(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	cb.RecordFailure(nil)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestGetUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"msg":"invalid JWT"}`))
			return
		}
		w.Write([]byte(`{"id":"user-1","email":"a@b.c","role":"authenticated"}`))
	})

	user, err := c.GetUser(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)

	_, err = c.GetUser(context.Background(), "bad-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
