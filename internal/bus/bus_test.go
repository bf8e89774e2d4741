package bus

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE bus_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			entry_id TEXT,
			created_at INTEGER NOT NULL,
			payload_json TEXT
		)
	`)
	require.NoError(t, err)
	return db
}

func TestEmitAndList(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	require.NoError(t, Emit(ctx, db, TypeAnalysisPersisted, "e1", map[string]string{"owner_id": "u1"}))
	require.NoError(t, Emit(ctx, db, TypeBackfillQueued, "e2", nil))
	require.NoError(t, Emit(ctx, db, TypeAnalysisPersisted, "", nil))

	events, err := List(ctx, db, 0, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, TypeAnalysisPersisted, events[0].Type)
	require.NotNil(t, events[0].EntryID)
	assert.Equal(t, "e1", *events[0].EntryID)
	require.NotNil(t, events[0].Payload)
	assert.JSONEq(t, `{"owner_id":"u1"}`, *events[0].Payload)

	assert.Nil(t, events[1].Payload)
	assert.Nil(t, events[2].EntryID)
	assert.Less(t, events[0].Seq, events[1].Seq)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	for _, id := range []string{"e1", "e2", "e1", "e3"} {
		require.NoError(t, Emit(ctx, db, TypeAnalysisPersisted, id, nil))
	}

	byEntry, err := List(ctx, db, 0, "e1", 10)
	require.NoError(t, err)
	assert.Len(t, byEntry, 2)

	after, err := List(ctx, db, byEntry[0].Seq, "", 10)
	require.NoError(t, err)
	assert.Len(t, after, 3)

	limited, err := List(ctx, db, 0, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEmitRequiresType(t *testing.T) {
	db := setupTestDB(t)
	assert.Error(t, Emit(context.Background(), db, "", "e1", nil))
}
