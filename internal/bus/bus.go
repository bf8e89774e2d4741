// Package bus is the append-only analysis event log.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeAnalysisPersisted = "analysis.persisted"
	TypeBackfillQueued    = "backfill.queued"
)

type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	EntryID   *string `json:"entry_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Payload   *string `json:"payload_json,omitempty"`
}

// Execer is satisfied by *sql.DB and *sql.Tx so events can be written in the
// same transaction as the change they describe.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func Emit(ctx context.Context, db Execer, typ string, entryID string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	var entryVal any
	if entryID != "" {
		entryVal = entryID
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO bus_events (id, type, entry_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`, id, typ, entryVal, now, payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert bus event: %w", err)
	}
	return nil
}

// List returns events after afterSeq in order. A non-empty entryID filters
// to that entry.
func List(ctx context.Context, db *sql.DB, afterSeq int64, entryID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, entry_id, created_at, payload_json
		FROM bus_events
		WHERE seq > ? AND (? = '' OR entry_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, entryID, entryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var entry sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &entry, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan bus event: %w", err)
		}
		if entry.Valid {
			e.EntryID = &entry.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating bus events: %w", err)
	}
	return out, nil
}
