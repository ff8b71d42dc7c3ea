package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JournalEntry is one immutable row in the analytical event journal
type JournalEntry struct {
	EventType string
	EntityID  string
	UserID    string
	Chain     string
	Amount    int64
	Payload   interface{}
	At        time.Time
}

// EventJournal appends domain events to ClickHouse for audit and analytics.
// The journal is write-only from the service's point of view; nothing in the
// settlement path ever reads it back.
type EventJournal struct {
	db *ClickHouseDB
}

// NewEventJournal creates a new event journal
func NewEventJournal(db *ClickHouseDB) *EventJournal {
	return &EventJournal{db: db}
}

// Append writes one journal entry
func (j *EventJournal) Append(ctx context.Context, entry JournalEntry) error {
	payloadJSON := []byte("{}")
	if entry.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal journal payload: %w", err)
		}
	}

	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	query := `
		INSERT INTO settlement_events (event_type, entity_id, user_id, chain, amount, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if err := j.db.Exec(ctx, query,
		entry.EventType,
		entry.EntityID,
		entry.UserID,
		entry.Chain,
		entry.Amount,
		string(payloadJSON),
		entry.At,
	); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	return nil
}
