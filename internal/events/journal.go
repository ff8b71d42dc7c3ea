package events

import (
	"context"

	"github.com/payout-reconciler/internal/storage"
)

// JournalPublisher mirrors domain events into the analytical journal so the
// event stream survives in ClickHouse even when no broker is attached
type JournalPublisher struct {
	journal *storage.EventJournal
}

// NewJournalPublisher creates a journal-backed publisher
func NewJournalPublisher(journal *storage.EventJournal) *JournalPublisher {
	return &JournalPublisher{journal: journal}
}

// Publish appends the event to the journal
func (p *JournalPublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	entry := storage.JournalEntry{
		EventType: subject,
		Payload:   event,
	}

	switch e := event.(type) {
	case PayoutEvent:
		entry.EntityID = e.RequestID
		entry.UserID = e.UserID
		entry.Chain = string(e.Chain)
		entry.Amount = e.Amount
		entry.At = e.At
	case ConflictEvent:
		entry.EntityID = e.ConflictID
		entry.At = e.At
	case SweepEvent:
		entry.EntityID = string(e.RecordType)
		entry.Amount = int64(e.RecordsMerged)
		entry.At = e.At
	}

	return p.journal.Append(ctx, entry)
}

// Close does nothing; the journal's connection is owned by the caller
func (p *JournalPublisher) Close() {}

// MultiPublisher fans one event out to several publishers. Delivery stays
// best-effort per sink: a failing sink does not stop the others, and the
// first error is returned after all sinks were tried.
type MultiPublisher struct {
	sinks []Publisher
}

// NewMultiPublisher creates a fan-out publisher
func NewMultiPublisher(sinks ...Publisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

// Publish delivers the event to every sink
func (p *MultiPublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, subject, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink
func (p *MultiPublisher) Close() {
	for _, sink := range p.sinks {
		sink.Close()
	}
}
