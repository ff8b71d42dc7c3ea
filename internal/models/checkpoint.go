package models

import (
	"time"

	"github.com/payout-reconciler/internal/types"
)

// ReconcileCheckpoint is the high-water mark for one record type's sweep.
// It only advances after a whole batch merged and emitted its conflicts, so a
// partially failed sweep replays from the last safe point (merges are pure
// functions of current adapter state, so replay is idempotent).
type ReconcileCheckpoint struct {
	RecordType        types.RecordType `json:"recordType"`
	LastModifiedSeen  time.Time        `json:"lastModifiedSeen"`
	LastRunAt         time.Time        `json:"lastRunAt"`
	RecordsSynced     int64            `json:"recordsSynced"`
	ConflictsDetected int64            `json:"conflictsDetected"`
}
