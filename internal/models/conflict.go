package models

import (
	"time"

	"github.com/payout-reconciler/internal/types"
)

// ConflictRecord is a detected disagreement between the two ledgers for one
// field of one record. Conflicts are first-class data, not errors: they are
// queued, resolved by policy or by a human, and kept for audit.
type ConflictRecord struct {
	ID            string                   `json:"id"`
	RecordID      string                   `json:"recordId"`
	RecordType    types.RecordType         `json:"recordType"`
	Field         string                   `json:"field"`
	ValueA        string                   `json:"valueA"`
	ValueB        string                   `json:"valueB"`
	Impact        types.ConflictImpact     `json:"impact"`
	Resolution    types.ConflictResolution `json:"resolution"`
	ResolvedValue string                   `json:"resolvedValue,omitempty"`
	ResolvedBy    string                   `json:"resolvedBy,omitempty"`
	DetectedAt    time.Time                `json:"detectedAt"`
	ResolvedAt    *time.Time               `json:"resolvedAt,omitempty"`
}

// Open reports whether the conflict still awaits a decision
func (c *ConflictRecord) Open() bool {
	return c.ResolvedAt == nil
}

// ConflictFilter narrows conflict listings
type ConflictFilter struct {
	RecordID   string
	RecordType types.RecordType
	Impact     types.ConflictImpact
	OpenOnly   bool
	Limit      int
	Offset     int
}
