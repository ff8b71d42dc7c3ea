package service

import (
	"context"
	"time"

	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// ReconciliationStats summarizes reconciliation health for operators
type ReconciliationStats struct {
	RecordsSynced     int64      `json:"recordsSynced"`
	ConflictsDetected int64      `json:"conflictsDetected"`
	ConflictsOpen     int64      `json:"conflictsOpen"`
	ConflictsResolved int64      `json:"conflictsResolved"`
	AvgQualityScore   float64    `json:"avgQualityScore"`
	LastAccountSweep  *time.Time `json:"lastAccountSweep,omitempty"`
	LastTxSweep       *time.Time `json:"lastTxSweep,omitempty"`
}

// CheckpointReader is the checkpoint surface the stats service reads
type CheckpointReader interface {
	Get(ctx context.Context, recordType types.RecordType) (*models.ReconcileCheckpoint, error)
}

// QualityReader reports the fleet-wide account quality average
type QualityReader interface {
	AvgQualityScore(ctx context.Context) (float64, error)
}

// StatsService assembles reconciliation statistics from the checkpoint,
// conflict and account stores
type StatsService struct {
	checkpoints CheckpointReader
	conflicts   *ConflictQueue
	quality     QualityReader
}

// NewStatsService creates the stats service
func NewStatsService(checkpoints CheckpointReader, conflicts *ConflictQueue, quality QualityReader) *StatsService {
	return &StatsService{
		checkpoints: checkpoints,
		conflicts:   conflicts,
		quality:     quality,
	}
}

// Reconciliation returns the current reconciliation statistics
func (s *StatsService) Reconciliation(ctx context.Context) (*ReconciliationStats, error) {
	stats := &ReconciliationStats{}

	for _, recordType := range []types.RecordType{types.RecordTypeAccount, types.RecordTypeTransaction} {
		cp, err := s.checkpoints.Get(ctx, recordType)
		if err != nil {
			return nil, err
		}
		stats.RecordsSynced += cp.RecordsSynced
		stats.ConflictsDetected += cp.ConflictsDetected
		if !cp.LastRunAt.IsZero() {
			at := cp.LastRunAt
			if recordType == types.RecordTypeAccount {
				stats.LastAccountSweep = &at
			} else {
				stats.LastTxSweep = &at
			}
		}
	}

	open, resolved, err := s.conflicts.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.ConflictsOpen = open
	stats.ConflictsResolved = resolved

	avg, err := s.quality.AvgQualityScore(ctx)
	if err != nil {
		return nil, err
	}
	stats.AvgQualityScore = avg

	return stats, nil
}
