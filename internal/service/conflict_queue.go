package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/errors"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// ConflictQueue manages the lifecycle of detected ledger conflicts: intake,
// listing, manual resolution, and the auto-resolution sweep.
type ConflictQueue struct {
	conflicts ConflictStore
	accounts  accountStore
	policy    types.MergePolicy
	notifier  adapter.NotificationSink
	publisher events.Publisher
	logger    *logging.Logger
}

// ConflictStore is the persistence surface for conflicts
type ConflictStore interface {
	Create(ctx context.Context, conflict *models.ConflictRecord) error
	GetByID(ctx context.Context, id string) (*models.ConflictRecord, error)
	List(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error)
	Resolve(ctx context.Context, id string, resolution types.ConflictResolution, resolvedValue, resolvedBy string, at time.Time) (bool, error)
	ExistsOpen(ctx context.Context, recordID, field string) (bool, error)
	CountOpenByRecord(ctx context.Context, recordID string) (int, error)
	Stats(ctx context.Context) (open, resolved map[types.ConflictImpact]int64, err error)
}

// accountStore is the account surface the queue needs to apply resolutions
type accountStore interface {
	GetByID(ctx context.Context, id string) (*models.UnifiedAccount, error)
	Update(ctx context.Context, account *models.UnifiedAccount) error
}

// NewConflictQueue creates the conflict queue service
func NewConflictQueue(conflicts ConflictStore, accounts accountStore, policy types.MergePolicy, notifier adapter.NotificationSink, publisher events.Publisher, logger *logging.Logger) *ConflictQueue {
	return &ConflictQueue{
		conflicts: conflicts,
		accounts:  accounts,
		policy:    policy,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

// Enqueue stores a newly detected conflict. Re-detections of an already-open
// field conflict are dropped so sweeps do not pile up duplicates. Critical
// conflicts alert the operator immediately, not only at resolution time.
func (q *ConflictQueue) Enqueue(ctx context.Context, conflict *models.ConflictRecord) error {
	exists, err := q.conflicts.ExistsOpen(ctx, conflict.RecordID, conflict.Field)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// The merge leaves conflicts unidentified so identical inputs produce
	// identical output; identity is minted here at intake
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}

	if err := q.conflicts.Create(ctx, conflict); err != nil {
		return err
	}

	metrics.ConflictsDetected.WithLabelValues(string(conflict.Impact)).Inc()
	q.publishConflict(ctx, events.SubjectConflictDetected, conflict)

	if conflict.Impact == types.ImpactCritical {
		if err := q.notifier.Notify(ctx, adapter.Notification{
			Severity: "critical",
			Subject:  fmt.Sprintf("critical ledger conflict on %s %s", conflict.RecordType, conflict.RecordID),
			Body:     fmt.Sprintf("field %s: ledger A reports %s, ledger B reports %s", conflict.Field, conflict.ValueA, conflict.ValueB),
			EntityID: conflict.ID,
		}); err != nil {
			q.logger.WithError(err).Warn("failed to deliver critical conflict notification")
		}
	}

	return nil
}

// List returns conflicts matching the filter
func (q *ConflictQueue) List(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error) {
	return q.conflicts.List(ctx, filter)
}

// ResolveManual applies a human decision to an open conflict. The resolved
// value is written back into the unified record, the conflict is stamped with
// the resolver, and the account's quality score is recomputed.
func (q *ConflictQueue) ResolveManual(ctx context.Context, id, resolvedValue, resolver string) error {
	if resolver == "" {
		return errors.NewInvalidParameterError("resolver", "resolver identity is required")
	}

	conflict, err := q.conflicts.GetByID(ctx, id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return errors.NewNotFoundError("conflict", id)
		}
		return err
	}
	if !conflict.Open() {
		return errors.NewConflictAlreadyResolvedError(id)
	}

	if conflict.RecordType == types.RecordTypeAccount {
		if err := q.applyToAccount(ctx, conflict, resolvedValue); err != nil {
			return err
		}
	}

	now := time.Now()
	claimed, err := q.conflicts.Resolve(ctx, id, types.ResolutionManualRequired, resolvedValue, resolver, now)
	if err != nil {
		return err
	}
	if !claimed {
		// The auto sweep or another operator got there first
		return errors.NewConflictAlreadyResolvedError(id)
	}

	if err := q.refreshQualityScore(ctx, conflict.RecordID, conflict.RecordType); err != nil {
		q.logger.WithError(err).Warn("failed to refresh quality score after resolution")
	}

	conflict.Resolution = types.ResolutionManualRequired
	conflict.ResolvedValue = resolvedValue
	conflict.ResolvedBy = resolver
	conflict.ResolvedAt = &now
	metrics.ConflictsResolved.WithLabelValues("manual").Inc()
	q.publishConflict(ctx, events.SubjectConflictResolved, conflict)

	return nil
}

// SweepAutoResolvable closes open low/medium conflicts when the policy allows
// automation. High and critical conflicts are never touched. Each conflict is
// claimed with a conditional update, so a concurrent manual resolution on the
// same id cannot be overwritten.
func (q *ConflictQueue) SweepAutoResolvable(ctx context.Context) (int, error) {
	if q.policy != types.PolicyMerge && q.policy != types.PolicySourceAWins && q.policy != types.PolicySourceBWins {
		return 0, nil
	}

	resolved := 0
	for _, impact := range []types.ConflictImpact{types.ImpactLow, types.ImpactMedium} {
		conflicts, err := q.conflicts.List(ctx, models.ConflictFilter{Impact: impact, OpenOnly: true, Limit: 500})
		if err != nil {
			return resolved, err
		}

		for _, conflict := range conflicts {
			winner := q.autoWinner(conflict)
			now := time.Now()
			claimed, err := q.conflicts.Resolve(ctx, conflict.ID, types.ResolutionAutoResolved, winner, "policy", now)
			if err != nil {
				return resolved, err
			}
			if !claimed {
				continue
			}
			resolved++
			metrics.ConflictsResolved.WithLabelValues("auto").Inc()

			conflict.Resolution = types.ResolutionAutoResolved
			conflict.ResolvedValue = winner
			conflict.ResolvedBy = "policy"
			conflict.ResolvedAt = &now
			q.publishConflict(ctx, events.SubjectConflictResolved, conflict)

			if err := q.refreshQualityScore(ctx, conflict.RecordID, conflict.RecordType); err != nil {
				q.logger.WithError(err).Warn("failed to refresh quality score after auto resolution")
			}
		}
	}

	return resolved, nil
}

// Stats aggregates open/resolved conflict counts
func (q *ConflictQueue) Stats(ctx context.Context) (open, resolved int64, err error) {
	openByImpact, resolvedByImpact, err := q.conflicts.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, count := range openByImpact {
		open += count
	}
	for _, count := range resolvedByImpact {
		resolved += count
	}
	return open, resolved, nil
}

// autoWinner picks the surviving value for an auto-resolved conflict. The
// merge already wrote the policy winner into the unified record, so this only
// records which side won.
func (q *ConflictQueue) autoWinner(conflict *models.ConflictRecord) string {
	if q.policy == types.PolicySourceBWins {
		return conflict.ValueB
	}
	return conflict.ValueA
}

// applyToAccount writes a manual resolution value into the unified account
func (q *ConflictQueue) applyToAccount(ctx context.Context, conflict *models.ConflictRecord, resolvedValue string) error {
	account, err := q.accounts.GetByID(ctx, conflict.RecordID)
	if err != nil {
		return errors.NewNotFoundError("account", conflict.RecordID)
	}

	switch conflict.Field {
	case FieldAddress:
		chain, addr, ok := ParseChainValue(resolvedValue)
		if !ok {
			return errors.NewInvalidParameterError("value", "address resolutions must be chain:address")
		}
		if account.Addresses == nil {
			account.Addresses = make(map[types.ChainID]string)
		}
		account.Addresses[chain] = addr
	case FieldConfirmedBalance:
		v, err := strconv.ParseInt(resolvedValue, 10, 64)
		if err != nil {
			return errors.NewInvalidParameterError("value", "balance resolutions must be integer minor units")
		}
		account.MiningBalance.Confirmed = v
	case FieldPendingBalance:
		v, err := strconv.ParseInt(resolvedValue, 10, 64)
		if err != nil {
			return errors.NewInvalidParameterError("value", "balance resolutions must be integer minor units")
		}
		account.MiningBalance.Pending = v
	case FieldBridgeVolume:
		chain, raw, ok := ParseChainValue(resolvedValue)
		if !ok {
			return errors.NewInvalidParameterError("value", "bridge volume resolutions must be chain:amount")
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.NewInvalidParameterError("value", "bridge volume resolutions must be integer minor units")
		}
		if account.BridgeVolumeTotals == nil {
			account.BridgeVolumeTotals = make(map[types.ChainID]int64)
		}
		account.BridgeVolumeTotals[chain] = v
	default:
		// Unknown fields still resolve the conflict but change nothing
		return nil
	}

	return q.accounts.Update(ctx, account)
}

// refreshQualityScore recomputes the account health score from the remaining
// open conflicts. It returns to 100 only when every conflict is resolved.
func (q *ConflictQueue) refreshQualityScore(ctx context.Context, recordID string, recordType types.RecordType) error {
	if recordType != types.RecordTypeAccount {
		return nil
	}

	open, err := q.conflicts.CountOpenByRecord(ctx, recordID)
	if err != nil {
		return err
	}

	account, err := q.accounts.GetByID(ctx, recordID)
	if err != nil {
		return err
	}
	account.Sync.ConflictCount = open
	account.Sync.QualityScore = qualityScore(open)
	return q.accounts.Update(ctx, account)
}

func (q *ConflictQueue) publishConflict(ctx context.Context, subject string, conflict *models.ConflictRecord) {
	event := events.ConflictEvent{
		ConflictID: conflict.ID,
		RecordID:   conflict.RecordID,
		Field:      conflict.Field,
		Impact:     conflict.Impact,
		Resolution: conflict.Resolution,
		At:         time.Now(),
	}
	if err := q.publisher.Publish(ctx, subject, event); err != nil {
		q.logger.WithError(err).Warn("failed to publish conflict event")
	}
}
