package service

import (
	"context"
	"sync"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/errors"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/storage"
	"github.com/payout-reconciler/internal/types"
)

// PayoutStore is the payout persistence surface the service needs
type PayoutStore interface {
	Create(ctx context.Context, req *models.PayoutRequest) error
	GetByID(ctx context.Context, id string) (*models.PayoutRequest, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.PayoutRequest, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ConfirmKYC(ctx context.Context, id string, at time.Time) (bool, error)
	CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error)
}

// AccountReader is the account surface admission validation reads from
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*models.UnifiedAccount, error)
}

// VelocityGuard is the rolling-window cap enforcement surface
type VelocityGuard interface {
	TryAdmit(ctx context.Context, userID, requestID string, amount int64, now time.Time) (allowed bool, window string, totals storage.VelocityWindows, err error)
	Release(ctx context.Context, userID, requestID string, amount int64) error
	Caps() (hourly, daily int64)
}

// SubmitParams are the caller-supplied fields of a payout request
type SubmitParams struct {
	ID          string
	UserID      string
	Amount      int64
	TargetChain types.ChainID
	Priority    types.PayoutPriority
	Source      string
}

// PayoutService validates and admits payout requests, owns cancellation and
// the KYC hold, and serializes same-user admissions so concurrent requests
// cannot both pass the velocity check against a stale sum.
type PayoutService struct {
	payouts   PayoutStore
	accounts  AccountReader
	velocity  VelocityGuard
	fees      *FeeCalculator
	cfg       *config.PayoutConfig
	publisher events.Publisher
	logger    *logging.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewPayoutService creates the payout admission service
func NewPayoutService(payouts PayoutStore, accounts AccountReader, velocity VelocityGuard, fees *FeeCalculator, cfg *config.PayoutConfig, publisher events.Publisher, logger *logging.Logger) *PayoutService {
	return &PayoutService{
		payouts:   payouts,
		accounts:  accounts,
		velocity:  velocity,
		fees:      fees,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user admission mutex, creating it on first use
func (s *PayoutService) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Submit validates and admits a payout request. Validation short-circuits in
// a fixed order: limits, address, velocity, risk, KYC threshold. Resubmitting
// an existing id returns the stored request unchanged.
func (s *PayoutService) Submit(ctx context.Context, params SubmitParams) (*models.PayoutRequest, error) {
	if params.UserID == "" {
		return nil, errors.NewInvalidParameterError("userId", "user id is required")
	}
	if params.Amount <= 0 {
		return nil, errors.NewInvalidParameterError("amount", "amount must be positive")
	}
	if params.Priority == "" {
		params.Priority = types.PriorityNormal
	}
	if !types.ValidPriority(params.Priority) {
		return nil, errors.NewInvalidParameterError("priority", "unknown priority")
	}
	if !s.fees.Supported(params.TargetChain) {
		return nil, errors.NewUnsupportedChainError(params.TargetChain)
	}

	// Idempotency: the id is the caller's key, never reused
	if params.ID != "" {
		existing, err := s.payouts.GetByID(ctx, params.ID)
		if err == nil {
			return existing, nil
		}
		if !stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewDatabaseError("get payout", err)
		}
	} else {
		params.ID = uuid.New().String()
	}

	if params.Amount < s.cfg.MinimumPayout {
		s.rejected("BELOW_MINIMUM")
		return nil, errors.NewBelowMinimumError(params.Amount, s.cfg.MinimumPayout)
	}
	if params.Amount > s.cfg.MaximumPayout {
		s.rejected("ABOVE_MAXIMUM")
		return nil, errors.NewAboveMaximumError(params.Amount, s.cfg.MaximumPayout)
	}

	account, err := s.accounts.GetByID(ctx, params.UserID)
	if err != nil {
		// Only a genuinely missing account is an admission failure; a
		// store outage must not be reported as a permanent 4xx
		if !stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewDatabaseError("get account", err)
		}
		s.rejected("NO_ADDRESS_CONFIGURED")
		return nil, errors.NewNoAddressConfiguredError(params.UserID, params.TargetChain)
	}
	address, ok := account.AddressFor(params.TargetChain)
	if !ok {
		s.rejected("NO_ADDRESS_CONFIGURED")
		return nil, errors.NewNoAddressConfiguredError(params.UserID, params.TargetChain)
	}

	// Same-user admissions serialize here so the velocity read and the
	// insert happen against a consistent window
	lock := s.userLock(params.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	allowed, window, totals, err := s.velocity.TryAdmit(ctx, params.UserID, params.ID, params.Amount, now)
	if err != nil {
		return nil, errors.NewCacheError("velocity check", err)
	}
	if !allowed {
		s.rejected("VELOCITY_EXCEEDED")
		hourly, daily := s.velocity.Caps()
		if window == "hourly" {
			return nil, errors.NewVelocityExceededError(window, params.Amount, totals.HourTotal, hourly)
		}
		return nil, errors.NewVelocityExceededError(window, params.Amount, totals.DayTotal, daily)
	}

	req := &models.PayoutRequest{
		ID:            params.ID,
		UserID:        params.UserID,
		Amount:        params.Amount,
		TargetChain:   params.TargetChain,
		TargetAddress: address,
		Priority:      params.Priority,
		Status:        types.PayoutStatusPending,
		Source:        params.Source,
		Bridged:       params.TargetChain != types.ChainNative && account.Preferences.AutoBridgeEnabled,
		Risk:          s.assessRisk(params.Amount, account, now),
	}

	fees, err := s.fees.Compute(params.Amount, params.TargetChain, req.NeedsBridge())
	if err != nil {
		s.releaseVelocity(ctx, params)
		return nil, err
	}
	req.Fees = fees

	if err := s.payouts.Create(ctx, req); err != nil {
		s.releaseVelocity(ctx, params)
		return nil, errors.NewDatabaseError("create payout", err)
	}

	metrics.PayoutsAdmitted.WithLabelValues(string(req.TargetChain)).Inc()
	s.publishPayout(ctx, events.SubjectPayoutCreated, req, "")

	return req, nil
}

// Get returns a payout request with its transaction history
func (s *PayoutService) Get(ctx context.Context, id string) (*models.PayoutRequest, error) {
	req, err := s.payouts.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("payout", id)
		}
		return nil, errors.NewDatabaseError("get payout", err)
	}
	return req, nil
}

// ListByUser returns a user's payout requests
func (s *PayoutService) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.PayoutRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.payouts.ListByUser(ctx, userID, limit, offset)
}

// Cancel cancels a request while it is still pending. Once a transaction is
// in flight the cancel is rejected; the conditional update in the store makes
// cancel-versus-dispatch a race exactly one side wins.
func (s *PayoutService) Cancel(ctx context.Context, id string) error {
	cancelled, err := s.payouts.Cancel(ctx, id)
	if err != nil {
		return errors.NewDatabaseError("cancel payout", err)
	}
	if cancelled {
		req, err := s.payouts.GetByID(ctx, id)
		if err == nil {
			// A cancelled request no longer counts toward velocity caps
			if err := s.velocity.Release(ctx, req.UserID, req.ID, req.Amount); err != nil {
				s.logger.WithError(err).Warn("failed to release velocity budget after cancel")
			}
			s.publishPayout(ctx, events.SubjectPayoutCancelled, req, "")
		}
		return nil
	}

	req, err := s.payouts.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NewNotFoundError("payout", id)
		}
		return errors.NewDatabaseError("get payout", err)
	}
	return errors.NewInvalidStateError(id, req.Status, "cancel")
}

// ConfirmKYC releases a KYC-held request for scheduling
func (s *PayoutService) ConfirmKYC(ctx context.Context, id string) error {
	confirmed, err := s.payouts.ConfirmKYC(ctx, id, time.Now())
	if err != nil {
		return errors.NewDatabaseError("confirm kyc", err)
	}
	if confirmed {
		return nil
	}

	req, err := s.payouts.GetByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NewNotFoundError("payout", id)
		}
		return errors.NewDatabaseError("get payout", err)
	}
	return errors.NewInvalidStateError(id, req.Status, "confirm kyc")
}

// CountByStatus returns queue depth per status, for stats and dashboards
func (s *PayoutService) CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error) {
	return s.payouts.CountByStatus(ctx)
}

// assessRisk scores a request 0-10. Larger amounts score higher; accounts
// younger than seven days add a new-user penalty. Scores of 8 and above are
// flagged, and amounts over the KYC threshold hold the request until an
// external KYC confirmation arrives.
func (s *PayoutService) assessRisk(amount int64, account *models.UnifiedAccount, now time.Time) models.RiskAssessment {
	score := 1
	switch {
	case amount >= s.cfg.MaximumPayout/2:
		score = 7
	case amount >= s.cfg.KYCThreshold:
		score = 5
	case amount >= s.cfg.KYCThreshold/10:
		score = 3
	}

	if account == nil || now.Sub(account.CreatedAt) < 7*24*time.Hour {
		score += 3
	}
	if score > 10 {
		score = 10
	}

	return models.RiskAssessment{
		Score:       score,
		KYCRequired: amount > s.cfg.KYCThreshold,
		Flagged:     score >= 8,
	}
}

func (s *PayoutService) releaseVelocity(ctx context.Context, params SubmitParams) {
	if err := s.velocity.Release(ctx, params.UserID, params.ID, params.Amount); err != nil {
		s.logger.WithError(err).Warn("failed to release velocity budget after rejected admission")
	}
}

func (s *PayoutService) rejected(reason string) {
	metrics.PayoutsRejected.WithLabelValues(reason).Inc()
}

func (s *PayoutService) publishPayout(ctx context.Context, subject string, req *models.PayoutRequest, reason string) {
	event := events.PayoutEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Chain:     req.TargetChain,
		Status:    req.Status,
		Reason:    reason,
		At:        time.Now(),
	}
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish payout event")
	}
}
