// Package wallet runs the withdrawal lifecycle on top of the ledger: funds
// are locked on request, released on reject or cancel and debited for good
// on completion.
package wallet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Config for the withdrawal service
type Config struct {
	// FeeAccount is credited with withdrawal fees on completion.
	FeeAccount  uuid.UUID
	LockTimeout time.Duration
	Risk        RiskConfig
}

// WithdrawalInput is a withdrawal request from an authenticated user
type WithdrawalInput struct {
	UserID            uuid.UUID
	Currency          string
	Amount            money.Amount
	ToAddress         string
	Memo              string
	TwoFactorVerified bool
}

// Service manages withdrawal requests
type Service struct {
	config Config
	store  store.Store
	ledger *ledger.Ledger
	gate   *RiskGate
	chain  Chain
	bus    events.EventBus
	logger *zap.Logger
	now    func() time.Time
}

func NewService(config Config, l *ledger.Ledger, chain Chain, bus events.EventBus, logger *zap.Logger) *Service {
	if config.LockTimeout <= 0 {
		config.LockTimeout = 2 * time.Second
	}
	if len(config.Risk.Tiers) == 0 && config.Risk.DefaultDelay == 0 {
		config.Risk = DefaultRiskConfig()
	}
	return &Service{
		config: config,
		store:  l.Store(),
		ledger: l,
		gate:   NewRiskGate(config.Risk),
		chain:  chain,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Gate returns the risk gate in use.
func (s *Service) Gate() *RiskGate { return s.gate }

// Request validates in, locks the amount and records a pending request with
// its review requirements.
func (s *Service) Request(ctx context.Context, in WithdrawalInput) (*models.WithdrawalRequest, error) {
	cur, err := s.store.Currency(ctx, in.Currency)
	if err != nil {
		return nil, err
	}
	if err := validate(in, cur); err != nil {
		return nil, err
	}

	now := s.now()
	w := &models.WithdrawalRequest{
		ID:                uuid.New(),
		UserID:            in.UserID,
		Currency:          cur.Symbol,
		Amount:            in.Amount,
		Fee:               cur.WithdrawalFee,
		NetAmount:         in.Amount - cur.WithdrawalFee,
		ToAddress:         in.ToAddress,
		Memo:              in.Memo,
		Status:            models.WithdrawalPending,
		TwoFactorVerified: in.TwoFactorVerified,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var verdict Assessment
	err = s.withLocks(ctx, []ledger.Key{{UserID: w.UserID, Currency: w.Currency}}, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.ledger.Lock(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
			return err
		}
		verdict = s.gate.Assess(w.Amount, now)
		w.RequiresManualApproval = verdict.RequiresManualApproval
		w.CanProcessAfter = verdict.CanProcessAfter
		tx.SaveWithdrawal(w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WithdrawalsRequested.WithLabelValues(w.Currency, verdict.Tier).Inc()
	s.logger.Info("withdrawal requested",
		zap.Stringer("withdrawal_id", w.ID),
		zap.String("currency", w.Currency),
		zap.Stringer("amount", w.Amount),
		zap.String("tier", verdict.Tier),
		zap.Bool("requires_manual_approval", w.RequiresManualApproval),
		zap.Time("can_process_after", w.CanProcessAfter))
	s.publish(ctx, w)
	return w, nil
}

func validate(in WithdrawalInput, cur *models.Currency) error {
	if !cur.Active {
		return errors.Invalid.Explain("currency %s is not active", cur.Symbol)
	}
	e := errors.Invalid.Explain("invalid withdrawal")
	bad := false
	field := func(name, msg string) {
		e = e.WithField(errors.KindInvalid, name, msg)
		bad = true
	}
	if in.UserID == uuid.Nil {
		field("user_id", "required")
	}
	if in.ToAddress == "" {
		field("to_address", "required")
	}
	switch {
	case in.Amount <= 0:
		field("amount", "must be positive")
	case !in.Amount.FitsPrecision(cur.Precision):
		field("amount", "too many decimal places")
	case in.Amount < cur.MinWithdrawal:
		field("amount", "below minimum withdrawal "+cur.MinWithdrawal.String())
	case in.Amount <= cur.WithdrawalFee:
		field("amount", "does not cover withdrawal fee "+cur.WithdrawalFee.String())
	}
	if !in.TwoFactorVerified {
		field("two_factor_verified", "two-factor verification required")
	}
	if bad {
		return e
	}
	return nil
}

// Approve marks a pending request that needs review as approved.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, reviewer string) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		if err := checkReviewer(w, reviewer); err != nil {
			return err
		}
		if w.Status != models.WithdrawalPending || !w.RequiresManualApproval {
			return errors.InvalidOrderState.Explain("withdrawal %s is %s and cannot be approved", w.ID, w.Status)
		}
		now := s.now()
		w.Status = models.WithdrawalApproved
		w.ReviewedBy = reviewer
		w.ReviewedAt = &now
		return nil
	})
}

// Reject refuses a pending request and releases its funds.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reviewer, reason string) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		if err := checkReviewer(w, reviewer); err != nil {
			return err
		}
		if w.Status != models.WithdrawalPending {
			return errors.InvalidOrderState.Explain("withdrawal %s is %s and cannot be rejected", w.ID, w.Status)
		}
		if _, err := s.ledger.Unlock(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
			return err
		}
		now := s.now()
		w.Status = models.WithdrawalRejected
		w.ReviewedBy = reviewer
		w.ReviewedAt = &now
		w.RejectionReason = reason
		return nil
	})
}

// checkReviewer refuses reviews by the requesting user, or with no reviewer.
func checkReviewer(w *models.WithdrawalRequest, reviewer string) error {
	if reviewer == "" || reviewer == uuid.Nil.String() {
		return errors.Forbidden.Explain("withdrawal %s needs a reviewer", w.ID)
	}
	if reviewer == w.UserID.String() {
		return errors.Forbidden.Explain("withdrawal %s cannot be reviewed by its owner", w.ID)
	}
	return nil
}

// Cancel withdraws the user's own pending request and releases its funds.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		if w.UserID != userID {
			return errors.NotFound.Explain("withdrawal %s not found", id)
		}
		if w.Status != models.WithdrawalPending {
			return errors.InvalidOrderState.Explain("withdrawal %s is %s and cannot be cancelled", w.ID, w.Status)
		}
		if _, err := s.ledger.Unlock(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
			return err
		}
		w.Status = models.WithdrawalCancelled
		return nil
	})
}

// StartProcessing moves a request whose delay has elapsed at now, and which is
// approved or needs no approval, to processing and hands it to the chain.
// The chain call happens outside any balance lock; if it fails the request
// returns to its previous status.
func (s *Service) StartProcessing(ctx context.Context, id uuid.UUID, now time.Time) (*models.WithdrawalRequest, error) {
	var prev models.WithdrawalStatus
	w, err := s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		ready := w.Status == models.WithdrawalApproved ||
			(w.Status == models.WithdrawalPending && !w.RequiresManualApproval)
		if !ready {
			return errors.InvalidOrderState.Explain("withdrawal %s is %s and cannot be processed", w.ID, w.Status)
		}
		if now.Before(w.CanProcessAfter) {
			return errors.InvalidOrderState.Explain("withdrawal %s cannot be processed before %s", w.ID, w.CanProcessAfter.Format(time.RFC3339))
		}
		prev = w.Status
		w.Status = models.WithdrawalProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}

	hash, sendErr := s.chain.Send(ctx, w)
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		if w.Status != models.WithdrawalProcessing {
			return errors.InvalidOrderState.Explain("withdrawal %s changed to %s while sending", w.ID, w.Status)
		}
		if sendErr != nil {
			s.logger.Error("withdrawal broadcast failed", zap.Stringer("withdrawal_id", w.ID), zap.Error(sendErr))
			w.Status = prev
			return nil
		}
		w.TxHash = hash
		return nil
	})
}

// Complete finalizes a processing request: its amount leaves the user's
// locked funds and the fee is credited to the fee account.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error {
		if w.Status != models.WithdrawalProcessing {
			return errors.InvalidOrderState.Explain("withdrawal %s is %s and cannot be completed", w.ID, w.Status)
		}
		if _, err := s.ledger.DebitLocked(ctx, tx, w.UserID, w.Currency, w.Amount); err != nil {
			return err
		}
		if s.config.FeeAccount != uuid.Nil && w.Fee > 0 {
			if _, err := s.ledger.Credit(ctx, tx, s.config.FeeAccount, w.Currency, w.Fee); err != nil {
				return err
			}
		}
		now := s.now()
		w.Status = models.WithdrawalCompleted
		w.CompletedAt = &now
		return nil
	})
}

// Get returns the user's withdrawal request.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*models.WithdrawalRequest, error) {
	w, err := s.store.Withdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, errors.NotFound.Explain("withdrawal %s not found", id)
	}
	return w, nil
}

// transition loads the request, holds its balance lock (and the fee
// account's) while fn mutates it, and persists the result.
func (s *Service) transition(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx store.Tx, w *models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	w, err := s.store.Withdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []ledger.Key{{UserID: w.UserID, Currency: w.Currency}}
	if s.config.FeeAccount != uuid.Nil {
		keys = append(keys, ledger.Key{UserID: s.config.FeeAccount, Currency: w.Currency})
	}
	var out *models.WithdrawalRequest
	err = s.withLocks(ctx, keys, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, cur); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		tx.SaveWithdrawal(cur)
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal updated", zap.Stringer("withdrawal_id", out.ID), zap.String("status", string(out.Status)))
	s.publish(ctx, out)
	return out, nil
}

func (s *Service) withLocks(ctx context.Context, keys []ledger.Key, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()
	return s.ledger.WithLocks(ctx, keys, func(tx store.Tx) error { return fn(ctx, tx) })
}

func (s *Service) publish(ctx context.Context, w *models.WithdrawalRequest) {
	if s.bus != nil {
		s.bus.Publish(ctx, events.WithdrawalUpdated(w))
	}
}
