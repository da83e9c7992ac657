// Package ledger owns every mutation of user balances.
//
// Methods taking a store.Tx stage their writes on it and expect the caller to
// hold the Locker keys for the balances involved. The *Funds methods and
// Deposit acquire their own key and unit of work.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// ShortfallError reports that a balance could not cover a settlement debit
// from either bucket. It matches errors.BalanceInvariantViolation.
type ShortfallError struct {
	Key  Key
	Owed money.Amount
	Held money.Amount
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("balance %s owes %s but holds %s", e.Key, e.Owed, e.Held)
}

func (e *ShortfallError) Unwrap() error {
	return errors.BalanceInvariantViolation.Explain("settlement shortfall on %s", e.Key)
}

// Ledger applies balance changes under the store's unit of work.
type Ledger struct {
	store  store.Store
	locks  *Locker
	logger *zap.Logger
}

func New(st store.Store, locks *Locker, logger *zap.Logger) *Ledger {
	return &Ledger{store: st, locks: locks, logger: logger}
}

func (l *Ledger) Locks() *Locker { return l.locks }

func (l *Ledger) Store() store.Store { return l.store }

// WithLocks holds keys while fn runs inside a unit of work that is
// committed when fn succeeds.
func (l *Ledger) WithLocks(ctx context.Context, keys []Key, fn func(tx store.Tx) error) error {
	release, err := l.locks.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer release()
	return store.Update(ctx, l.store, fn)
}

// Load returns the balance or a fresh zero balance if none exists yet.
func Load(ctx context.Context, r store.Reader, userID uuid.UUID, currency string) (*models.Balance, error) {
	b, err := r.Balance(ctx, userID, currency)
	if errors.Is(err, errors.NotFound) {
		return models.NewBalance(userID, currency), nil
	}
	return b, err
}

func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.Balance, error) {
	return Load(ctx, l.store, userID, currency)
}

func save(tx store.Tx, b *models.Balance) error {
	if err := b.Recompute(); err != nil {
		return err
	}
	if err := b.Check(); err != nil {
		return err
	}
	tx.SaveBalance(b)
	return nil
}

func add(a, b money.Amount) (money.Amount, error) {
	v, err := money.Add(a, b)
	if err != nil {
		return 0, errors.Overflow.Wrap(err)
	}
	return v, nil
}

// Lock moves amount from available to locked. It fails with
// InsufficientFunds, leaving the balance untouched, if available is short.
func (l *Ledger) Lock(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount money.Amount) (*models.Balance, error) {
	if amount <= 0 {
		return nil, errors.Invalid.Explain("lock amount must be positive, got %s", amount)
	}
	b, err := Load(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}
	if b.Available < amount {
		return nil, errors.InsufficientFunds.Explain("%s available %s, need %s", currency, b.Available, amount)
	}
	b.Available -= amount
	if b.Locked, err = add(b.Locked, amount); err != nil {
		return nil, err
	}
	if err := save(tx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Unlock moves up to amount from locked back to available and returns what
// was actually released. A request above the locked balance is clamped,
// logged and counted.
func (l *Ledger) Unlock(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount money.Amount) (money.Amount, error) {
	if amount <= 0 {
		return 0, nil
	}
	b, err := Load(ctx, tx, userID, currency)
	if err != nil {
		return 0, err
	}
	release := money.Min(amount, b.Locked)
	if release < amount {
		metrics.UnlockClamped.WithLabelValues(currency).Inc()
		l.logger.Warn("unlock exceeds locked balance, clamping",
			zap.Stringer("user_id", userID),
			zap.String("currency", currency),
			zap.Stringer("requested", amount),
			zap.Stringer("locked", b.Locked))
	}
	if release == 0 {
		return 0, nil
	}
	b.Locked -= release
	b.Available += release
	if err := save(tx, b); err != nil {
		return 0, err
	}
	return release, nil
}

// Credit adds amount to available.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount money.Amount) (*models.Balance, error) {
	if amount < 0 {
		return nil, errors.Invalid.Explain("credit amount must not be negative, got %s", amount)
	}
	b, err := Load(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}
	if b.Available, err = add(b.Available, amount); err != nil {
		return nil, err
	}
	if err := save(tx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DebitLocked removes amount from locked funds for good. Unlike Unlock it
// never clamps: a locked balance below amount is a BalanceInvariantViolation.
func (l *Ledger) DebitLocked(ctx context.Context, tx store.Tx, userID uuid.UUID, currency string, amount money.Amount) (*models.Balance, error) {
	b, err := Load(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}
	if amount < 0 || b.Locked < amount {
		l.logger.Error("locked balance cannot cover debit",
			zap.Stringer("user_id", userID),
			zap.String("currency", currency),
			zap.Stringer("amount", amount),
			zap.Stringer("locked", b.Locked))
		return nil, errors.BalanceInvariantViolation.Explain("%s locked %s, debit %s", currency, b.Locked, amount)
	}
	b.Locked -= amount
	if err := save(tx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Deposit credits amount to the user in its own unit of work.
func (l *Ledger) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount money.Amount) (*models.Balance, error) {
	if amount <= 0 {
		return nil, errors.Invalid.Explain("deposit amount must be positive, got %s", amount)
	}
	var out *models.Balance
	err := l.WithLocks(ctx, []Key{{userID, currency}}, func(tx store.Tx) error {
		b, err := l.Credit(ctx, tx, userID, currency, amount)
		out = b
		return err
	})
	return out, err
}

// LockFunds is Lock in its own unit of work.
func (l *Ledger) LockFunds(ctx context.Context, userID uuid.UUID, currency string, amount money.Amount) (*models.Balance, error) {
	var out *models.Balance
	err := l.WithLocks(ctx, []Key{{userID, currency}}, func(tx store.Tx) error {
		b, err := l.Lock(ctx, tx, userID, currency, amount)
		out = b
		return err
	})
	return out, err
}

// UnlockFunds is Unlock in its own unit of work.
func (l *Ledger) UnlockFunds(ctx context.Context, userID uuid.UUID, currency string, amount money.Amount) (money.Amount, error) {
	var released money.Amount
	err := l.WithLocks(ctx, []Key{{userID, currency}}, func(tx store.Tx) error {
		r, err := l.Unlock(ctx, tx, userID, currency, amount)
		released = r
		return err
	})
	return released, err
}
