// Package store defines the transactional record store the exchange core
// reads and writes through, with in-memory and gorm implementations.
//
// Writes are staged on a Tx and applied all together on Commit. Reads on a
// Tx observe its own staged writes. Every value returned is a copy owned by
// the caller.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
)

// ErrTxDone is returned when a Tx is used after Commit or Rollback.
var ErrTxDone = errors.Unavailable.Explain("transaction already finished")

// Reader is the read side shared by Store and Tx.
type Reader interface {
	Pair(ctx context.Context, symbol string) (*models.TradingPair, error)
	Currency(ctx context.Context, symbol string) (*models.Currency, error)
	Order(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// Balance returns errors.NotFound when the user never held currency.
	Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.Balance, error)
	Withdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	// ActiveFeeConfig returns the newest active unscoped config for feeType.
	ActiveFeeConfig(ctx context.Context, feeType models.FeeType) (*models.FeeConfig, error)
}

// Tx is a unit of work.
type Tx interface {
	Reader

	SavePair(p *models.TradingPair)
	SaveCurrency(c *models.Currency)
	SaveOrder(o *models.Order)
	SaveBalance(b *models.Balance)
	SaveWithdrawal(w *models.WithdrawalRequest)
	SaveFeeConfig(f *models.FeeConfig)
	InsertTrade(t *models.Trade)

	// Commit validates every staged balance and applies all writes
	// atomically. A balance that breaks its invariants fails the commit
	// with errors.BalanceInvariantViolation and nothing is applied.
	Commit(ctx context.Context) error
	// Rollback discards staged writes. It is safe after Commit.
	Rollback()
}

// Store is the durable record store.
type Store interface {
	Reader

	Begin(ctx context.Context) (Tx, error)

	Pairs(ctx context.Context) ([]*models.TradingPair, error)
	// OpenOrders returns the pair's open, partially filled and pending
	// orders in arrival order.
	OpenOrders(ctx context.Context, pair string) ([]*models.Order, error)
	// UserOrders returns the user's non-terminal orders, optionally on pair.
	UserOrders(ctx context.Context, userID uuid.UUID, pair string) ([]*models.Order, error)
	// Trades returns the newest trades on pair first.
	Trades(ctx context.Context, pair string, limit int) ([]*models.Trade, error)
	Balances(ctx context.Context, userID uuid.UUID) ([]*models.Balance, error)
	MaxOrderSeq(ctx context.Context) (uint64, error)

	Close() error
}

// Update runs fn inside a unit of work and commits it when fn succeeds.
func Update(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(what string, key any) error {
	return errors.NotFound.Explain("%s %v not found", what, key)
}
