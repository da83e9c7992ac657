package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

func (e *Engine) terminate(ctx context.Context, userID, orderID uuid.UUID, status models.OrderStatus) (*models.Order, error) {
	o, err := e.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != uuid.Nil && o.UserID != userID {
		return nil, errors.NotFound.Explain("order %s not found", orderID)
	}
	var out *models.Order
	err = e.dispatch(ctx, o.Pair, func(ctx context.Context, ob *orderbook.OrderBook) error {
		var err error
		out, err = e.close(ctx, ob, orderID, status)
		return err
	})
	return out, err
}

// close ends a cancellable order on its pair's worker. It unlocks
// min(remaining x reference price, locked) for buys, with the limit price as
// reference or the last trade price when there is none, and
// min(remaining, locked) for sells. Whatever the order still reserves after
// that is released too.
func (e *Engine) close(ctx context.Context, ob *orderbook.OrderBook, id uuid.UUID, status models.OrderStatus) (*models.Order, error) {
	// The store is authoritative here: a match that raced the cancel has
	// already committed on this worker.
	o, err := e.store.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Cancellable() {
		return nil, errors.InvalidOrderState.Explain("order %s is %s", id, o.Status)
	}
	pair, err := e.store.Pair(ctx, o.Pair)
	if err != nil {
		return nil, err
	}

	amount := o.RemainingAmount
	if o.Side == models.OrderSideBuy {
		ref := o.Price
		if ref <= 0 {
			ref = pair.LastPrice
		}
		if amount, err = money.Mul(o.RemainingAmount, ref); err != nil {
			return nil, errors.Overflow.Explain("unlock amount of order %s", id).Wrap(err)
		}
	}

	now := e.now()
	key := ledger.Key{UserID: o.UserID, Currency: o.ReserveCurrency(pair)}
	var bal *models.Balance
	lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
	defer cancel()
	err = e.ledger.WithLocks(lockCtx, []ledger.Key{key}, func(tx store.Tx) error {
		released, err := e.ledger.Unlock(lockCtx, tx, key.UserID, key.Currency, amount)
		if err != nil {
			return err
		}
		o.Reserved -= money.Min(o.Reserved, released)
		o.Status = status
		o.UpdatedAt = now
		if status == models.OrderStatusCancelled {
			o.CancelledAt = &now
		}
		// Truncation dust, or a market buy priced off an empty last price.
		if err := e.releaseResidual(lockCtx, tx, o, pair); err != nil {
			return err
		}
		tx.SaveOrder(o)
		bal, err = ledger.Load(lockCtx, tx, key.UserID, key.Currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	ob.Remove(id)

	evt := events.TypeOrderCancelled
	if status == models.OrderStatusExpired {
		evt = events.TypeOrderExpired
	}
	e.logger.Info("order closed",
		zap.Stringer("order_id", id),
		zap.String("status", string(status)),
		zap.Stringer("requested_unlock", amount))
	e.publish(ctx, events.OrderChanged(evt, o), events.BalanceChanged(bal))
	return o, nil
}
