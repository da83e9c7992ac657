package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/internal/trading/fee"
	"github.com/Aidin1998/pincex_spot/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// process runs one submitted order to completion on its pair's worker, then
// matches every stop the new last price releases.
func (e *Engine) process(ctx context.Context, ob *orderbook.OrderBook, o *models.Order) (*Result, error) {
	// The book may have picked the order up from the store while loading.
	ob.Remove(o.ID)

	pair, err := e.store.Pair(ctx, o.Pair)
	if err != nil {
		return nil, err
	}

	if o.Type == models.OrderTypeStopLimit {
		if !orderbook.Triggered(o, pair.LastPrice) {
			if err := e.hold(ctx, ob, o); err != nil {
				return nil, err
			}
			return &Result{Order: o, Trades: []*models.Trade{}}, nil
		}
		o.Type = models.OrderTypeLimit
	}

	res := e.execute(ctx, ob, pair, o)
	e.releaseStops(ctx, ob, pair)
	return res, nil
}

func (e *Engine) hold(ctx context.Context, ob *orderbook.OrderBook, o *models.Order) error {
	o.Status = models.OrderStatusPending
	o.UpdatedAt = e.now()
	err := store.Update(ctx, e.store, func(tx store.Tx) error {
		tx.SaveOrder(o)
		return nil
	})
	if err != nil {
		return err
	}
	if err := ob.AddStop(o); err != nil {
		return err
	}
	e.publish(ctx, events.OrderChanged(events.TypeOrderAccepted, o))
	return nil
}

func (e *Engine) releaseStops(ctx context.Context, ob *orderbook.OrderBook, pair *models.TradingPair) {
	for {
		fired := ob.TriggeredStops(pair.LastPrice)
		if len(fired) == 0 {
			return
		}
		for _, s := range fired {
			s.Type = models.OrderTypeLimit
			s.Status = models.OrderStatusOpen
			s.UpdatedAt = e.now()
			e.logger.Info("stop order triggered",
				zap.Stringer("order_id", s.ID),
				zap.Stringer("stop_price", s.StopPrice),
				zap.Stringer("last_price", pair.LastPrice))
			e.publish(ctx, events.OrderChanged(events.TypeOrderTriggered, s))
			e.execute(ctx, ob, pair, s)
		}
	}
}

func crosses(taker, maker *models.Order) bool {
	if !taker.HasPrice() {
		return true
	}
	if taker.Side == models.OrderSideBuy {
		return maker.Price <= taker.Price
	}
	return maker.Price >= taker.Price
}

// execute walks the opposite side in priority order until taker is filled
// or no resting order crosses. A maker whose trade fails is skipped.
func (e *Engine) execute(ctx context.Context, ob *orderbook.OrderBook, pair *models.TradingPair, taker *models.Order) *Result {
	if taker.Status == models.OrderStatusPending {
		taker.Status = models.OrderStatusOpen
	}
	res := &Result{Order: taker, Trades: []*models.Trade{}}

	var cursor *models.Order
	for taker.RemainingAmount > 0 {
		maker, ok := ob.Next(taker.Side.Opposite(), cursor)
		if !ok || !crosses(taker, maker) {
			break
		}
		cursor = maker

		trade, err := e.fill(ctx, ob, pair, taker, maker)
		if err != nil {
			metrics.TradeFailures.WithLabelValues(pair.Symbol, errors.KindOf(err)).Inc()
			e.logger.Warn("trade execution failed, skipping maker",
				zap.String("pair", pair.Symbol),
				zap.Stringer("taker_order_id", taker.ID),
				zap.Stringer("maker_order_id", maker.ID),
				zap.Error(errors.TradeExecutionFailed.Wrap(err)))
			if takerExhausted(err, taker, pair) {
				break
			}
			continue
		}
		res.Trades = append(res.Trades, trade)
	}

	e.finish(ctx, ob, pair, taker)
	return res
}

// takerExhausted reports whether err means the taker itself can pay for no
// further trades.
func takerExhausted(err error, taker *models.Order, pair *models.TradingPair) bool {
	var short *ledger.ShortfallError
	if !errors.As(err, &short) {
		return false
	}
	return short.Key == ledger.Key{UserID: taker.UserID, Currency: taker.ReserveCurrency(pair)}
}

// fill executes one trade between taker and maker in its own unit of work.
// taker, maker's book entry and pair are updated only when it commits.
func (e *Engine) fill(ctx context.Context, ob *orderbook.OrderBook, pair *models.TradingPair, taker, maker *models.Order) (*models.Trade, error) {
	ctx, span := e.tracer.Start(ctx, "engine.fill", trace.WithAttributes(
		attribute.String("pair", pair.Symbol),
		attribute.String("maker_order_id", maker.ID.String())))
	defer span.End()

	now := e.now()
	t, m, p := taker.Clone(), maker.Clone(), *pair

	qty := money.Min(t.RemainingAmount, m.RemainingAmount)
	price := m.Price
	total, err := money.Mul(qty, price)
	if err != nil {
		return nil, errors.Overflow.Explain("trade total %s x %s", qty, price).Wrap(err)
	}
	if total <= 0 {
		return nil, errors.TradeExecutionFailed.Explain("trade of %s at %s has no quote value", qty, price)
	}

	buyer, seller := t, m
	buyerRole, sellerRole := fee.RoleTaker, fee.RoleMaker
	if t.Side == models.OrderSideSell {
		buyer, seller = m, t
		buyerRole, sellerRole = fee.RoleMaker, fee.RoleTaker
	}

	s := ledger.Settlement{
		Buyer:       buyer.UserID,
		Seller:      seller.UserID,
		Base:        p.BaseCurrency,
		Quote:       p.QuoteCurrency,
		BaseAmount:  qty,
		QuoteAmount: total,
		FeeAccount:  e.config.FeeAccount,
		Earmarked:   true,
		BuyerHeld:   buyer.Reserved,
		SellerHeld:  seller.Reserved,
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
	release, err := e.ledger.Locks().Acquire(lockCtx, s.Keys()...)
	cancel()
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	buyerRate, err := e.fees.Rate(ctx, tx, &p, buyerRole)
	if err != nil {
		return nil, err
	}
	sellerRate, err := e.fees.Rate(ctx, tx, &p, sellerRole)
	if err != nil {
		return nil, err
	}
	if s.BuyerFee, err = fee.Charge(qty, buyerRate); err != nil {
		return nil, err
	}
	if s.SellerFee, err = fee.Charge(total, sellerRate); err != nil {
		return nil, err
	}

	if err := e.ledger.Settle(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := applyFill(buyer, qty, price, total, s.BuyerFee, now); err != nil {
		return nil, err
	}
	if err := applyFill(seller, qty, price, qty, s.SellerFee, now); err != nil {
		return nil, err
	}

	// A buy taker pays the maker's price; the rest of its limit is freed.
	if buyer == t && t.HasPrice() && price < t.Price {
		surplus, err := money.Mul(qty, t.Price-price)
		if err != nil {
			return nil, errors.Overflow.Wrap(err)
		}
		if surplus = money.Min(surplus, t.Reserved); surplus > 0 {
			released, err := e.ledger.Unlock(ctx, tx, t.UserID, p.QuoteCurrency, surplus)
			if err != nil {
				return nil, err
			}
			t.Reserved -= released
		}
	}
	for _, o := range []*models.Order{t, m} {
		if err := e.releaseResidual(ctx, tx, o, &p); err != nil {
			return nil, err
		}
	}

	tick, err := e.market.Apply(&p, price, qty, now)
	if err != nil {
		return nil, err
	}

	trade := &models.Trade{
		ID:                uuid.New(),
		Pair:              p.Symbol,
		TakerOrderID:      t.ID,
		MakerOrderID:      m.ID,
		BuyerID:           buyer.UserID,
		SellerID:          seller.UserID,
		TakerSide:         t.Side,
		Price:             price,
		Amount:            qty,
		Total:             total,
		BuyerFee:          s.BuyerFee,
		SellerFee:         s.SellerFee,
		BuyerFeeCurrency:  p.BaseCurrency,
		SellerFeeCurrency: p.QuoteCurrency,
		CreatedAt:         now,
	}
	tx.SavePair(&p)
	tx.SaveOrder(t)
	tx.SaveOrder(m)
	tx.InsertTrade(trade)

	balances := touched(ctx, tx, s.Keys())
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	*taker = *t
	*pair = p
	if m.Resting() {
		err = ob.Update(m)
	} else {
		_, _ = ob.Remove(m.ID)
	}
	if err != nil {
		e.logger.Error("book out of step with committed maker", zap.Stringer("order_id", m.ID), zap.Error(err))
	}

	metrics.TradesExecuted.WithLabelValues(p.Symbol).Inc()
	evs := []events.Event{events.TradeExecuted(trade), events.OrderChanged(events.TypeOrderUpdated, m)}
	for _, b := range balances {
		evs = append(evs, events.BalanceChanged(b))
	}
	e.publish(ctx, evs...)
	e.market.Emit(ctx, tick)
	return trade, nil
}

// applyFill books a fill of qty at price on o. consumed is what the trade
// took from o's reservation.
func applyFill(o *models.Order, qty, price, consumed, fee money.Amount, now time.Time) error {
	avg, err := money.WeightedAverage(o.AvgFillPrice, o.FilledAmount, price, qty)
	if err != nil {
		return errors.Overflow.Explain("average fill price of order %s", o.ID).Wrap(err)
	}
	if o.Fee, err = money.Add(o.Fee, fee); err != nil {
		return errors.Overflow.Wrap(err)
	}
	o.AvgFillPrice = avg
	o.FilledAmount += qty
	o.RemainingAmount -= qty
	o.Reserved -= money.Min(o.Reserved, consumed)
	o.Finalize(now)
	return nil
}

// releaseResidual unlocks whatever a terminal order still reserves.
func (e *Engine) releaseResidual(ctx context.Context, tx store.Tx, o *models.Order, pair *models.TradingPair) error {
	if !o.Status.Terminal() || o.Reserved <= 0 {
		return nil
	}
	if _, err := e.ledger.Unlock(ctx, tx, o.UserID, o.ReserveCurrency(pair), o.Reserved); err != nil {
		return err
	}
	o.Reserved = 0
	return nil
}

func touched(ctx context.Context, r store.Reader, keys []ledger.Key) []*models.Balance {
	seen := make(map[ledger.Key]bool, len(keys))
	out := make([]*models.Balance, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if b, err := r.Balance(ctx, k.UserID, k.Currency); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// finish settles the taker once matching stops: a priced remainder rests in
// the book, a market remainder is discarded and its reservation released.
func (e *Engine) finish(ctx context.Context, ob *orderbook.OrderBook, pair *models.TradingPair, o *models.Order) {
	now := e.now()
	switch {
	case o.Status.Terminal():
		// Persisted with its last trade.
		e.publish(ctx, events.OrderChanged(events.TypeOrderUpdated, o))

	case o.HasPrice():
		evt := events.TypeOrderUpdated
		if o.FilledAmount == 0 {
			evt = events.TypeOrderAccepted
		}
		o.UpdatedAt = now
		err := store.Update(ctx, e.store, func(tx store.Tx) error {
			tx.SaveOrder(o)
			return nil
		})
		if err == nil {
			err = ob.AddOrder(o)
		}
		if err != nil {
			e.logger.Error("failed to rest order", zap.Stringer("order_id", o.ID), zap.Error(err))
			return
		}
		e.publish(ctx, events.OrderChanged(evt, o))

	default:
		o.Status = models.OrderStatusCancelled
		o.CancelledAt = &now
		o.UpdatedAt = now
		key := ledger.Key{UserID: o.UserID, Currency: o.ReserveCurrency(pair)}
		var bal *models.Balance
		lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
		defer cancel()
		err := e.ledger.WithLocks(lockCtx, []ledger.Key{key}, func(tx store.Tx) error {
			if err := e.releaseResidual(lockCtx, tx, o, pair); err != nil {
				return err
			}
			tx.SaveOrder(o)
			var err error
			bal, err = ledger.Load(lockCtx, tx, key.UserID, key.Currency)
			return err
		})
		if err != nil {
			e.logger.Error("failed to discard market order remainder",
				zap.Stringer("order_id", o.ID), zap.Stringer("remaining", o.RemainingAmount), zap.Error(err))
			return
		}
		e.publish(ctx, events.OrderChanged(events.TypeOrderCancelled, o), events.BalanceChanged(bal))
	}
}

func (e *Engine) publish(ctx context.Context, evs ...events.Event) {
	for _, ev := range evs {
		e.bus.Publish(ctx, ev)
	}
}
