// Package trading is the order intake front of the matching engine: it
// validates requests, reserves funds and hands orders to the engine.
package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/engine"
	"github.com/Aidin1998/pincex_spot/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Config tunes order intake
type Config struct {
	// MarketBuyBuffer multiplies the estimated cost of a market buy.
	MarketBuyBuffer money.Amount
}

func DefaultConfig() Config {
	return Config{MarketBuyBuffer: money.MustParse("1.01")}
}

// PlaceOrderRequest is a new order from an authenticated user
type PlaceOrderRequest struct {
	UserID        uuid.UUID
	Pair          string
	Type          models.OrderType
	Side          models.OrderSide
	Price         money.Amount
	StopPrice     money.Amount
	Amount        money.Amount
	ClientOrderID string
	ExpiresAt     *time.Time
}

// Service implements order intake and queries
type Service struct {
	config Config
	store  store.Store
	ledger *ledger.Ledger
	engine *engine.Engine
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new trading service
func NewService(config Config, st store.Store, l *ledger.Ledger, eng *engine.Engine, logger *zap.Logger) *Service {
	if config.MarketBuyBuffer <= 0 {
		config.MarketBuyBuffer = DefaultConfig().MarketBuyBuffer
	}
	return &Service{
		config: config,
		store:  st,
		ledger: l,
		engine: eng,
		logger: logger,
		tracer: otel.Tracer("pincex/trading"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PlaceOrder validates req, locks the funds it needs, persists the order and
// submits it for matching. The returned order may already be filled.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*engine.Result, error) {
	ctx, span := s.tracer.Start(ctx, "trading.PlaceOrder", trace.WithAttributes(
		attribute.String("pair", req.Pair),
		attribute.String("side", string(req.Side)),
		attribute.String("type", string(req.Type))))
	defer span.End()

	pair, err := s.store.Pair(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	if err := validate(req, pair); err != nil {
		return nil, err
	}
	required, err := s.requiredFunds(ctx, req, pair)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &models.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Pair:            pair.Symbol,
		Type:            req.Type,
		Side:            req.Side,
		Status:          models.OrderStatusPending,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Amount:          req.Amount,
		RemainingAmount: req.Amount,
		Reserved:        required,
		Seq:             s.engine.NextSeq(),
		ClientOrderID:   req.ClientOrderID,
		CreatedAt:       now,
		ExpiresAt:       req.ExpiresAt,
	}
	key := ledger.Key{UserID: o.UserID, Currency: o.ReserveCurrency(pair)}
	err = s.ledger.WithLocks(ctx, []ledger.Key{key}, func(tx store.Tx) error {
		if _, err := s.ledger.Lock(ctx, tx, key.UserID, key.Currency, required); err != nil {
			return err
		}
		tx.SaveOrder(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Submit(ctx, o)
	if err != nil {
		span.RecordError(err)
		s.compensate(ctx, o, key, err)
		return nil, err
	}
	s.logger.Info("order placed",
		zap.Stringer("order_id", o.ID),
		zap.String("pair", o.Pair),
		zap.String("side", string(o.Side)),
		zap.String("status", string(res.Order.Status)),
		zap.Int("trades", len(res.Trades)))
	return res, nil
}

// compensate cancels an order the engine never took and releases its funds.
func (s *Service) compensate(ctx context.Context, o *models.Order, key ledger.Key, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.ledger.WithLocks(ctx, []ledger.Key{key}, func(tx store.Tx) error {
		cur, err := tx.Order(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.Status != models.OrderStatusPending {
			return nil
		}
		if _, err := s.ledger.Unlock(ctx, tx, key.UserID, key.Currency, cur.Reserved); err != nil {
			return err
		}
		now := s.now()
		cur.Reserved = 0
		cur.Status = models.OrderStatusCancelled
		cur.CancelledAt = &now
		cur.UpdatedAt = now
		tx.SaveOrder(cur)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to release funds of undispatched order",
			zap.Stringer("order_id", o.ID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Warn("order not dispatched, funds released", zap.Stringer("order_id", o.ID), zap.Error(cause))
}

func validate(req PlaceOrderRequest, pair *models.TradingPair) error {
	if !pair.Active {
		return errors.Invalid.Explain("trading pair %s is not active", pair.Symbol)
	}
	e := errors.Invalid.Explain("invalid order")
	bad := false
	field := func(name, msg string) {
		e = e.WithField(errors.KindInvalid, name, msg)
		bad = true
	}

	if req.UserID == uuid.Nil {
		field("user_id", "required")
	}
	if !req.Type.Valid() {
		field("type", "must be market, limit or stop_limit")
	}
	if !req.Side.Valid() {
		field("side", "must be buy or sell")
	}
	switch {
	case req.Amount <= 0:
		field("amount", "must be positive")
	case req.Amount < pair.MinOrderSize:
		field("amount", "below minimum order size "+pair.MinOrderSize.String())
	case pair.MaxOrderSize > 0 && req.Amount > pair.MaxOrderSize:
		field("amount", "above maximum order size "+pair.MaxOrderSize.String())
	case !req.Amount.FitsPrecision(pair.AmountPrecision):
		field("amount", "too many decimal places")
	}
	if req.Type == models.OrderTypeMarket {
		if req.Price != 0 || req.StopPrice != 0 {
			field("price", "market orders take no price")
		}
	} else {
		switch {
		case req.Price <= 0:
			field("price", "must be positive")
		case !req.Price.FitsPrecision(pair.PricePrecision):
			field("price", "too many decimal places")
		}
	}
	if req.Type == models.OrderTypeStopLimit {
		if req.StopPrice <= 0 {
			field("stop_price", "must be positive")
		} else if !req.StopPrice.FitsPrecision(pair.PricePrecision) {
			field("stop_price", "too many decimal places")
		}
	} else if req.Type != models.OrderTypeMarket && req.StopPrice != 0 {
		field("stop_price", "only stop_limit orders take a stop price")
	}
	if bad {
		return e
	}
	return nil
}

// requiredFunds is what must be locked for req: the base amount for sells,
// amount x price of quote for priced buys, and the buffered cost of walking
// the asks for market buys.
func (s *Service) requiredFunds(ctx context.Context, req PlaceOrderRequest, pair *models.TradingPair) (money.Amount, error) {
	if req.Side == models.OrderSideSell {
		return req.Amount, nil
	}
	if req.Type != models.OrderTypeMarket {
		v, err := money.Mul(req.Amount, req.Price)
		if err != nil {
			return 0, errors.Overflow.Explain("order value").Wrap(err)
		}
		return v, nil
	}

	cost, unfilled, err := s.engine.EstimateCost(ctx, pair.Symbol, req.Side, req.Amount)
	if err != nil {
		if errors.KindOf(err) == errors.KindUnknown {
			err = errors.Overflow.Explain("market order value").Wrap(err)
		}
		return 0, err
	}
	if unfilled > 0 {
		ref := pair.LastPrice
		if ref <= 0 {
			if cost <= 0 {
				return 0, errors.Invalid.Explain("no liquidity or last price to value market order on %s", pair.Symbol)
			}
			// Price the tail at the average of what the book can fill.
			if ref, err = money.Div(cost, req.Amount-unfilled); err != nil {
				return 0, errors.Overflow.Wrap(err)
			}
		}
		tail, err := money.Mul(unfilled, ref)
		if err == nil {
			cost, err = money.Add(cost, tail)
		}
		if err != nil {
			return 0, errors.Overflow.Explain("market order value").Wrap(err)
		}
	}
	v, err := money.Mul(cost, s.config.MarketBuyBuffer)
	if err != nil {
		return 0, errors.Overflow.Explain("market order value").Wrap(err)
	}
	if v <= 0 {
		return 0, errors.Invalid.Explain("market order on %s has no value", pair.Symbol)
	}
	return v, nil
}

// CancelOrder cancels the user's order and releases its funds.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	return s.engine.Cancel(ctx, userID, orderID)
}

// GetOrder returns the user's order. Other users' orders are NotFound.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	o, err := s.store.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, errors.NotFound.Explain("order %s not found", orderID)
	}
	return o, nil
}

// ListOpenOrders returns the user's non-terminal orders, on pair if given.
func (s *Service) ListOpenOrders(ctx context.Context, userID uuid.UUID, pair string) ([]*models.Order, error) {
	return s.store.UserOrders(ctx, userID, pair)
}

func (s *Service) OrderBook(ctx context.Context, pair string, depth int) (*orderbook.Snapshot, error) {
	if depth <= 0 {
		depth = 20
	}
	return s.engine.Snapshot(ctx, pair, depth)
}

func (s *Service) Trades(ctx context.Context, pair string, limit int) ([]*models.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if _, err := s.store.Pair(ctx, pair); err != nil {
		return nil, err
	}
	return s.store.Trades(ctx, pair, limit)
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.Balance, error) {
	return s.ledger.Balance(ctx, userID, currency)
}

// ExpireOrders expires every order whose expiry is before now.
func (s *Service) ExpireOrders(ctx context.Context, now time.Time) ([]*models.Order, error) {
	return s.engine.Expire(ctx, now)
}

// RunExpiry calls ExpireOrders every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.ExpireOrders(ctx, s.now())
			if err != nil {
				s.logger.Warn("order expiry pass failed", zap.Error(err))
			}
			if len(expired) > 0 {
				s.logger.Info("orders expired", zap.Int("count", len(expired)))
			}
		}
	}
}
