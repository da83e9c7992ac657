package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/internal/trading/fee"
	"github.com/Aidin1998/pincex_spot/internal/trading/marketdata"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

const pairSymbol = "BTC/USDT"

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     *store.Memory
	ledger *ledger.Ledger
	bus    *events.InMemoryEventBus
	engine *Engine
	house  uuid.UUID

	mu     sync.Mutex
	trades []events.Event
}

func newHarness(t *testing.T, zeroFees bool) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	pair := &models.TradingPair{
		Symbol: pairSymbol, BaseCurrency: "BTC", QuoteCurrency: "USDT", Active: true,
		PricePrecision: 2, AmountPrecision: 8,
	}
	if zeroFees {
		maker, taker := money.Zero, money.Zero
		pair.MakerFee, pair.TakerFee = &maker, &taker
	}
	require.NoError(t, store.Update(ctx, st, func(tx store.Tx) error {
		tx.SavePair(pair)
		return nil
	}))

	h := &harness{t: t, ctx: ctx, st: st, house: uuid.New()}
	h.ledger = ledger.New(st, ledger.NewLocker(), zap.NewNop())
	h.bus = events.NewInMemoryEventBus(zap.NewNop())
	h.bus.Subscribe(events.TopicTrade, func(_ context.Context, e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.trades = append(h.trades, e)
	})
	h.engine = h.newEngine()
	require.NoError(t, h.engine.Start(ctx))
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) newEngine() *Engine {
	cfg := Config{Workers: 2, QueueSize: 16, LockTimeout: time.Second, FeeAccount: h.house}
	market := marketdata.NewUpdater(zap.NewNop(), events.TickBroadcaster{Bus: h.bus})
	return NewEngine(cfg, h.st, h.ledger, fee.NewCalculator(fee.DefaultConfig(), zap.NewNop()), market, h.bus, zap.NewNop())
}

func (h *harness) fund(user uuid.UUID, currency string, amount money.Amount) {
	h.t.Helper()
	_, err := h.ledger.Deposit(h.ctx, user, currency, amount)
	require.NoError(h.t, err)
}

func (h *harness) balance(user uuid.UUID, currency string) *models.Balance {
	h.t.Helper()
	b, err := h.ledger.Balance(h.ctx, user, currency)
	require.NoError(h.t, err)
	return b
}

func (h *harness) total(currency string) money.Amount {
	var sum money.Amount
	for _, b := range h.st.AllBalances() {
		if b.Currency == currency {
			sum += b.Total
		}
	}
	return sum
}

// submit locks reserve for o, persists it pending and hands it to the engine.
func (h *harness) submit(o *models.Order, reserve money.Amount) (*Result, error) {
	if err := h.persist(o, reserve); err != nil {
		return nil, err
	}
	return h.engine.Submit(h.ctx, o)
}

// persist locks reserve for o and saves it pending without dispatching it,
// as an order left behind by a crash between intake and matching.
func (h *harness) persist(o *models.Order, reserve money.Amount) error {
	o.ID = uuid.New()
	o.Pair = pairSymbol
	o.Status = models.OrderStatusPending
	o.RemainingAmount = o.Amount
	o.Reserved = reserve
	o.Seq = h.engine.NextSeq()
	cur := "USDT"
	if o.Side == models.OrderSideSell {
		cur = "BTC"
	}
	return h.ledger.WithLocks(h.ctx, []ledger.Key{{UserID: o.UserID, Currency: cur}}, func(tx store.Tx) error {
		if _, err := h.ledger.Lock(h.ctx, tx, o.UserID, cur, reserve); err != nil {
			return err
		}
		tx.SaveOrder(o)
		return nil
	})
}

func (h *harness) limit(user uuid.UUID, side models.OrderSide, price, amount money.Amount) *Result {
	h.t.Helper()
	reserve := amount
	if side == models.OrderSideBuy {
		var err error
		reserve, err = money.Mul(amount, price)
		require.NoError(h.t, err)
	}
	res, err := h.submit(&models.Order{UserID: user, Type: models.OrderTypeLimit, Side: side, Price: price, Amount: amount}, reserve)
	require.NoError(h.t, err)
	return res
}

func (h *harness) marketBuy(user uuid.UUID, amount, reserve money.Amount) *Result {
	h.t.Helper()
	res, err := h.submit(&models.Order{UserID: user, Type: models.OrderTypeMarket, Side: models.OrderSideBuy, Amount: amount}, reserve)
	require.NoError(h.t, err)
	return res
}

func (h *harness) order(id uuid.UUID) *models.Order {
	h.t.Helper()
	o, err := h.st.Order(h.ctx, id)
	require.NoError(h.t, err)
	return o
}

func TestLimitOrderRestsWithoutLiquidity(t *testing.T) {
	h := newHarness(t, true)
	buyer := uuid.New()
	h.fund(buyer, "USDT", money.New(1000))

	res := h.limit(buyer, models.OrderSideBuy, money.New(100), money.New(2))
	assert.Empty(t, res.Trades)
	assert.Equal(t, models.OrderStatusOpen, res.Order.Status)

	snap, err := h.engine.Snapshot(h.ctx, pairSymbol, 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, money.New(2), snap.Bids[0].Amount)

	b := h.balance(buyer, "USDT")
	assert.Equal(t, money.New(200), b.Locked)
	assert.Equal(t, money.New(800), b.Available)
	assert.Equal(t, models.OrderStatusOpen, h.order(res.Order.ID).Status)
}

func TestTradeExecutesAtMakerPrice(t *testing.T) {
	h := newHarness(t, true)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(seller, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(200))

	h.limit(seller, models.OrderSideSell, money.New(100), money.New(1))
	res := h.limit(buyer, models.OrderSideBuy, money.New(105), money.New(1))

	require.Len(t, res.Trades, 1)
	assert.Equal(t, money.New(100), res.Trades[0].Price)
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)
	assert.Equal(t, money.Zero, res.Order.Reserved)

	bq := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, bq.Locked)
	assert.Equal(t, money.New(100), bq.Available)
	assert.Equal(t, money.New(1), h.balance(buyer, "BTC").Available)
	assert.Equal(t, money.New(100), h.balance(seller, "USDT").Available)
	assert.Equal(t, money.Zero, h.balance(seller, "BTC").Total)

	pair, err := h.st.Pair(h.ctx, pairSymbol)
	require.NoError(t, err)
	assert.Equal(t, money.New(100), pair.LastPrice)
	assert.Equal(t, money.New(1), pair.Volume24h)
}

func TestPartialFillAcrossLevels(t *testing.T) {
	h := newHarness(t, true)
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	h.fund(s1, "BTC", money.New(6))
	h.fund(s2, "BTC", money.New(6))
	h.fund(buyer, "USDT", money.New(2000))

	h.limit(s1, models.OrderSideSell, money.New(100), money.New(6))
	ask2 := h.limit(s2, models.OrderSideSell, money.New(115), money.New(6))
	res := h.limit(buyer, models.OrderSideBuy, money.New(115), money.New(10))

	require.Len(t, res.Trades, 2)
	assert.Equal(t, money.New(6), res.Trades[0].Amount)
	assert.Equal(t, money.New(4), res.Trades[1].Amount)
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)
	assert.Equal(t, money.New(106), res.Order.AvgFillPrice)

	maker := h.order(ask2.Order.ID)
	assert.Equal(t, models.OrderStatusPartiallyFilled, maker.Status)
	assert.Equal(t, money.New(2), maker.RemainingAmount)
	assert.Equal(t, maker.Amount, maker.FilledAmount+maker.RemainingAmount)

	snap, err := h.engine.Snapshot(h.ctx, pairSymbol, 5)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, money.New(2), snap.Asks[0].Amount)

	bq := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, bq.Locked)
	assert.Equal(t, money.New(940), bq.Available)

	h.mu.Lock()
	assert.Len(t, h.trades, 2)
	h.mu.Unlock()
}

func TestPriceTimePriority(t *testing.T) {
	h := newHarness(t, true)
	early, late, better, buyer := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for _, u := range []uuid.UUID{early, late, better} {
		h.fund(u, "BTC", money.New(1))
	}
	h.fund(buyer, "USDT", money.New(1000))

	first := h.limit(early, models.OrderSideSell, money.New(101), money.New(1))
	h.limit(late, models.OrderSideSell, money.New(101), money.New(1))
	best := h.limit(better, models.OrderSideSell, money.New(100), money.New(1))

	res := h.limit(buyer, models.OrderSideBuy, money.New(101), money.New(2))
	require.Len(t, res.Trades, 2)
	assert.Equal(t, best.Order.ID, res.Trades[0].MakerOrderID)
	assert.Equal(t, first.Order.ID, res.Trades[1].MakerOrderID)
	assert.Equal(t, money.Zero, h.balance(late, "USDT").Total)
}

func TestMarketOrderRemainderIsCancelled(t *testing.T) {
	h := newHarness(t, true)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(seller, "BTC", money.New(2))
	h.fund(buyer, "USDT", money.New(500))

	h.limit(seller, models.OrderSideSell, money.New(100), money.New(2))
	res := h.marketBuy(buyer, money.New(3), money.New(400))

	require.Len(t, res.Trades, 1)
	o := h.order(res.Order.ID)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.NotNil(t, o.CancelledAt)
	assert.Equal(t, money.New(2), o.FilledAmount)
	assert.Equal(t, money.New(1), o.RemainingAmount)
	assert.Equal(t, money.Zero, o.Reserved)

	bq := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, bq.Locked)
	assert.Equal(t, money.New(300), bq.Available)
}

func TestMarketBuyShortfallDrawsFromAvailable(t *testing.T) {
	h := newHarness(t, true)
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	h.fund(s1, "BTC", money.New(1))
	h.fund(s2, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(500))
	h.limit(s1, models.OrderSideSell, money.New(100), money.New(1))
	h.limit(s2, models.OrderSideSell, money.New(120), money.New(1))

	res := h.marketBuy(buyer, money.New(2), money.New(202))
	require.Len(t, res.Trades, 2)
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)

	bq := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, bq.Locked)
	assert.Equal(t, money.New(280), bq.Available)
	assert.Equal(t, money.New(500), h.total("USDT"))
}

func TestMarketBuyStopsWhenBuyerCannotPay(t *testing.T) {
	h := newHarness(t, true)
	s1, s2, buyer := uuid.New(), uuid.New(), uuid.New()
	h.fund(s1, "BTC", money.New(1))
	h.fund(s2, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(202))
	h.limit(s1, models.OrderSideSell, money.New(100), money.New(1))
	ask2 := h.limit(s2, models.OrderSideSell, money.New(120), money.New(1))

	res := h.marketBuy(buyer, money.New(2), money.New(202))
	require.Len(t, res.Trades, 1)

	o := h.order(res.Order.ID)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.Equal(t, money.New(1), o.RemainingAmount)

	bq := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, bq.Locked)
	assert.Equal(t, money.New(102), bq.Available)
	assert.NoError(t, bq.Check())

	assert.Equal(t, models.OrderStatusOpen, h.order(ask2.Order.ID).Status)
	assert.Equal(t, money.New(1), h.balance(s2, "BTC").Locked)
}

func TestFeesGoToFeeAccount(t *testing.T) {
	h := newHarness(t, false)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(seller, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(100))

	h.limit(seller, models.OrderSideSell, money.New(100), money.New(1))
	res := h.limit(buyer, models.OrderSideBuy, money.New(100), money.New(1))
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, money.MustParse("0.002"), tr.BuyerFee)
	assert.Equal(t, "BTC", tr.BuyerFeeCurrency)
	assert.Equal(t, money.MustParse("0.1"), tr.SellerFee)
	assert.Equal(t, "USDT", tr.SellerFeeCurrency)

	assert.Equal(t, money.MustParse("0.998"), h.balance(buyer, "BTC").Available)
	assert.Equal(t, money.MustParse("99.9"), h.balance(seller, "USDT").Available)
	assert.Equal(t, money.MustParse("0.002"), h.balance(h.house, "BTC").Available)
	assert.Equal(t, money.MustParse("0.1"), h.balance(h.house, "USDT").Available)

	assert.Equal(t, money.New(1), h.total("BTC"))
	assert.Equal(t, money.New(100), h.total("USDT"))
}

func TestCancelRoundTrip(t *testing.T) {
	h := newHarness(t, true)
	buyer := uuid.New()
	h.fund(buyer, "USDT", money.New(1000))

	res := h.limit(buyer, models.OrderSideBuy, money.New(100), money.New(3))
	assert.Equal(t, money.New(1000), h.balance(buyer, "USDT").Total)

	_, err := h.engine.Cancel(h.ctx, uuid.New(), res.Order.ID)
	assert.ErrorIs(t, err, errors.NotFound)

	o, err := h.engine.Cancel(h.ctx, buyer, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.NotNil(t, o.CancelledAt)

	b := h.balance(buyer, "USDT")
	assert.Equal(t, money.Zero, b.Locked)
	assert.Equal(t, money.New(1000), b.Available)
	assert.Equal(t, money.New(1000), b.Total)

	_, err = h.engine.Cancel(h.ctx, buyer, res.Order.ID)
	assert.ErrorIs(t, err, errors.InvalidOrderState)

	snap, err := h.engine.Snapshot(h.ctx, pairSymbol, 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestCancelUnlocksAtMostLocked(t *testing.T) {
	h := newHarness(t, true)
	seller := uuid.New()
	h.fund(seller, "BTC", money.New(5))

	res := h.limit(seller, models.OrderSideSell, money.New(100), money.New(5))
	// Drift the locked bucket below what the order expects.
	_, err := h.ledger.UnlockFunds(h.ctx, seller, "BTC", money.New(3))
	require.NoError(t, err)

	_, err = h.engine.Cancel(h.ctx, seller, res.Order.ID)
	require.NoError(t, err)
	b := h.balance(seller, "BTC")
	assert.Equal(t, money.Zero, b.Locked)
	assert.Equal(t, money.New(5), b.Available)
	assert.NoError(t, b.Check())
}

func TestCancelPendingMarketBuyReleasesReservation(t *testing.T) {
	h := newHarness(t, true)
	buyer := uuid.New()
	h.fund(buyer, "USDT", money.New(100))

	o := &models.Order{UserID: buyer, Type: models.OrderTypeMarket, Side: models.OrderSideBuy, Amount: money.New(1)}
	require.NoError(t, h.persist(o, money.New(50)))
	require.Equal(t, money.New(50), h.balance(buyer, "USDT").Locked)

	// No limit price and no last price: only the reservation says what to release.
	cancelled, err := h.engine.Cancel(h.ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Zero(t, h.order(o.ID).Reserved)

	b := h.balance(buyer, "USDT")
	assert.Zero(t, b.Locked)
	assert.Equal(t, money.New(100), b.Available)
}

func TestCancelReleasesTruncatedRemainder(t *testing.T) {
	h := newHarness(t, true)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(seller, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(1))

	price := money.MustParse("1.5")
	h.limit(seller, models.OrderSideSell, price, money.Amount(1))
	res := h.limit(buyer, models.OrderSideBuy, price, money.Amount(2))
	require.Len(t, res.Trades, 1)
	require.Equal(t, models.OrderStatusPartiallyFilled, h.order(res.Order.ID).Status)

	_, err := h.engine.Cancel(h.ctx, buyer, res.Order.ID)
	require.NoError(t, err)
	assert.Zero(t, h.order(res.Order.ID).Reserved)

	b := h.balance(buyer, "USDT")
	assert.Zero(t, b.Locked)
	require.NoError(t, b.Check())
	assert.Equal(t, money.New(1), h.total("USDT"))
	assert.Equal(t, money.New(1), h.total("BTC"))
}

func TestCancelledMakerIsNotMatched(t *testing.T) {
	h := newHarness(t, true)
	seller, buyer := uuid.New(), uuid.New()
	h.fund(seller, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(100))

	ask := h.limit(seller, models.OrderSideSell, money.New(100), money.New(1))
	_, err := h.engine.Cancel(h.ctx, seller, ask.Order.ID)
	require.NoError(t, err)

	res := h.limit(buyer, models.OrderSideBuy, money.New(100), money.New(1))
	assert.Empty(t, res.Trades)
	assert.Equal(t, models.OrderStatusOpen, res.Order.Status)
}

func TestStopLimitTriggersAfterTrade(t *testing.T) {
	h := newHarness(t, true)
	stopper, s1, s2, buyer := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	h.fund(stopper, "USDT", money.New(111))
	h.fund(s1, "BTC", money.New(1))
	h.fund(s2, "BTC", money.New(1))
	h.fund(buyer, "USDT", money.New(110))

	stop, err := h.submit(&models.Order{
		UserID: stopper, Type: models.OrderTypeStopLimit, Side: models.OrderSideBuy,
		Price: money.New(111), StopPrice: money.New(110), Amount: money.New(1),
	}, money.New(111))
	require.NoError(t, err)
	assert.Empty(t, stop.Trades)
	assert.Equal(t, models.OrderStatusPending, h.order(stop.Order.ID).Status)

	snap, err := h.engine.Snapshot(h.ctx, pairSymbol, 5)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)

	h.limit(s1, models.OrderSideSell, money.New(110), money.New(1))
	h.limit(s2, models.OrderSideSell, money.New(111), money.New(1))
	res := h.limit(buyer, models.OrderSideBuy, money.New(110), money.New(1))
	require.Len(t, res.Trades, 1)

	o := h.order(stop.Order.ID)
	assert.Equal(t, models.OrderStatusFilled, o.Status)
	assert.Equal(t, models.OrderTypeLimit, o.Type)
	assert.Equal(t, money.New(111), o.AvgFillPrice)
	assert.Equal(t, money.New(1), h.balance(stopper, "BTC").Available)
	assert.Equal(t, money.Zero, h.balance(stopper, "USDT").Total)
}

func TestExpireReleasesFunds(t *testing.T) {
	h := newHarness(t, true)
	buyer := uuid.New()
	h.fund(buyer, "USDT", money.New(100))

	past := time.Now().Add(-time.Minute)
	res, err := h.submit(&models.Order{
		UserID: buyer, Type: models.OrderTypeLimit, Side: models.OrderSideBuy,
		Price: money.New(50), Amount: money.New(2), ExpiresAt: &past,
	}, money.New(100))
	require.NoError(t, err)

	expired, err := h.engine.Expire(h.ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, res.Order.ID, expired[0].ID)
	assert.Equal(t, models.OrderStatusExpired, h.order(res.Order.ID).Status)
	assert.Equal(t, money.New(100), h.balance(buyer, "USDT").Available)
}

func TestRecoveryRebuildsBook(t *testing.T) {
	h := newHarness(t, true)
	seller := uuid.New()
	h.fund(seller, "BTC", money.New(3))
	ask := h.limit(seller, models.OrderSideSell, money.New(100), money.New(3))
	h.engine.Stop()

	_, err := h.engine.Submit(h.ctx, &models.Order{Pair: pairSymbol})
	assert.ErrorIs(t, err, errors.Unavailable)

	restarted := h.newEngine()
	require.NoError(t, restarted.Start(h.ctx))
	defer restarted.Stop()

	snap, err := restarted.Snapshot(h.ctx, pairSymbol, 5)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, money.New(3), snap.Asks[0].Amount)
	assert.Greater(t, restarted.NextSeq(), h.order(ask.Order.ID).Seq)
}

// Random order flow must conserve every currency, never leave a balance
// negative, and keep each user's locked funds equal to what their open
// orders reserve.
func TestRandomFlowConservesBalances(t *testing.T) {
	randomFlow(t, 42, false)
}

// Fractional prices and amounts make every fill truncate.
func TestRandomFractionalFlowConservesBalances(t *testing.T) {
	randomFlow(t, 7, true)
}

func randomFlow(t *testing.T, seed int64, fractional bool) {
	t.Helper()
	h := newHarness(t, false)
	rng := rand.New(rand.NewSource(seed))
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		h.fund(u, "BTC", money.New(100))
		h.fund(u, "USDT", money.New(10000))
	}

	var open []*models.Order
	for i := 0; i < 200; i++ {
		u := users[rng.Intn(len(users))]
		if len(open) > 0 && rng.Intn(5) == 0 {
			idx := rng.Intn(len(open))
			_, _ = h.engine.Cancel(h.ctx, open[idx].UserID, open[idx].ID)
			open = append(open[:idx], open[idx+1:]...)
			continue
		}
		side := models.OrderSideBuy
		if rng.Intn(2) == 0 {
			side = models.OrderSideSell
		}
		price := money.New(int64(95 + rng.Intn(11)))
		amount := money.New(int64(1 + rng.Intn(3)))
		if fractional {
			price += money.Amount(rng.Intn(100)) * money.MustParse("0.01")
			amount = money.Amount(1 + rng.Int63n(int64(money.New(3))))
		}
		reserve := amount
		if side == models.OrderSideBuy {
			reserve, _ = money.Mul(amount, price)
		}
		res, err := h.submit(&models.Order{UserID: u, Type: models.OrderTypeLimit, Side: side, Price: price, Amount: amount}, reserve)
		if errors.Is(err, errors.InsufficientFunds) {
			continue
		}
		require.NoError(t, err)
		if !res.Order.Status.Terminal() {
			open = append(open, res.Order)
		}
	}

	assert.Equal(t, money.New(300), h.total("BTC"))
	assert.Equal(t, money.New(30000), h.total("USDT"))

	locked := map[ledger.Key]money.Amount{}
	pair, err := h.st.Pair(h.ctx, pairSymbol)
	require.NoError(t, err)
	for _, u := range users {
		orders, err := h.st.UserOrders(h.ctx, u, pairSymbol)
		require.NoError(t, err)
		for _, o := range orders {
			assert.Equal(t, o.Amount, o.FilledAmount+o.RemainingAmount)
			locked[ledger.Key{UserID: u, Currency: o.ReserveCurrency(pair)}] += o.Reserved
		}
	}
	for _, b := range h.st.AllBalances() {
		require.NoError(t, b.Check())
		if b.UserID == h.house {
			assert.Zero(t, b.Locked)
			continue
		}
		assert.Equal(t, locked[ledger.Key{UserID: b.UserID, Currency: b.Currency}], b.Locked, "locked %s for %s", b.Currency, b.UserID)
	}
}

func TestConcurrentSubmitsOnOnePair(t *testing.T) {
	h := newHarness(t, true)
	sellers := make([]uuid.UUID, 20)
	for i := range sellers {
		sellers[i] = uuid.New()
		h.fund(sellers[i], "BTC", money.New(1))
		h.limit(sellers[i], models.OrderSideSell, money.New(100), money.New(1))
	}

	var wg sync.WaitGroup
	buyers := make([]uuid.UUID, 30)
	for i := range buyers {
		buyers[i] = uuid.New()
		h.fund(buyers[i], "USDT", money.New(100))
	}
	for _, b := range buyers {
		wg.Add(1)
		go func(b uuid.UUID) {
			defer wg.Done()
			reserve := money.New(100)
			_, err := h.submit(&models.Order{UserID: b, Type: models.OrderTypeLimit, Side: models.OrderSideBuy, Price: money.New(100), Amount: money.New(1)}, reserve)
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	var bought money.Amount
	for _, b := range buyers {
		bought += h.balance(b, "BTC").Total
	}
	assert.Equal(t, money.New(20), bought)
	assert.Equal(t, money.New(20), h.total("BTC"))
	assert.Equal(t, money.New(3000), h.total("USDT"))
}
