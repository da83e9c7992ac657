package orderbook

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

func limit(side models.OrderSide, price, amount int64, seq uint64) *models.Order {
	return &models.Order{
		ID: uuid.New(), UserID: uuid.New(), Pair: "BTC/USDT",
		Type: models.OrderTypeLimit, Side: side, Status: models.OrderStatusOpen,
		Price: money.New(price), Amount: money.New(amount), RemainingAmount: money.New(amount),
		Seq: seq,
	}
}

func prices(orders []*models.Order) []money.Amount {
	out := make([]money.Amount, len(orders))
	for i, o := range orders {
		out[i] = o.Price
	}
	return out
}

func TestPriceTimePriority(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	a1 := limit(models.OrderSideSell, 101, 1, 1)
	a2 := limit(models.OrderSideSell, 100, 1, 2)
	a3 := limit(models.OrderSideSell, 100, 1, 3)
	b1 := limit(models.OrderSideBuy, 98, 1, 4)
	b2 := limit(models.OrderSideBuy, 99, 1, 5)
	b3 := limit(models.OrderSideBuy, 99, 1, 6)
	for _, o := range []*models.Order{a3, a1, a2, b3, b1, b2} {
		require.NoError(t, ob.AddOrder(o))
	}

	asks := ob.Orders(models.OrderSideSell)
	assert.Equal(t, []uuid.UUID{a2.ID, a3.ID, a1.ID}, []uuid.UUID{asks[0].ID, asks[1].ID, asks[2].ID})
	bids := ob.Orders(models.OrderSideBuy)
	assert.Equal(t, []uuid.UUID{b2.ID, b3.ID, b1.ID}, []uuid.UUID{bids[0].ID, bids[1].ID, bids[2].ID})
	assert.Equal(t, []money.Amount{money.New(99), money.New(99), money.New(98)}, prices(bids))
}

func TestNextSkipsCursor(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	a := limit(models.OrderSideSell, 100, 1, 1)
	b := limit(models.OrderSideSell, 100, 1, 2)
	c := limit(models.OrderSideSell, 102, 1, 3)
	for _, o := range []*models.Order{a, b, c} {
		require.NoError(t, ob.AddOrder(o))
	}

	first, ok := ob.Best(models.OrderSideSell)
	require.True(t, ok)
	assert.Equal(t, a.ID, first.ID)

	second, ok := ob.Next(models.OrderSideSell, first)
	require.True(t, ok)
	assert.Equal(t, b.ID, second.ID)

	_, removed := ob.Remove(b.ID)
	require.True(t, removed)
	third, ok := ob.Next(models.OrderSideSell, second)
	require.True(t, ok)
	assert.Equal(t, c.ID, third.ID)

	_, ok = ob.Next(models.OrderSideSell, third)
	assert.False(t, ok)
}

func TestRejectsNonResting(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	m := limit(models.OrderSideBuy, 0, 1, 1)
	m.Type = models.OrderTypeMarket
	assert.ErrorIs(t, ob.AddOrder(m), errors.InvalidOrderState)

	filled := limit(models.OrderSideBuy, 100, 1, 2)
	filled.Status = models.OrderStatusFilled
	assert.ErrorIs(t, ob.AddOrder(filled), errors.InvalidOrderState)

	noSeq := limit(models.OrderSideBuy, 100, 1, 0)
	assert.ErrorIs(t, ob.AddOrder(noSeq), errors.Invalid)

	o := limit(models.OrderSideBuy, 100, 1, 3)
	require.NoError(t, ob.AddOrder(o))
	assert.ErrorIs(t, ob.AddOrder(o), errors.Invalid)
}

func TestUpdateKeepsPosition(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	o := limit(models.OrderSideSell, 100, 6, 1)
	require.NoError(t, ob.AddOrder(o))

	c := o.Clone()
	c.FilledAmount, c.RemainingAmount = money.New(4), money.New(2)
	c.Status = models.OrderStatusPartiallyFilled
	require.NoError(t, ob.Update(c))

	got, ok := ob.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, money.New(2), got.RemainingAmount)

	c.Price = money.New(99)
	assert.ErrorIs(t, ob.Update(c), errors.Invalid)
}

func TestStops(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	buyStop := limit(models.OrderSideBuy, 111, 1, 1)
	buyStop.Type, buyStop.Status, buyStop.StopPrice = models.OrderTypeStopLimit, models.OrderStatusPending, money.New(110)
	sellStop := limit(models.OrderSideSell, 89, 1, 2)
	sellStop.Type, sellStop.Status, sellStop.StopPrice = models.OrderTypeStopLimit, models.OrderStatusPending, money.New(90)
	require.NoError(t, ob.AddStop(sellStop))
	require.NoError(t, ob.AddStop(buyStop))

	assert.Empty(t, ob.TriggeredStops(money.New(100)))
	_, _, stops := ob.Len()
	assert.Equal(t, 2, stops)
	_, ok := ob.Best(models.OrderSideBuy)
	assert.False(t, ok)

	fired := ob.TriggeredStops(money.New(110))
	require.Len(t, fired, 1)
	assert.Equal(t, buyStop.ID, fired[0].ID)

	fired = ob.TriggeredStops(money.New(90))
	require.Len(t, fired, 1)
	assert.Equal(t, sellStop.ID, fired[0].ID)
	_, _, stops = ob.Len()
	assert.Zero(t, stops)
}

func TestTriggeredDirection(t *testing.T) {
	buy := &models.Order{Side: models.OrderSideBuy, StopPrice: money.New(100)}
	sell := &models.Order{Side: models.OrderSideSell, StopPrice: money.New(100)}
	assert.True(t, Triggered(buy, money.New(100)))
	assert.False(t, Triggered(buy, money.New(99)))
	assert.True(t, Triggered(sell, money.New(100)))
	assert.False(t, Triggered(sell, money.New(101)))
	assert.False(t, Triggered(sell, money.Zero))
}

func TestSnapshotAggregates(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 100, 2, 1)))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 100, 3, 2)))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 101, 1, 3)))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 102, 1, 4)))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideBuy, 99, 1, 5)))

	snap := ob.GetSnapshot(2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, Level{Price: money.New(100), Amount: money.New(5), Orders: 2}, snap.Asks[0])
	assert.Equal(t, money.New(101), snap.Asks[1].Price)
	require.Len(t, snap.Bids, 1)
}

func TestCostToFill(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 100, 2, 1)))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideSell, 110, 2, 2)))

	cost, unfilled, err := ob.CostToFill(models.OrderSideBuy, money.New(3))
	require.NoError(t, err)
	assert.Equal(t, money.New(310), cost)
	assert.Equal(t, money.Zero, unfilled)

	cost, unfilled, err = ob.CostToFill(models.OrderSideBuy, money.New(5))
	require.NoError(t, err)
	assert.Equal(t, money.New(420), cost)
	assert.Equal(t, money.New(1), unfilled)
}

func TestExpired(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	now := time.Now()
	past := now.Add(-time.Minute)
	o := limit(models.OrderSideBuy, 100, 1, 1)
	o.ExpiresAt = &past
	require.NoError(t, ob.AddOrder(o))
	require.NoError(t, ob.AddOrder(limit(models.OrderSideBuy, 100, 1, 2)))

	exp := ob.Expired(now)
	require.Len(t, exp, 1)
	assert.Equal(t, o.ID, exp[0].ID)
}

func TestConcurrentReadersWithWriter(t *testing.T) {
	ob := NewOrderBook("BTC/USDT")
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			o := limit(models.OrderSideBuy, int64(10000+i%10), 1, uint64(i+1))
			assert.NoError(t, ob.AddOrder(o))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = ob.GetSnapshot(5)
			_, _ = ob.Best(models.OrderSideBuy)
		}
	}()
	wg.Wait()
	bids, _, _ := ob.Len()
	assert.Equal(t, 1000, bids)
}
