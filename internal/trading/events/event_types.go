package events

import (
	"context"
	"time"

	"github.com/Aidin1998/pincex_spot/internal/trading/marketdata"
	"github.com/Aidin1998/pincex_spot/pkg/models"
)

// Standard event topics
const (
	TopicTrade      = "trade"
	TopicOrder      = "order"
	TopicBalance    = "balance"
	TopicMarket     = "market"
	TopicWithdrawal = "withdrawal"
)

// Event types
const (
	TypeTradeExecuted     = "TRADE_EXECUTED"
	TypeOrderAccepted     = "ORDER_ACCEPTED"
	TypeOrderUpdated      = "ORDER_UPDATED"
	TypeOrderCancelled    = "ORDER_CANCELLED"
	TypeOrderExpired      = "ORDER_EXPIRED"
	TypeOrderTriggered    = "ORDER_TRIGGERED"
	TypeBalanceChanged    = "BALANCE_CHANGED"
	TypeMarketTick        = "MARKET_TICK"
	TypeWithdrawalUpdated = "WITHDRAWAL_UPDATED"
)

func TradeExecuted(t *models.Trade) Event {
	return Event{Topic: TopicTrade, Type: TypeTradeExecuted, Key: t.Pair, Timestamp: t.CreatedAt, Payload: t}
}

func OrderChanged(eventType string, o *models.Order) Event {
	return Event{Topic: TopicOrder, Type: eventType, Key: o.Pair, Timestamp: o.UpdatedAt, Payload: o}
}

func BalanceChanged(b *models.Balance) Event {
	return Event{Topic: TopicBalance, Type: TypeBalanceChanged, Key: b.UserID.String(), Timestamp: b.UpdatedAt, Payload: b}
}

func MarketTick(t marketdata.Tick) Event {
	return Event{Topic: TopicMarket, Type: TypeMarketTick, Key: t.Pair, Timestamp: t.Time, Payload: t}
}

func WithdrawalUpdated(w *models.WithdrawalRequest) Event {
	return Event{Topic: TopicWithdrawal, Type: TypeWithdrawalUpdated, Key: w.UserID.String(), Timestamp: w.UpdatedAt, Payload: w}
}

// TickBroadcaster republishes market ticks on the bus.
type TickBroadcaster struct {
	Bus EventBus
}

func (b TickBroadcaster) Name() string { return "bus" }

func (b TickBroadcaster) BroadcastTick(ctx context.Context, t marketdata.Tick) error {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	b.Bus.Publish(ctx, MarketTick(t))
	return nil
}
