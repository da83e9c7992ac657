package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Currency is reference data for an asset that can be held, traded and
// withdrawn.
type Currency struct {
	Symbol        string       `json:"symbol" gorm:"primaryKey;size:16"`
	Name          string       `json:"name"`
	Network       string       `json:"network"`
	Precision     int          `json:"precision"`
	MinDeposit    money.Amount `json:"min_deposit"`
	MinWithdrawal money.Amount `json:"min_withdrawal"`
	WithdrawalFee money.Amount `json:"withdrawal_fee"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TradingPair represents a market such as BTC/USDT together with its
// rolling 24h statistics.
type TradingPair struct {
	Symbol          string        `json:"symbol" gorm:"primaryKey;size:32"`
	BaseCurrency    string        `json:"base_currency" gorm:"size:16"`
	QuoteCurrency   string        `json:"quote_currency" gorm:"size:16"`
	Active          bool          `json:"active"`
	MinOrderSize    money.Amount  `json:"min_order_size"`
	MaxOrderSize    money.Amount  `json:"max_order_size"` // zero means unbounded
	PricePrecision  int           `json:"price_precision"`
	AmountPrecision int           `json:"amount_precision"`
	MakerFee        *money.Amount `json:"maker_fee,omitempty"` // percent, nil when not overridden
	TakerFee        *money.Amount `json:"taker_fee,omitempty"`
	LastPrice       money.Amount  `json:"last_price"`
	High24h         money.Amount  `json:"high_24h"`
	Low24h          money.Amount  `json:"low_24h"`
	Volume24h       money.Amount  `json:"volume_24h"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OrderType is market, limit or stop_limit
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStopLimit OrderType = "stop_limit"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLimit:
		return true
	}
	return false
}

// OrderSide is buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks the lifecycle of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further mutation is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// Order represents a trading order
type Order struct {
	ID              uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID    `json:"user_id" gorm:"type:uuid;index"`
	Pair            string       `json:"pair" gorm:"index;size:32"`
	Type            OrderType    `json:"type" gorm:"size:16"`
	Side            OrderSide    `json:"side" gorm:"size:8"`
	Status          OrderStatus  `json:"status" gorm:"index;size:24"`
	Price           money.Amount `json:"price"` // zero for market orders
	StopPrice       money.Amount `json:"stop_price,omitempty"`
	Amount          money.Amount `json:"amount"`
	FilledAmount    money.Amount `json:"filled_amount"`
	RemainingAmount money.Amount `json:"remaining_amount"`
	AvgFillPrice    money.Amount `json:"avg_fill_price"`
	Fee             money.Amount `json:"fee"`
	// Reserved is what is still locked on behalf of this order, in quote
	// currency for buys and base currency for sells.
	Reserved      money.Amount `json:"reserved"`
	Seq           uint64       `json:"-" gorm:"index"`
	ClientOrderID string       `json:"client_order_id,omitempty" gorm:"size:64"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	FilledAt      *time.Time   `json:"filled_at,omitempty"`
	CancelledAt   *time.Time   `json:"cancelled_at,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

// HasPrice reports whether the order carries a limit price.
func (o *Order) HasPrice() bool { return o.Price > 0 }

// Resting reports whether the order belongs in the visible book.
func (o *Order) Resting() bool {
	return o.HasPrice() && o.Type != OrderTypeStopLimit &&
		(o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled)
}

// Cancellable reports whether cancel or expiry may act on the order.
func (o *Order) Cancellable() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled || o.Status == OrderStatusPending
}

// ReserveCurrency is the currency locked for the order on pair.
func (o *Order) ReserveCurrency(pair *TradingPair) string {
	if o.Side == OrderSideBuy {
		return pair.QuoteCurrency
	}
	return pair.BaseCurrency
}

// Finalize derives status from the fill amounts. Terminal orders are left
// untouched.
func (o *Order) Finalize(now time.Time) {
	if o.Status.Terminal() {
		return
	}
	switch {
	case o.RemainingAmount <= 0:
		o.Status = OrderStatusFilled
		o.FilledAt = &now
	case o.FilledAmount > 0:
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Trade represents an executed match between a taker and a maker order.
// Trades are append-only.
type Trade struct {
	ID                uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	Pair              string       `json:"pair" gorm:"index;size:32"`
	TakerOrderID      uuid.UUID    `json:"taker_order_id" gorm:"type:uuid;index"`
	MakerOrderID      uuid.UUID    `json:"maker_order_id" gorm:"type:uuid;index"`
	BuyerID           uuid.UUID    `json:"buyer_id" gorm:"type:uuid"`
	SellerID          uuid.UUID    `json:"seller_id" gorm:"type:uuid"`
	TakerSide         OrderSide    `json:"taker_side" gorm:"size:8"`
	Price             money.Amount `json:"price"`
	Amount            money.Amount `json:"amount"`
	Total             money.Amount `json:"total"`
	BuyerFee          money.Amount `json:"buyer_fee"`
	SellerFee         money.Amount `json:"seller_fee"`
	BuyerFeeCurrency  string       `json:"buyer_fee_currency" gorm:"size:16"`
	SellerFeeCurrency string       `json:"seller_fee_currency" gorm:"size:16"`
	CreatedAt         time.Time    `json:"created_at" gorm:"index"`
}

// FeeType is the role a fee configuration applies to
type FeeType string

const (
	FeeTypeMaker      FeeType = "maker"
	FeeTypeTaker      FeeType = "taker"
	FeeTypeWithdrawal FeeType = "withdrawal"
)

// FeeConfig is a configured fee. Rows with empty Currency and Pair are
// global for their FeeType.
type FeeConfig struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	FeeType      FeeType      `json:"fee_type" gorm:"index;size:16"`
	Currency     string       `json:"currency,omitempty" gorm:"size:16"`
	Pair         string       `json:"pair,omitempty" gorm:"size:32"`
	Value        money.Amount `json:"value"`
	IsPercentage bool         `json:"is_percentage"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
