package orderbook

import (
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Level aggregates resting orders at one price.
type Level struct {
	Price  money.Amount `json:"price"`
	Amount money.Amount `json:"amount"`
	Orders int          `json:"orders"`
}

// Snapshot is an aggregated view of the top of the book.
type Snapshot struct {
	Pair string  `json:"pair"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// GetSnapshot aggregates up to depth price levels per side. A depth of
// zero or less returns every level.
func (ob *OrderBook) GetSnapshot(depth int) Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return Snapshot{
		Pair: ob.Pair,
		Bids: ob.levels(models.OrderSideBuy, depth),
		Asks: ob.levels(models.OrderSideSell, depth),
	}
}

func (ob *OrderBook) levels(side models.OrderSide, depth int) []Level {
	out := []Level{}
	ob.side(side).Scan(func(o *models.Order) bool {
		if n := len(out); n > 0 && out[n-1].Price == o.Price {
			out[n-1].Amount += o.RemainingAmount
			out[n-1].Orders++
			return true
		}
		if depth > 0 && len(out) == depth {
			return false
		}
		out = append(out, Level{Price: o.Price, Amount: o.RemainingAmount, Orders: 1})
		return true
	})
	return out
}
