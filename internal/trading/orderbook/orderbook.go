// Package orderbook keeps the per-pair index of resting orders.
//
// Bids are ordered by price descending, asks by price ascending, and within
// a price by arrival sequence. Untriggered stop-limit orders are held apart
// from both sides and never matched until released by TriggeredStops.
//
// The book is written only by its pair's matching worker. Readers on other
// goroutines (depth snapshots) are safe; every order handed out is a copy.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

func bidLess(a, b *models.Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	return a.Seq < b.Seq
}

func askLess(a, b *models.Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Seq < b.Seq
}

// OrderBook is the index for one trading pair.
type OrderBook struct {
	Pair string

	mu    sync.RWMutex
	bids  *btree.BTreeG[*models.Order]
	asks  *btree.BTreeG[*models.Order]
	stops []*models.Order
	byID  map[uuid.UUID]*models.Order
}

func NewOrderBook(pair string) *OrderBook {
	opts := btree.Options{NoLocks: true}
	return &OrderBook{
		Pair: pair,
		bids: btree.NewBTreeGOptions(bidLess, opts),
		asks: btree.NewBTreeGOptions(askLess, opts),
		byID: make(map[uuid.UUID]*models.Order),
	}
}

func (ob *OrderBook) side(s models.OrderSide) *btree.BTreeG[*models.Order] {
	if s == models.OrderSideBuy {
		return ob.bids
	}
	return ob.asks
}

// AddOrder inserts a resting order. Orders without a price, without an
// arrival sequence or in a non-resting status are rejected.
func (ob *OrderBook) AddOrder(o *models.Order) error {
	if !o.Resting() {
		return errors.InvalidOrderState.Explain("order %s (%s %s) cannot rest in the book", o.ID, o.Type, o.Status)
	}
	if o.Seq == 0 {
		return errors.Invalid.Explain("order %s has no arrival sequence", o.ID)
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if _, dup := ob.byID[o.ID]; dup {
		return errors.Invalid.Explain("order %s already in book", o.ID)
	}
	c := o.Clone()
	ob.side(c.Side).Set(c)
	ob.byID[c.ID] = c
	return nil
}

// AddStop holds an untriggered stop-limit order.
func (ob *OrderBook) AddStop(o *models.Order) error {
	if o.Type != models.OrderTypeStopLimit || o.StopPrice <= 0 {
		return errors.Invalid.Explain("order %s is not a stop-limit order", o.ID)
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if _, dup := ob.byID[o.ID]; dup {
		return errors.Invalid.Explain("order %s already in book", o.ID)
	}
	c := o.Clone()
	i := sort.Search(len(ob.stops), func(i int) bool { return ob.stops[i].Seq > c.Seq })
	ob.stops = append(ob.stops, nil)
	copy(ob.stops[i+1:], ob.stops[i:])
	ob.stops[i] = c
	ob.byID[c.ID] = c
	return nil
}

// Update replaces the stored state of a resting order after a fill. Price
// and sequence must not change.
func (ob *OrderBook) Update(o *models.Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	cur, ok := ob.byID[o.ID]
	if !ok {
		return errors.NotFound.Explain("order %s not in book", o.ID)
	}
	if cur.Price != o.Price || cur.Seq != o.Seq || cur.Side != o.Side {
		return errors.Invalid.Explain("order %s changed its book position", o.ID)
	}
	*cur = *o.Clone()
	return nil
}

// Remove drops an order from either side or the stop list.
func (ob *OrderBook) Remove(id uuid.UUID) (*models.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.remove(id)
}

func (ob *OrderBook) remove(id uuid.UUID) (*models.Order, bool) {
	o, ok := ob.byID[id]
	if !ok {
		return nil, false
	}
	delete(ob.byID, id)
	if o.Type == models.OrderTypeStopLimit {
		for i, s := range ob.stops {
			if s.ID == id {
				ob.stops = append(ob.stops[:i], ob.stops[i+1:]...)
				break
			}
		}
		return o.Clone(), true
	}
	ob.side(o.Side).Delete(o)
	return o.Clone(), true
}

// Get returns a copy of the order if the book holds it.
func (ob *OrderBook) Get(id uuid.UUID) (*models.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.byID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Next returns the highest-priority resting order on side that comes
// strictly after the given one, or the best order when after is nil.
// after need not still be in the book.
func (ob *OrderBook) Next(side models.OrderSide, after *models.Order) (*models.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var found *models.Order
	iter := func(o *models.Order) bool {
		if after != nil && o.ID == after.ID {
			return true
		}
		found = o
		return false
	}
	if after == nil {
		ob.side(side).Scan(iter)
	} else {
		ob.side(side).Ascend(after, iter)
	}
	if found == nil {
		return nil, false
	}
	return found.Clone(), true
}

// Best returns the top of side.
func (ob *OrderBook) Best(side models.OrderSide) (*models.Order, bool) {
	return ob.Next(side, nil)
}

// Orders lists side in priority order.
func (ob *OrderBook) Orders(side models.OrderSide) []*models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*models.Order, 0, ob.side(side).Len())
	ob.side(side).Scan(func(o *models.Order) bool {
		out = append(out, o.Clone())
		return true
	})
	return out
}

// Stops lists pending stop orders in arrival order.
func (ob *OrderBook) Stops() []*models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]*models.Order, len(ob.stops))
	for i, s := range ob.stops {
		out[i] = s.Clone()
	}
	return out
}

// Triggered reports whether a stop order fires at last: buy stops at or
// above the stop price, sell stops at or below it.
func Triggered(o *models.Order, last money.Amount) bool {
	if last <= 0 {
		return false
	}
	if o.Side == models.OrderSideBuy {
		return last >= o.StopPrice
	}
	return last <= o.StopPrice
}

// TriggeredStops removes and returns, in arrival order, every stop that
// fires at last.
func (ob *OrderBook) TriggeredStops(last money.Amount) []*models.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	var fired []*models.Order
	kept := ob.stops[:0]
	for _, s := range ob.stops {
		if Triggered(s, last) {
			fired = append(fired, s)
			delete(ob.byID, s.ID)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(ob.stops); i++ {
		ob.stops[i] = nil
	}
	ob.stops = kept
	return fired
}

// Expired returns copies of held orders whose expiry is before now.
func (ob *OrderBook) Expired(now time.Time) []*models.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	var out []*models.Order
	for _, o := range ob.byID {
		if o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of bids, asks and pending stops.
func (ob *OrderBook) Len() (bids, asks, stops int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.Len(), ob.asks.Len(), len(ob.stops)
}

// CostToFill walks the opposite side for an incoming order of amount on
// side and returns the quote cost of what the book can fill and the amount
// left unfilled.
func (ob *OrderBook) CostToFill(side models.OrderSide, amount money.Amount) (cost, unfilled money.Amount, err error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	unfilled = amount
	ob.side(side.Opposite()).Scan(func(o *models.Order) bool {
		take := money.Min(unfilled, o.RemainingAmount)
		var part money.Amount
		if part, err = money.Mul(take, o.Price); err != nil {
			return false
		}
		if cost, err = money.Add(cost, part); err != nil {
			return false
		}
		unfilled -= take
		return unfilled > 0
	})
	return cost, unfilled, err
}
