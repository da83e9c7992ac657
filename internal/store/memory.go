package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
)

// Memory is a Store held in process memory. Commits are serialized; it does
// no row locking of its own, so concurrent writers to the same rows must be
// coordinated by the caller (the ledger's keyed locks and the engine's pair
// workers).
type Memory struct {
	mu          sync.RWMutex
	pairs       map[string]*models.TradingPair
	currencies  map[string]*models.Currency
	orders      map[uuid.UUID]*models.Order
	balances    map[balanceKey]*models.Balance
	withdrawals map[uuid.UUID]*models.WithdrawalRequest
	fees        []*models.FeeConfig
	trades      []*models.Trade
	tradeIDs    map[uuid.UUID]struct{}
	nextFeeID   uint
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		pairs:       make(map[string]*models.TradingPair),
		currencies:  make(map[string]*models.Currency),
		orders:      make(map[uuid.UUID]*models.Order),
		balances:    make(map[balanceKey]*models.Balance),
		withdrawals: make(map[uuid.UUID]*models.WithdrawalRequest),
		tradeIDs:    make(map[uuid.UUID]struct{}),
		now:         utcNow,
	}
}

func (m *Memory) Pair(_ context.Context, symbol string) (*models.TradingPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairs[symbol]
	if !ok {
		return nil, notFound("trading pair", symbol)
	}
	c := *p
	return &c, nil
}

func (m *Memory) Currency(_ context.Context, symbol string) (*models.Currency, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.currencies[symbol]
	if !ok {
		return nil, notFound("currency", symbol)
	}
	c := *cur
	return &c, nil
}

func (m *Memory) Order(_ context.Context, id uuid.UUID) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return o.Clone(), nil
}

func (m *Memory) Balance(_ context.Context, userID uuid.UUID, currency string) (*models.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[balanceKey{userID, currency}]
	if !ok {
		return nil, notFound("balance", userID.String()+"/"+currency)
	}
	return b.Clone(), nil
}

func (m *Memory) Withdrawal(_ context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, notFound("withdrawal", id)
	}
	c := *w
	return &c, nil
}

func (m *Memory) ActiveFeeConfig(_ context.Context, feeType models.FeeType) (*models.FeeConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.fees) - 1; i >= 0; i-- {
		f := m.fees[i]
		if f.FeeType == feeType && f.Active && f.Currency == "" && f.Pair == "" {
			c := *f
			return &c, nil
		}
	}
	return nil, notFound("fee config", feeType)
}

func (m *Memory) Pairs(_ context.Context) ([]*models.TradingPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.TradingPair, 0, len(m.pairs))
	for _, p := range m.pairs {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) OpenOrders(_ context.Context, pair string) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Pair == pair && o.Cancellable() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) UserOrders(_ context.Context, userID uuid.UUID, pair string) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.UserID == userID && !o.Status.Terminal() && (pair == "" || o.Pair == pair) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) Trades(_ context.Context, pair string, limit int) ([]*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trade
	for i := len(m.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if t := m.trades[i]; t.Pair == pair {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) Balances(_ context.Context, userID uuid.UUID) ([]*models.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Balance
	for k, b := range m.balances {
		if k.user == userID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

// AllBalances returns every balance record, ordered by user then currency.
func (m *Memory) AllBalances() []*models.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].UserID[:], out[j].UserID[:]); c != 0 {
			return c < 0
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (m *Memory) MaxOrderSeq(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, o := range m.orders {
		if o.Seq > max {
			max = o.Seq
		}
	}
	return max, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{unit: newUnit(m, m.now), m: m}, nil
}

func (m *Memory) putFee(f *models.FeeConfig) {
	if f.ID != 0 {
		for i, existing := range m.fees {
			if existing.ID == f.ID {
				m.fees[i] = f
				return
			}
		}
		if f.ID > m.nextFeeID {
			m.nextFeeID = f.ID
		}
	} else {
		m.nextFeeID++
		f.ID = m.nextFeeID
	}
	m.fees = append(m.fees, f)
}

type memoryTx struct {
	unit
	m *Memory
}

func (tx *memoryTx) Commit(_ context.Context) error {
	if err := tx.s.validate(); err != nil {
		return err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tx.s.trades {
		if _, dup := m.tradeIDs[t.ID]; dup {
			return errors.Invalid.Explain("trade %s already recorded", t.ID)
		}
	}
	for k, v := range tx.s.pairs {
		m.pairs[k] = v
	}
	for k, v := range tx.s.currencies {
		m.currencies[k] = v
	}
	for k, v := range tx.s.orders {
		m.orders[k] = v
	}
	for k, v := range tx.s.balances {
		m.balances[k] = v
	}
	for k, v := range tx.s.withdrawals {
		m.withdrawals[k] = v
	}
	for _, f := range tx.s.fees {
		m.putFee(f)
	}
	for _, t := range tx.s.trades {
		m.trades = append(m.trades, t)
		m.tradeIDs[t.ID] = struct{}{}
	}
	tx.s.done = true
	return nil
}
