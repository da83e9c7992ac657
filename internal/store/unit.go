package store

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
)

type balanceKey struct {
	user     uuid.UUID
	currency string
}

// staged holds the pending writes of one unit of work.
type staged struct {
	pairs       map[string]*models.TradingPair
	currencies  map[string]*models.Currency
	orders      map[uuid.UUID]*models.Order
	balances    map[balanceKey]*models.Balance
	withdrawals map[uuid.UUID]*models.WithdrawalRequest
	fees        []*models.FeeConfig
	trades      []*models.Trade
	done        bool
}

func newStaged() *staged {
	return &staged{
		pairs:       make(map[string]*models.TradingPair),
		currencies:  make(map[string]*models.Currency),
		orders:      make(map[uuid.UUID]*models.Order),
		balances:    make(map[balanceKey]*models.Balance),
		withdrawals: make(map[uuid.UUID]*models.WithdrawalRequest),
	}
}

// validate checks what Commit must refuse.
func (s *staged) validate() error {
	if s.done {
		return ErrTxDone
	}
	for _, b := range s.balances {
		if err := b.Check(); err != nil {
			return err
		}
	}
	for _, o := range s.orders {
		if o.FilledAmount+o.RemainingAmount != o.Amount {
			return errors.InvalidOrderState.Explain("order %s: filled %s + remaining %s != amount %s",
				o.ID, o.FilledAmount, o.RemainingAmount, o.Amount)
		}
	}
	seen := make(map[uuid.UUID]struct{}, len(s.trades))
	for _, t := range s.trades {
		if t.ID == uuid.Nil {
			return errors.Invalid.Explain("trade without id")
		}
		if _, dup := seen[t.ID]; dup {
			return errors.Invalid.Explain("trade %s inserted twice", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// sortedBalances returns staged balances in key order so concurrent
// commits touch rows in the same sequence.
func (s *staged) sortedBalances() []*models.Balance {
	out := make([]*models.Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].UserID[:], out[j].UserID[:]); c != 0 {
			return c < 0
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (s *staged) sortedOrders() []*models.Order {
	out := make([]*models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out
}

// unit implements Tx on top of a base Reader. Store implementations embed
// it and supply Commit.
type unit struct {
	base Reader
	s    *staged
	now  func() time.Time
}

func utcNow() time.Time { return time.Now().UTC() }

func newUnit(base Reader, now func() time.Time) unit {
	return unit{base: base, s: newStaged(), now: now}
}

func (u *unit) Pair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	if p, ok := u.s.pairs[symbol]; ok {
		c := *p
		return &c, nil
	}
	return u.base.Pair(ctx, symbol)
}

func (u *unit) Currency(ctx context.Context, symbol string) (*models.Currency, error) {
	if c, ok := u.s.currencies[symbol]; ok {
		cp := *c
		return &cp, nil
	}
	return u.base.Currency(ctx, symbol)
}

func (u *unit) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	if o, ok := u.s.orders[id]; ok {
		return o.Clone(), nil
	}
	return u.base.Order(ctx, id)
}

func (u *unit) Balance(ctx context.Context, userID uuid.UUID, currency string) (*models.Balance, error) {
	if b, ok := u.s.balances[balanceKey{userID, currency}]; ok {
		return b.Clone(), nil
	}
	return u.base.Balance(ctx, userID, currency)
}

func (u *unit) Withdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	if w, ok := u.s.withdrawals[id]; ok {
		c := *w
		return &c, nil
	}
	return u.base.Withdrawal(ctx, id)
}

func (u *unit) ActiveFeeConfig(ctx context.Context, feeType models.FeeType) (*models.FeeConfig, error) {
	for i := len(u.s.fees) - 1; i >= 0; i-- {
		f := u.s.fees[i]
		if f.FeeType == feeType && f.Active && f.Currency == "" && f.Pair == "" {
			c := *f
			return &c, nil
		}
	}
	return u.base.ActiveFeeConfig(ctx, feeType)
}

func (u *unit) touch(created, updated *time.Time) {
	now := u.now()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func (u *unit) SavePair(p *models.TradingPair) {
	c := *p
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.pairs[c.Symbol] = &c
}

func (u *unit) SaveCurrency(cur *models.Currency) {
	c := *cur
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.currencies[c.Symbol] = &c
}

func (u *unit) SaveOrder(o *models.Order) {
	c := o.Clone()
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.orders[c.ID] = c
}

func (u *unit) SaveBalance(b *models.Balance) {
	c := b.Clone()
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.balances[balanceKey{c.UserID, c.Currency}] = c
}

func (u *unit) SaveWithdrawal(w *models.WithdrawalRequest) {
	c := *w
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.withdrawals[c.ID] = &c
}

func (u *unit) SaveFeeConfig(f *models.FeeConfig) {
	c := *f
	u.touch(&c.CreatedAt, &c.UpdatedAt)
	u.s.fees = append(u.s.fees, &c)
}

func (u *unit) InsertTrade(t *models.Trade) {
	c := *t
	if c.CreatedAt.IsZero() {
		c.CreatedAt = u.now()
	}
	u.s.trades = append(u.s.trades, &c)
}

func (u *unit) Rollback() {
	u.s.done = true
}
