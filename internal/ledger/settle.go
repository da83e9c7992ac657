package ledger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Settlement describes the balance movements of one executed trade. The
// buyer pays QuoteAmount and its fee in base; the seller pays BaseAmount and
// its fee in quote. Fees go to FeeAccount unless it is uuid.Nil.
//
// With Earmarked set, at most BuyerHeld and SellerHeld are taken from each
// side's locked funds (what the orders still reserve); otherwise any locked
// funds may cover the debit.
type Settlement struct {
	Buyer       uuid.UUID
	Seller      uuid.UUID
	Base        string
	Quote       string
	BaseAmount  money.Amount
	QuoteAmount money.Amount
	BuyerFee    money.Amount
	SellerFee   money.Amount
	FeeAccount  uuid.UUID

	Earmarked  bool
	BuyerHeld  money.Amount
	SellerHeld money.Amount
}

func (s Settlement) held(buyer bool) money.Amount {
	switch {
	case !s.Earmarked:
		return -1
	case buyer:
		return s.BuyerHeld
	default:
		return s.SellerHeld
	}
}

// Keys lists every balance the settlement touches.
func (s Settlement) Keys() []Key {
	keys := []Key{
		{s.Buyer, s.Base}, {s.Buyer, s.Quote},
		{s.Seller, s.Base}, {s.Seller, s.Quote},
	}
	if s.FeeAccount != uuid.Nil {
		keys = append(keys, Key{s.FeeAccount, s.Base}, Key{s.FeeAccount, s.Quote})
	}
	return keys
}

func (s Settlement) validate() error {
	if s.BaseAmount <= 0 || s.QuoteAmount <= 0 {
		return errors.Invalid.Explain("settlement amounts must be positive")
	}
	if s.BuyerFee < 0 || s.BuyerFee > s.BaseAmount {
		return errors.Invalid.Explain("buyer fee %s outside [0, %s]", s.BuyerFee, s.BaseAmount)
	}
	if s.SellerFee < 0 || s.SellerFee > s.QuoteAmount {
		return errors.Invalid.Explain("seller fee %s outside [0, %s]", s.SellerFee, s.QuoteAmount)
	}
	return nil
}

// Settle stages the four-way balance mutation of a trade on tx. Either every
// change is staged or an error is returned and tx must be rolled back.
func (l *Ledger) Settle(ctx context.Context, tx store.Tx, s Settlement) error {
	if err := s.validate(); err != nil {
		return err
	}
	if err := l.consume(ctx, tx, Key{s.Buyer, s.Quote}, s.QuoteAmount, s.held(true)); err != nil {
		return err
	}
	if err := l.consume(ctx, tx, Key{s.Seller, s.Base}, s.BaseAmount, s.held(false)); err != nil {
		return err
	}
	if _, err := l.Credit(ctx, tx, s.Buyer, s.Base, s.BaseAmount-s.BuyerFee); err != nil {
		return err
	}
	if _, err := l.Credit(ctx, tx, s.Seller, s.Quote, s.QuoteAmount-s.SellerFee); err != nil {
		return err
	}
	if s.FeeAccount == uuid.Nil {
		return nil
	}
	if s.BuyerFee > 0 {
		if _, err := l.Credit(ctx, tx, s.FeeAccount, s.Base, s.BuyerFee); err != nil {
			return err
		}
	}
	if s.SellerFee > 0 {
		if _, err := l.Credit(ctx, tx, s.FeeAccount, s.Quote, s.SellerFee); err != nil {
			return err
		}
	}
	return nil
}

// consume debits owed from the locked bucket, up to held when held is not
// negative, taking any remainder from available. If both together cannot
// cover it the trade must not proceed.
func (l *Ledger) consume(ctx context.Context, tx store.Tx, k Key, owed, held money.Amount) error {
	b, err := Load(ctx, tx, k.UserID, k.Currency)
	if err != nil {
		return err
	}
	take := money.Min(b.Locked, owed)
	if held >= 0 {
		take = money.Min(take, held)
	}
	short := owed - take
	if short > b.Available {
		l.logger.Error("settlement would overdraw balance",
			zap.Stringer("key", k),
			zap.Stringer("owed", owed),
			zap.Stringer("locked", b.Locked),
			zap.Stringer("available", b.Available))
		return &ShortfallError{Key: k, Owed: owed, Held: take + b.Available}
	}
	if short > 0 {
		metrics.SettlementShortfall.WithLabelValues(k.Currency).Inc()
		l.logger.Warn("locked funds short of settlement, drawing from available",
			zap.Stringer("key", k),
			zap.Stringer("owed", owed),
			zap.Stringer("locked", b.Locked))
	}
	b.Locked -= take
	b.Available -= short
	return save(tx, b)
}
