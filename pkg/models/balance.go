package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Balance is a user's holding of one currency.
// Total always equals Available + Locked and neither bucket is negative.
type Balance struct {
	UserID    uuid.UUID    `json:"user_id" gorm:"primaryKey;type:uuid"`
	Currency  string       `json:"currency" gorm:"primaryKey;size:16"`
	Available money.Amount `json:"available"`
	Locked    money.Amount `json:"locked"`
	Total     money.Amount `json:"total"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewBalance returns the zero balance created lazily on first use.
func NewBalance(userID uuid.UUID, currency string) *Balance {
	return &Balance{UserID: userID, Currency: currency}
}

// Check verifies the balance invariants.
func (b *Balance) Check() error {
	if b.Available < 0 || b.Locked < 0 {
		return errors.BalanceInvariantViolation.Explain("%s %s: available=%s locked=%s",
			b.UserID, b.Currency, b.Available, b.Locked)
	}
	sum, err := money.Add(b.Available, b.Locked)
	if err != nil || sum != b.Total {
		return errors.BalanceInvariantViolation.Explain("%s %s: total %s != available %s + locked %s",
			b.UserID, b.Currency, b.Total, b.Available, b.Locked)
	}
	return nil
}

// Recompute sets Total from the two buckets.
func (b *Balance) Recompute() error {
	sum, err := money.Add(b.Available, b.Locked)
	if err != nil {
		return errors.Overflow.Explain("balance %s %s", b.UserID, b.Currency).Wrap(err)
	}
	b.Total = sum
	return nil
}

func (b *Balance) Clone() *Balance {
	c := *b
	return &c
}
