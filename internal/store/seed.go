package store

import (
	"context"

	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// DefaultCurrencies and DefaultPairs are the reference data a fresh
// deployment starts with.
var (
	DefaultCurrencies = []models.Currency{
		{Symbol: "BTC", Name: "Bitcoin", Network: "bitcoin", Precision: 8, MinDeposit: money.MustParse("0.0001"), MinWithdrawal: money.MustParse("0.001"), WithdrawalFee: money.MustParse("0.0005"), Active: true},
		{Symbol: "ETH", Name: "Ether", Network: "ethereum", Precision: 8, MinDeposit: money.MustParse("0.001"), MinWithdrawal: money.MustParse("0.01"), WithdrawalFee: money.MustParse("0.005"), Active: true},
		{Symbol: "USDT", Name: "Tether", Network: "tron", Precision: 6, MinDeposit: money.New(1), MinWithdrawal: money.New(10), WithdrawalFee: money.New(1), Active: true},
	}
	DefaultPairs = []models.TradingPair{
		{Symbol: "BTC/USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", Active: true, MinOrderSize: money.MustParse("0.0001"), MaxOrderSize: money.New(100), PricePrecision: 2, AmountPrecision: 6},
		{Symbol: "ETH/USDT", BaseCurrency: "ETH", QuoteCurrency: "USDT", Active: true, MinOrderSize: money.MustParse("0.001"), MaxOrderSize: money.New(1000), PricePrecision: 2, AmountPrecision: 5},
	}
)

// Seed stores the default reference data that is not present yet.
// Existing rows are left untouched.
func Seed(ctx context.Context, s Store) (int, error) {
	added := 0
	err := Update(ctx, s, func(tx Tx) error {
		for i := range DefaultCurrencies {
			c := DefaultCurrencies[i]
			if _, err := tx.Currency(ctx, c.Symbol); err == nil {
				continue
			}
			tx.SaveCurrency(&c)
			added++
		}
		for i := range DefaultPairs {
			p := DefaultPairs[i]
			if _, err := tx.Pair(ctx, p.Symbol); err == nil {
				continue
			}
			tx.SavePair(&p)
			added++
		}
		return nil
	})
	return added, err
}
