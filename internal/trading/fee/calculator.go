// Package fee resolves maker and taker fee rates.
package fee

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Role is the liquidity role charged for a trade.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Config holds the fallback rates, in percent.
type Config struct {
	DefaultMakerFee money.Amount
	DefaultTakerFee money.Amount
}

// DefaultConfig charges 0.1% maker and 0.2% taker.
func DefaultConfig() Config {
	return Config{
		DefaultMakerFee: money.MustParse("0.1"),
		DefaultTakerFee: money.MustParse("0.2"),
	}
}

// Calculator resolves rates: pair override, then the global active fee
// configuration for the role, then the configured default.
type Calculator struct {
	config Config
	logger *zap.Logger
}

func NewCalculator(config Config, logger *zap.Logger) *Calculator {
	return &Calculator{config: config, logger: logger}
}

// Rate returns the fee fraction in [0, 1] for role on pair. r is usually
// the unit of work the trade is settling in.
func (c *Calculator) Rate(ctx context.Context, r store.Reader, pair *models.TradingPair, role Role) (money.Amount, error) {
	override := pair.MakerFee
	feeType := models.FeeTypeMaker
	fallback := c.config.DefaultMakerFee
	if role == RoleTaker {
		override = pair.TakerFee
		feeType = models.FeeTypeTaker
		fallback = c.config.DefaultTakerFee
	}

	if override != nil {
		return c.fraction(pair.Symbol, role, *override, true)
	}

	cfg, err := r.ActiveFeeConfig(ctx, feeType)
	switch {
	case err == nil:
		return c.fraction(pair.Symbol, role, cfg.Value, cfg.IsPercentage)
	case !errors.Is(err, errors.NotFound):
		return 0, err
	}
	return c.fraction(pair.Symbol, role, fallback, true)
}

func (c *Calculator) fraction(pair string, role Role, value money.Amount, percent bool) (money.Amount, error) {
	rate := value
	if percent {
		var err error
		if rate, err = money.Percent(value); err != nil {
			return 0, errors.Overflow.Wrap(err)
		}
	}
	if rate < 0 {
		c.logger.Warn("negative fee rate configured, using zero",
			zap.String("pair", pair), zap.String("role", string(role)), zap.Stringer("value", value))
		return 0, nil
	}
	if rate > money.One {
		c.logger.Warn("fee rate above 100% configured, capping",
			zap.String("pair", pair), zap.String("role", string(role)), zap.Stringer("value", value))
		return money.One, nil
	}
	return rate, nil
}

// Charge returns amount*rate, truncated.
func Charge(amount, rate money.Amount) (money.Amount, error) {
	f, err := money.Mul(amount, rate)
	if err != nil {
		return 0, errors.Overflow.Wrap(err)
	}
	return f, nil
}
