// Package marketdata rolls executed trades into pair statistics and fans the
// resulting ticks out to broadcasters.
package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Tick is the market update emitted after a trade.
type Tick struct {
	Pair      string       `json:"pair"`
	Price     money.Amount `json:"price"`
	Amount    money.Amount `json:"amount"`
	LastPrice money.Amount `json:"last_price"`
	High24h   money.Amount `json:"high_24h"`
	Low24h    money.Amount `json:"low_24h"`
	Volume24h money.Amount `json:"volume_24h"`
	Time      time.Time    `json:"time"`
}

// Broadcaster delivers ticks to an external audience.
type Broadcaster interface {
	Name() string
	BroadcastTick(ctx context.Context, tick Tick) error
}

// Apply records a trade of amount at price on pair. Zero high and low mean
// no bound has been seen yet. volume_24h only grows; rolling the window is
// the caller's job.
func Apply(pair *models.TradingPair, price, amount money.Amount, now time.Time) (Tick, error) {
	vol, err := money.Add(pair.Volume24h, amount)
	if err != nil {
		return Tick{}, errors.Overflow.Explain("volume_24h on %s", pair.Symbol).Wrap(err)
	}
	pair.LastPrice = price
	pair.Volume24h = vol
	if pair.High24h == 0 || price > pair.High24h {
		pair.High24h = price
	}
	if pair.Low24h == 0 || price < pair.Low24h {
		pair.Low24h = price
	}
	pair.UpdatedAt = now
	return Tick{
		Pair:      pair.Symbol,
		Price:     price,
		Amount:    amount,
		LastPrice: pair.LastPrice,
		High24h:   pair.High24h,
		Low24h:    pair.Low24h,
		Volume24h: pair.Volume24h,
		Time:      now,
	}, nil
}

// Updater applies trades and emits ticks.
type Updater struct {
	mu           sync.RWMutex
	broadcasters []Broadcaster
	logger       *zap.Logger
}

func NewUpdater(logger *zap.Logger, broadcasters ...Broadcaster) *Updater {
	return &Updater{broadcasters: broadcasters, logger: logger}
}

// Register adds a broadcaster.
func (u *Updater) Register(b Broadcaster) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.broadcasters = append(u.broadcasters, b)
}

// Apply is the package Apply, kept on the updater so the engine needs only
// one collaborator.
func (u *Updater) Apply(pair *models.TradingPair, price, amount money.Amount, now time.Time) (Tick, error) {
	return Apply(pair, price, amount, now)
}

// Emit sends ticks to every broadcaster. Failures are logged and counted;
// they never reach the caller since the trades are already committed.
func (u *Updater) Emit(ctx context.Context, ticks ...Tick) {
	u.mu.RLock()
	bs := append([]Broadcaster(nil), u.broadcasters...)
	u.mu.RUnlock()
	for _, tick := range ticks {
		for _, b := range bs {
			if err := b.BroadcastTick(ctx, tick); err != nil {
				metrics.BroadcastFailures.WithLabelValues(b.Name()).Inc()
				u.logger.Warn("market tick broadcast failed",
					zap.String("broadcaster", b.Name()),
					zap.String("pair", tick.Pair),
					zap.Error(err))
			}
		}
	}
}
