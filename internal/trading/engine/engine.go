// Package engine matches orders against the per-pair books and settles the
// resulting trades through the ledger.
//
// Every pair is owned by exactly one worker goroutine; all book scans and
// mutations for the pair happen on it, so two orders on the same pair never
// interleave. Pairs hashed to different workers match in parallel and only
// meet at the balance locks.
package engine

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/ledger"
	"github.com/Aidin1998/pincex_spot/internal/store"
	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/internal/trading/fee"
	"github.com/Aidin1998/pincex_spot/internal/trading/marketdata"
	"github.com/Aidin1998/pincex_spot/internal/trading/orderbook"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
	"github.com/Aidin1998/pincex_spot/pkg/models"
	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Config tunes the engine
type Config struct {
	Workers     int
	QueueSize   int
	LockTimeout time.Duration
	// FeeAccount receives collected trading fees. uuid.Nil discards them.
	FeeAccount uuid.UUID
}

func DefaultConfig() Config {
	return Config{
		Workers:     runtime.NumCPU(),
		QueueSize:   1000,
		LockTimeout: 2 * time.Second,
	}
}

// Result is the outcome of submitting one order. A resting order with no
// trades is the normal no-liquidity outcome.
type Result struct {
	Order  *models.Order   `json:"order"`
	Trades []*models.Trade `json:"trades"`
}

type job struct {
	ctx  context.Context
	pair string
	fn   func(ctx context.Context, ob *orderbook.OrderBook) error
	err  error
	done chan struct{}
}

// Engine represents the trading engine
type Engine struct {
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	store  store.Store
	ledger *ledger.Ledger
	fees   *fee.Calculator
	market *marketdata.Updater
	bus    events.EventBus
	seq    *Sequencer
	now    func() time.Time

	booksMu sync.RWMutex
	books   map[string]*orderbook.OrderBook

	mu      sync.RWMutex
	running bool
	queues  []chan *job
	quit    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a new trading engine
func NewEngine(config Config, st store.Store, l *ledger.Ledger, fees *fee.Calculator, market *marketdata.Updater, bus events.EventBus, logger *zap.Logger) *Engine {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = DefaultConfig().LockTimeout
	}
	return &Engine{
		config: config,
		logger: logger,
		tracer: otel.Tracer("pincex/engine"),
		store:  st,
		ledger: l,
		fees:   fees,
		market: market,
		bus:    bus,
		seq:    NewSequencer(0),
		now:    func() time.Time { return time.Now().UTC() },
		books:  make(map[string]*orderbook.OrderBook),
	}
}

// Start seeds the arrival sequence from the store and starts the workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.Unavailable.Explain("trading engine is already running")
	}

	maxSeq, err := e.store.MaxOrderSeq(ctx)
	if err != nil {
		return errors.Unavailable.Explain("failed to load order sequence").Wrap(err)
	}
	e.seq.Advance(maxSeq)

	e.quit = make(chan struct{})
	e.stopped = make(chan struct{})
	e.queues = make([]chan *job, e.config.Workers)
	for i := range e.queues {
		e.queues[i] = make(chan *job, e.config.QueueSize)
		e.wg.Add(1)
		go e.work(e.queues[i])
	}
	e.running = true
	e.logger.Info("Trading engine started",
		zap.Int("workers", e.config.Workers),
		zap.Uint64("seq", e.seq.Current()))
	return nil
}

// Stop lets in-flight jobs finish, fails queued ones with Unavailable and
// waits for the workers to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()
	close(e.stopped)
	e.logger.Info("Trading engine stopped")
}

// NextSeq reserves the next arrival sequence.
func (e *Engine) NextSeq() uint64 { return e.seq.Next() }

func (e *Engine) work(queue chan *job) {
	defer e.wg.Done()
	for {
		select {
		case j := <-queue:
			e.run(j)
		case <-e.quit:
			for {
				select {
				case j := <-queue:
					j.err = errors.Unavailable.Explain("trading engine stopped")
					close(j.done)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) run(j *job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in matching worker", zap.String("pair", j.pair), zap.Any("panic", r))
			j.err = errors.TradeExecutionFailed.Explain("matching worker panicked on %s", j.pair)
		}
	}()
	// A dispatched job always runs to completion.
	ctx := context.WithoutCancel(j.ctx)
	ob, err := e.book(ctx, j.pair)
	if err != nil {
		j.err = err
		return
	}
	j.err = j.fn(ctx, ob)
}

func (e *Engine) worker(pair string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair))
	return int(h.Sum32() % uint32(len(e.queues)))
}

// dispatch runs fn on the pair's worker and waits for it. It fails with
// Unavailable, without running fn, when the engine is stopped or ctx ends
// before the job is queued.
func (e *Engine) dispatch(ctx context.Context, pair string, fn func(ctx context.Context, ob *orderbook.OrderBook) error) error {
	j := &job{ctx: ctx, pair: pair, fn: fn, done: make(chan struct{})}

	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return errors.Unavailable.Explain("trading engine is not running")
	}
	queue, quit, stopped := e.queues[e.worker(pair)], e.quit, e.stopped
	e.mu.RUnlock()

	select {
	case queue <- j:
	case <-quit:
		return errors.Unavailable.Explain("trading engine stopped")
	case <-ctx.Done():
		return errors.Unavailable.Explain("order not dispatched").Wrap(ctx.Err())
	}

	select {
	case <-j.done:
		return j.err
	case <-stopped:
		select {
		case <-j.done:
			return j.err
		default:
			return errors.Unavailable.Explain("trading engine stopped")
		}
	}
}

// book returns the pair's index, loading resting orders and pending stops
// from the store on first use. Only the pair's worker calls it.
func (e *Engine) book(ctx context.Context, pair string) (*orderbook.OrderBook, error) {
	e.booksMu.RLock()
	ob, ok := e.books[pair]
	e.booksMu.RUnlock()
	if ok {
		return ob, nil
	}

	if _, err := e.store.Pair(ctx, pair); err != nil {
		return nil, err
	}
	orders, err := e.store.OpenOrders(ctx, pair)
	if err != nil {
		return nil, errors.Unavailable.Explain("failed to load open orders for %s", pair).Wrap(err)
	}
	ob = orderbook.NewOrderBook(pair)
	var resting, stops int
	for _, o := range orders {
		switch {
		case o.Type == models.OrderTypeStopLimit && o.Status == models.OrderStatusPending:
			err = ob.AddStop(o)
			stops++
		case o.Resting():
			err = ob.AddOrder(o)
			resting++
		default:
			// Accepted but never matched; left to its submitter or a cancel.
			e.logger.Debug("pending order not restored to book", zap.Stringer("order_id", o.ID))
			continue
		}
		if err != nil {
			return nil, err
		}
		e.seq.Advance(o.Seq)
	}

	e.booksMu.Lock()
	e.books[pair] = ob
	e.booksMu.Unlock()
	e.logger.Info("order book loaded", zap.String("pair", pair), zap.Int("resting", resting), zap.Int("stops", stops))
	return ob, nil
}

// Submit matches o, which must already be persisted with its funds locked
// and Reserved set. The returned order is the engine's final view of it.
func (e *Engine) Submit(ctx context.Context, o *models.Order) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit", trace.WithAttributes(
		attribute.String("pair", o.Pair),
		attribute.String("side", string(o.Side)),
		attribute.String("type", string(o.Type))))
	defer span.End()

	if o.Seq == 0 {
		o.Seq = e.seq.Next()
	}
	start := time.Now()
	var res *Result
	err := e.dispatch(ctx, o.Pair, func(ctx context.Context, ob *orderbook.OrderBook) error {
		var err error
		res, err = e.process(ctx, ob, o.Clone())
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.OrdersProcessed.WithLabelValues(string(o.Type), string(o.Side)).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("trades", len(res.Trades)))
	return res, nil
}

// Cancel cancels a resting or pending order. A non-nil userID must own it.
func (e *Engine) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	return e.terminate(ctx, userID, orderID, models.OrderStatusCancelled)
}

// Expire moves every booked order and pending stop whose expiry is before
// now to expired and returns them.
func (e *Engine) Expire(ctx context.Context, now time.Time) ([]*models.Order, error) {
	pairs, err := e.store.Pairs(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.Order
	for _, pair := range pairs {
		err := e.dispatch(ctx, pair.Symbol, func(ctx context.Context, ob *orderbook.OrderBook) error {
			for _, o := range ob.Expired(now) {
				done, err := e.close(ctx, ob, o.ID, models.OrderStatusExpired)
				if err != nil {
					e.logger.Warn("failed to expire order", zap.Stringer("order_id", o.ID), zap.Error(err))
					continue
				}
				out = append(out, done)
			}
			return nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Snapshot returns aggregated depth for pair, loading the book if needed.
func (e *Engine) Snapshot(ctx context.Context, pair string, depth int) (*orderbook.Snapshot, error) {
	ob, err := e.loaded(ctx, pair)
	if err != nil {
		return nil, err
	}
	snap := ob.GetSnapshot(depth)
	return &snap, nil
}

// EstimateCost walks the opposite side of pair's book for an order of
// amount on side. See orderbook.CostToFill.
func (e *Engine) EstimateCost(ctx context.Context, pair string, side models.OrderSide, amount money.Amount) (cost, unfilled money.Amount, err error) {
	ob, err := e.loaded(ctx, pair)
	if err != nil {
		return 0, 0, err
	}
	return ob.CostToFill(side, amount)
}

func (e *Engine) loaded(ctx context.Context, pair string) (*orderbook.OrderBook, error) {
	e.booksMu.RLock()
	ob, ok := e.books[pair]
	e.booksMu.RUnlock()
	if ok {
		return ob, nil
	}
	err := e.dispatch(ctx, pair, func(_ context.Context, b *orderbook.OrderBook) error {
		ob = b
		return nil
	})
	return ob, err
}
