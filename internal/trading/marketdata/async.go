package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
)

// Async queues ticks for a broadcaster that performs network I/O and
// delivers them from its own goroutine, so Emit never waits on the network.
// A full queue drops the tick.
type Async struct {
	next    Broadcaster
	timeout time.Duration
	logger  *zap.Logger

	queue  chan Tick
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

var _ Broadcaster = (*Async)(nil)

func NewAsync(next Broadcaster, size int, timeout time.Duration, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	a := &Async{next: next, timeout: timeout, logger: logger, queue: make(chan Tick, size)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Name() string { return a.next.Name() }

// BroadcastTick enqueues tick.
func (a *Async) BroadcastTick(_ context.Context, tick Tick) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.Unavailable.Explain("%s broadcaster closed", a.next.Name())
	}
	select {
	case a.queue <- tick:
		return nil
	default:
		return errors.Unavailable.Explain("%s broadcaster queue full", a.next.Name())
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for tick := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.BroadcastTick(ctx, tick); err != nil {
			metrics.BroadcastFailures.WithLabelValues(a.next.Name()).Inc()
			a.logger.Warn("market tick broadcast failed",
				zap.String("broadcaster", a.next.Name()),
				zap.String("pair", tick.Pair),
				zap.Error(err))
		}
		cancel()
	}
}

// Close delivers what is queued and stops the goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}
