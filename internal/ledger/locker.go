package ledger

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
)

// Key identifies one balance record.
type Key struct {
	UserID   uuid.UUID
	Currency string
}

func (k Key) String() string { return k.UserID.String() + ":" + k.Currency }

func (k Key) less(o Key) bool {
	if c := bytes.Compare(k.UserID[:], o.UserID[:]); c != 0 {
		return c < 0
	}
	return k.Currency < o.Currency
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Locker provides mutual exclusion per balance record. Holders of disjoint
// keys never wait on each other. Slots are dropped once no goroutine holds
// or waits on them.
type Locker struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[Key]*slot)}
}

// Acquire locks every key, in a fixed global order so that overlapping
// acquisitions cannot deadlock. It gives up with errors.Unavailable when ctx
// ends first. The returned release func is idempotent.
func (l *Locker) Acquire(ctx context.Context, keys ...Key) (func(), error) {
	keys = normalize(keys)
	start := time.Now()
	held := make([]Key, 0, len(keys))
	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			l.release(held)
			return nil, errors.Unavailable.Explain("waiting for balance lock %s", k).Wrap(ctx.Err())
		}
	}
	metrics.BalanceLockWait.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *Locker) ref(k Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func (l *Locker) release(held []Key) {
	for i := len(held) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[held[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(held[i])
	}
}

// size reports how many slots are live.
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func normalize(keys []Key) []Key {
	out := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}
