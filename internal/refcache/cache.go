// Package refcache keeps the most recent block reference of every ledger warm.
//
// A background ticker refreshes each ledger independently of use. Readers
// never wait on a refresh when an entry exists: a stale entry is returned as is
// and a single asynchronous refresh is started. Only an empty entry costs the
// caller one synchronous round trip.
package refcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/metrics"
)

const (
	DefaultTTL             = 30 * time.Second
	DefaultRefreshInterval = 20 * time.Second
)

// ErrUnknownLedger is returned for a kind the cache was not built with.
var ErrUnknownLedger = errors.New("unknown ledger")

// Entry is one cached reference. Entries are immutable once published.
type Entry struct {
	Reference  ledger.Reference
	CapturedAt time.Time
	invalid    bool
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.CapturedAt) }

type Options struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	Clock           clock.Clock
	Logger          log.Logger
}

// Cache holds one entry per ledger.
type Cache struct {
	ledgers  map[ledger.Kind]ledger.Ledger
	entries  map[ledger.Kind]*atomic.Pointer[Entry]
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	log      log.Logger
	group    singleflight.Group

	// background refreshes are bound to this context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once
}

// New creates a cache over every ledger in set. Nothing is fetched until
// Start or the first Get.
func New(set ledger.Set, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RefreshInterval > opts.TTL {
		opts.RefreshInterval = opts.TTL * 2 / 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("component", "refcache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		ledgers:  make(map[ledger.Kind]ledger.Ledger),
		entries:  make(map[ledger.Kind]*atomic.Pointer[Entry]),
		ttl:      opts.TTL,
		interval: opts.RefreshInterval,
		clock:    opts.Clock,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, kind := range set.Kinds() {
		c.ledgers[kind] = set.Get(kind)
		c.entries[kind] = new(atomic.Pointer[Entry])
	}
	return c
}

// Start warms every ledger in parallel and starts the refresh ticker. Warm-up
// failures are returned but do not stop the ticker; Get falls back to a
// synchronous fetch for ledgers that are still empty.
func (c *Cache) Start(ctx context.Context) error {
	var g errgroup.Group
	for kind := range c.ledgers {
		kind := kind
		g.Go(func() error {
			_, err := c.Refresh(ctx, kind)
			return err
		})
	}
	err := g.Wait()

	c.start.Do(func() {
		c.wg.Add(1)
		go c.loop(c.clock.Ticker(c.interval))
	})
	return err
}

// Stop halts the ticker and waits for in-flight background refreshes.
func (c *Cache) Stop() {
	c.stop.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Cache) loop(ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for kind := range c.ledgers {
				ctx, cancel := context.WithTimeout(c.ctx, c.interval)
				c.Refresh(ctx, kind)
				cancel()
			}
		}
	}
}

// Get returns the cached reference for kind. A stale or invalidated entry is
// returned immediately while a refresh runs in the background.
func (c *Cache) Get(ctx context.Context, kind ledger.Kind) (Entry, error) {
	slot, ok := c.entries[kind]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownLedger, kind)
	}
	e := slot.Load()
	if e == nil {
		return c.Refresh(ctx, kind)
	}
	if e.invalid || e.Age(c.clock.Now()) >= c.ttl {
		c.refreshAsync(kind)
	}
	return *e, nil
}

func (c *Cache) refreshAsync(kind ledger.Kind) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.interval)
		defer cancel()
		c.Refresh(ctx, kind)
	}()
}

// Refresh fetches a new reference for kind and publishes it. Concurrent
// refreshes of one ledger share a single fetch. On failure the previous entry
// stays in place.
func (c *Cache) Refresh(ctx context.Context, kind ledger.Kind) (Entry, error) {
	l, ok := c.ledgers[kind]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownLedger, kind)
	}
	v, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		ref, err := l.LatestReference(ctx)
		if err != nil {
			metrics.ReferenceRefreshes.WithLabelValues(string(kind), metrics.OutcomeFailed).Inc()
			c.log.Warn("reference refresh failed", "ledger", kind, "err", err)
			return nil, err
		}
		e := &Entry{Reference: ref, CapturedAt: c.clock.Now()}
		c.entries[kind].Store(e)
		metrics.ReferenceRefreshes.WithLabelValues(string(kind), metrics.OutcomeOK).Inc()
		c.log.Debug("reference refreshed", "ledger", kind, "blockhash", ref.Blockhash, "valid_until", ref.LastValidBlockHeight)
		return e, nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("refresh %s reference: %w", kind, err)
	}
	return *v.(*Entry), nil
}

// Invalidate marks the current entry of kind as stale, typically after the
// ledger rejected it. The entry is still served until a refresh replaces it.
func (c *Cache) Invalidate(kind ledger.Kind) {
	slot, ok := c.entries[kind]
	if !ok {
		return
	}
	for {
		cur := slot.Load()
		if cur == nil || cur.invalid {
			return
		}
		next := *cur
		next.invalid = true
		if slot.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Peek returns the current entry without triggering any refresh.
func (c *Cache) Peek(kind ledger.Kind) (Entry, bool) {
	slot, ok := c.entries[kind]
	if !ok {
		return Entry{}, false
	}
	e := slot.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}
