// Package watch keeps account subscriptions alive.
//
// There is at most one live watch per (address, ledger). Starting a new watch
// for a pair cancels the previous one, and the new handler is not called until
// the previous delivery goroutine has exited. A stream that ends without being
// stopped is reopened with backoff.
package watch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/metrics"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watch manager closed")

// 32MB is fastcache's minimum useful size.
const dedupCacheBytes = 32 << 20

// Handler receives every update of one watch, in order, from a single
// goroutine.
type Handler func(ledger.AccountUpdate)

type Options struct {
	Commitment ledger.Commitment
	RetryMin   time.Duration
	RetryMax   time.Duration
	Clock      clock.Clock
	Logger     log.Logger
}

type pair struct {
	address solana.PublicKey
	kind    ledger.Kind
}

// Manager owns every watch of one client.
type Manager struct {
	ledgers ledger.Set
	opts    Options
	log     log.Logger

	// last delivered payload per handle
	seen *fastcache.Cache
	ids  atomic.Uint64

	mu      sync.Mutex
	handles map[pair]*Handle
	closed  bool
	wg      sync.WaitGroup
}

func NewManager(ledgers ledger.Set, opts Options) *Manager {
	if opts.Commitment == "" {
		opts.Commitment = ledger.Processed
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 250 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("component", "watch")
	}
	return &Manager{
		ledgers: ledgers,
		opts:    opts,
		log:     opts.Logger,
		seen:    fastcache.New(dedupCacheBytes),
		handles: make(map[pair]*Handle),
	}
}

// Handle is one running watch.
type Handle struct {
	m       *Manager
	pair    pair
	id      uint64
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func (h *Handle) Address() solana.PublicKey { return h.pair.address }
func (h *Handle) Kind() ledger.Kind         { return h.pair.kind }

// Stop cancels the watch. It does not wait; use Done for that. Stop may be
// called from the watch's own handler.
func (h *Handle) Stop() { h.cancel() }

// Done is closed once the delivery goroutine has exited and the subscription
// is released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Watch subscribes to address on the given ledger and calls handler for every
// update that differs from the previous one. The watch runs until Stop, Close
// or the end of ctx. The first subscription is opened synchronously so its
// error is returned.
func (m *Manager) Watch(ctx context.Context, address solana.PublicKey, kind ledger.Kind, handler Handler) (*Handle, error) {
	l := m.ledgers.Get(kind)
	if l == nil {
		return nil, fmt.Errorf("no %s ledger configured", kind)
	}

	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:       m,
		pair:    pair{address: address, kind: kind},
		id:      m.ids.Add(1),
		handler: handler,
		ctx:     hctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	prior := m.handles[h.pair]
	m.handles[h.pair] = h
	m.wg.Add(1)
	metrics.ActiveWatches.Set(float64(len(m.handles)))
	m.mu.Unlock()

	if prior != nil {
		m.log.Debug("replacing watch", "account", address, "ledger", kind)
		prior.cancel()
	}

	sub, err := l.SubscribeAccount(hctx, address, m.opts.Commitment)
	if err != nil {
		cancel()
		m.release(h)
		close(h.done)
		m.wg.Done()
		return nil, fmt.Errorf("subscribe to %s on %s: %w", address, kind, err)
	}

	go m.run(h, l, sub, prior)
	return h, nil
}

// Active returns the number of live watches.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close stops every watch and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	m.wg.Wait()
	m.seen.Reset()
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.handles[h.pair] == h {
		delete(m.handles, h.pair)
	}
	metrics.ActiveWatches.Set(float64(len(m.handles)))
	m.mu.Unlock()
	m.seen.Del(h.dedupKey())
}

func (m *Manager) run(h *Handle, l ledger.Ledger, sub ledger.Subscription, prior *Handle) {
	defer m.wg.Done()
	defer close(h.done)
	defer m.release(h)

	if prior != nil {
		select {
		case <-prior.done:
		case <-h.ctx.Done():
			sub.Unsubscribe()
			return
		}
	}

	b := &backoff.Backoff{
		Min:    m.opts.RetryMin,
		Max:    m.opts.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		ended := m.deliver(h, sub)
		sub.Unsubscribe()
		if !ended {
			return
		}
		m.log.Warn("account stream ended, resubscribing", "account", h.pair.address, "ledger", h.pair.kind)

		if sub = m.resubscribe(h, l, b); sub == nil {
			return
		}
		b.Reset()
		m.log.Info("resubscribed", "account", h.pair.address, "ledger", h.pair.kind)
	}
}

// resubscribe retries until a subscription opens or the watch is cancelled,
// in which case it returns nil.
func (m *Manager) resubscribe(h *Handle, l ledger.Ledger, b *backoff.Backoff) ledger.Subscription {
	for {
		wait := b.Duration()
		timer := m.opts.Clock.Timer(wait)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		sub, err := l.SubscribeAccount(h.ctx, h.pair.address, m.opts.Commitment)
		if err == nil {
			return sub
		}
		m.log.Warn("resubscribe failed", "account", h.pair.address, "ledger", h.pair.kind, "attempt", b.Attempt(), "err", err)
	}
}

// deliver forwards updates until the watch is cancelled (false) or the stream
// ends on its own (true).
func (m *Manager) deliver(h *Handle, sub ledger.Subscription) bool {
	updates := sub.Updates()
	for {
		select {
		case <-h.ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return h.ctx.Err() == nil
			}
			if h.ctx.Err() != nil {
				return false
			}
			if m.duplicate(h, u) {
				continue
			}
			h.handler(u)
		}
	}
}

// duplicate reports whether u carries the same account state as the last
// update delivered on h, and records it otherwise.
func (m *Manager) duplicate(h *Handle, u ledger.AccountUpdate) bool {
	payload := encodeState(u.Account)
	key := h.dedupKey()
	if prev, ok := m.seen.HasGet(nil, key); ok && string(prev) == string(payload) {
		return true
	}
	m.seen.Set(key, payload)
	return false
}

func (h *Handle) dedupKey() []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], h.id)
	return k[:]
}

func encodeState(a *ledger.AccountInfo) []byte {
	if a == nil {
		return []byte{0}
	}
	out := make([]byte, 0, 1+32+8+len(a.Data))
	out = append(out, 1)
	out = append(out, a.Owner[:]...)
	out = binary.LittleEndian.AppendUint64(out, a.Lamports)
	return append(out, a.Data...)
}
