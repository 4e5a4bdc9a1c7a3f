// Package funding keeps signing identities above a minimum balance.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/metrics"
)

const (
	DefaultMinimum       = 50_000_000    // 0.05 SOL
	DefaultTopUpAmount   = 1_000_000_000 // 1 SOL
	DefaultAttempts      = 3
	DefaultConfirmWindow = 30 * time.Second
)

var (
	// ErrTopUpFailed is returned once every top-up attempt has failed.
	ErrTopUpFailed = errors.New("top-up failed")
	// ErrTopUpDisabled is returned when a balance is short and the faucet
	// may not be used.
	ErrTopUpDisabled = errors.New("top-up disabled")
)

type Options struct {
	TopUpAmount uint64
	Attempts    int
	RetryMin    time.Duration
	RetryMax    time.Duration
	AllowTopUp  bool
	// Limiter paces faucet requests across every identity; nil allows one
	// request per second.
	Limiter       *rate.Limiter
	Commitment    ledger.Commitment
	ConfirmWindow time.Duration
	Clock         clock.Clock
	Logger        log.Logger
}

// Guard ensures identities hold a minimum balance before they sign.
type Guard struct {
	ledgers ledger.Set
	opts    Options
	group   singleflight.Group
	log     log.Logger
}

func NewGuard(ledgers ledger.Set, opts Options) *Guard {
	if opts.TopUpAmount == 0 {
		opts.TopUpAmount = DefaultTopUpAmount
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 500 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = opts.RetryMin * 8
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(time.Second), 2)
	}
	if opts.Commitment == "" {
		opts.Commitment = ledger.Confirmed
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = DefaultConfirmWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("component", "funding")
	}
	return &Guard{ledgers: ledgers, opts: opts, log: opts.Logger}
}

// EnsureFunded tops up address on the given ledger when its balance is below
// minimum and waits for the top-up to land. It reports whether a top-up was
// made. Concurrent calls for the same address and ledger share one check.
func (g *Guard) EnsureFunded(ctx context.Context, address solana.PublicKey, kind ledger.Kind, minimum uint64) (bool, error) {
	l := g.ledgers.Get(kind)
	if l == nil {
		return false, fmt.Errorf("no %s ledger configured", kind)
	}
	v, err, _ := g.group.Do(string(kind)+":"+address.String(), func() (interface{}, error) {
		return g.ensure(ctx, l, address, minimum)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (g *Guard) ensure(ctx context.Context, l ledger.Ledger, address solana.PublicKey, minimum uint64) (bool, error) {
	balance, err := l.Balance(ctx, address)
	if err != nil {
		return false, fmt.Errorf("read balance of %s: %w", address, err)
	}
	if balance >= minimum {
		return false, nil
	}
	if !g.opts.AllowTopUp {
		return false, fmt.Errorf("%w: %s holds %d lamports on %s, needs %d", ErrTopUpDisabled, address, balance, l.Kind(), minimum)
	}

	b := &backoff.Backoff{
		Min:    g.opts.RetryMin,
		Max:    g.opts.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for {
		if err := g.opts.Limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("wait for faucet slot: %w", err)
		}
		lastErr = g.topUp(ctx, l, address, minimum)
		if lastErr == nil {
			metrics.TopUps.WithLabelValues(string(l.Kind()), metrics.OutcomeOK).Inc()
			g.log.Info("topped up identity", "ledger", l.Kind(), "address", address, "lamports", g.opts.TopUpAmount)
			return true, nil
		}
		metrics.TopUps.WithLabelValues(string(l.Kind()), metrics.OutcomeFailed).Inc()

		// b.Attempt() starts from zero
		attempt := int(b.Attempt()) + 1
		if attempt >= g.opts.Attempts {
			return false, fmt.Errorf("%w: %d attempts for %s: %w", ErrTopUpFailed, attempt, address, lastErr)
		}
		wait := b.Duration()
		g.log.Warn("top-up failed, retrying", "ledger", l.Kind(), "address", address, "attempt", attempt, "wait", wait, "err", lastErr)

		timer := g.opts.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("%w: %w", ErrTopUpFailed, ctx.Err())
		case <-timer.C:
		}
	}
}

func (g *Guard) topUp(ctx context.Context, l ledger.Ledger, address solana.PublicKey, minimum uint64) error {
	sig, err := l.RequestTopUp(ctx, address, g.opts.TopUpAmount)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.ConfirmWindow)
	defer cancel()
	if err := l.ConfirmTransaction(cctx, sig, g.opts.Commitment); err != nil {
		return err
	}
	balance, err := l.Balance(ctx, address)
	if err != nil {
		return err
	}
	if balance < minimum {
		return fmt.Errorf("balance %d still below %d after top-up %s", balance, minimum, sig)
	}
	return nil
}
