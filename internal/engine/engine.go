// Package engine runs optimistic actions against whichever ledger currently
// owns an account.
//
// A Slot tracks one account. Dispatch records a PendingAction, shows a
// provisional value and submits in the background. The action resolves when
// an account update with a strictly greater sequence arrives, or times out
// when the flow's watchdog fires first. Only one action per slot is in flight
// at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/raulk/clock"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/pipeline"
	"github.com/ephemeral-examples/ledgersync/internal/program"
	"github.com/ephemeral-examples/ledgersync/internal/watch"
)

var (
	// ErrSlotBusy is returned by Dispatch while an action is in flight.
	ErrSlotBusy   = errors.New("slot busy")
	ErrSlotClosed = errors.New("slot closed")
	// ErrUnknownAction is returned for an id that is not in the history.
	ErrUnknownAction = errors.New("unknown action")
	ErrFlowOpen      = errors.New("flow already open")
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultNudgeAttempts = 10
	DefaultNudgeLamports = 1
	noticeBuffer         = 32
)

// Tx is what one submission sends. Empty FeePayer and Signers fall back to
// the flow's.
type Tx struct {
	Instructions []solana.Instruction
	FeePayer     solana.PrivateKey
	Signers      []solana.PrivateKey
}

// Flow describes one kind of action on one account.
type Flow struct {
	Name    string
	Account solana.PublicKey
	Layout  program.Layout
	// Timeout bounds the wait for an authoritative update.
	Timeout time.Duration
	// Action builds the transaction for the ledger the account currently
	// lives on.
	Action func(route ledger.Kind) (Tx, error)
	// Initialize creates the account on the base ledger. Nil means the flow
	// cannot create its account.
	Initialize func() (Tx, error)
	// Provisional derives the value shown while an action is in flight.
	// Nil shows the confirmed value with the next sequence.
	Provisional func(confirmed program.State) program.State

	FeePayer            solana.PrivateKey
	Signers             []solana.PrivateKey
	BaseCommitment      ledger.Commitment
	EphemeralCommitment ledger.Commitment
	// MinBalance is ensured for the fee payer before base ledger writes.
	MinBalance uint64
	Unique     bool
}

func (f *Flow) validate() error {
	switch {
	case f.Name == "":
		return errors.New("flow has no name")
	case f.Account.IsZero():
		return fmt.Errorf("flow %s has no account", f.Name)
	case f.Layout.Size() == 0:
		return fmt.Errorf("flow %s has unknown layout %s", f.Name, f.Layout)
	case f.Action == nil:
		return fmt.Errorf("flow %s has no action", f.Name)
	case len(f.FeePayer) == 0:
		return fmt.Errorf("flow %s has no fee payer", f.Name)
	}
	if f.Timeout <= 0 {
		f.Timeout = DefaultTimeout
	}
	if f.BaseCommitment == "" {
		f.BaseCommitment = ledger.Confirmed
	}
	if f.EphemeralCommitment == "" {
		f.EphemeralCommitment = ledger.Processed
	}
	return nil
}

// Router picks the authoritative ledger of an account.
type Router interface {
	Route(ctx context.Context, address solana.PublicKey) (ledger.Kind, delegation.Status, error)
}

// Submitter sends transactions.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (solana.Signature, error)
}

// Funder keeps fee payers above a minimum balance.
type Funder interface {
	EnsureFunded(ctx context.Context, address solana.PublicKey, kind ledger.Kind, minimum uint64) (bool, error)
}

// Watcher opens account watches.
type Watcher interface {
	Watch(ctx context.Context, address solana.PublicKey, kind ledger.Kind, handler watch.Handler) (*watch.Handle, error)
}

// Deps are the collaborators of an Engine. Funder may be nil.
type Deps struct {
	Ledgers   ledger.Set
	Router    Router
	Submitter Submitter
	Funder    Funder
	Watcher   Watcher
}

type Options struct {
	Clock  clock.Clock
	Logger log.Logger
	// NudgeAttempts bounds how often Open pokes the ephemeral ledger to load
	// a delegated account it does not serve yet.
	NudgeAttempts int
	NudgeLamports uint64
	NudgeInterval time.Duration
}

// Engine owns the slots of one client.
type Engine struct {
	deps Deps
	opts Options
	log  log.Logger

	mu    sync.Mutex
	slots map[string]*Slot
}

func New(deps Deps, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("component", "engine")
	}
	if opts.NudgeAttempts <= 0 {
		opts.NudgeAttempts = DefaultNudgeAttempts
	}
	if opts.NudgeLamports == 0 {
		opts.NudgeLamports = DefaultNudgeLamports
	}
	if opts.NudgeInterval <= 0 {
		opts.NudgeInterval = 500 * time.Millisecond
	}
	return &Engine{deps: deps, opts: opts, log: opts.Logger, slots: make(map[string]*Slot)}
}

// Open reads the account's current value from its authoritative ledger,
// starts watching it on both ledgers and returns the slot in Idle.
func (e *Engine) Open(ctx context.Context, flow Flow) (*Slot, error) {
	if err := flow.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.slots[flow.Name]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFlowOpen, flow.Name)
	}
	s := newSlot(e, flow)
	e.slots[flow.Name] = s
	e.mu.Unlock()

	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	e.log.Info("opened slot", "flow", flow.Name, "account", flow.Account, "state", s.View().State)
	return s, nil
}

// Slot returns the open slot of flow.
func (e *Engine) Slot(flow string) (*Slot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[flow]
	return s, ok
}

// Slots returns every open slot.
func (e *Engine) Slots() []*Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Slot, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s)
	}
	return out
}

// Close closes every slot.
func (e *Engine) Close() {
	for _, s := range e.Slots() {
		s.Close()
	}
}

func (e *Engine) forget(s *Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.slots[s.flow.Name] == s {
		delete(e.slots, s.flow.Name)
	}
}

// readState fetches and decodes the account from kind. A missing account
// gives nil.
func (e *Engine) readState(ctx context.Context, kind ledger.Kind, flow Flow) (*program.State, error) {
	l := e.deps.Ledgers.Get(kind)
	if l == nil {
		return nil, fmt.Errorf("no %s ledger configured", kind)
	}
	info, err := l.AccountInfo(ctx, flow.Account)
	if err != nil {
		return nil, fmt.Errorf("read %s on %s: %w", flow.Account, kind, err)
	}
	if info == nil {
		return nil, nil
	}
	st, err := program.Decode(flow.Layout, info.Data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// nudge asks the ephemeral ledger to load a delegated account it does not
// serve yet. A tiny top-up touching the account makes the validator clone
// it. It gives up after NudgeAttempts and returns nil.
func (e *Engine) nudge(ctx context.Context, flow Flow) *program.State {
	l := e.deps.Ledgers.Ephemeral
	if l == nil {
		return nil
	}
	for attempt := 1; attempt <= e.opts.NudgeAttempts; attempt++ {
		if _, err := l.RequestTopUp(ctx, flow.Account, e.opts.NudgeLamports); err != nil {
			e.log.Debug("ephemeral nudge failed", "flow", flow.Name, "attempt", attempt, "err", err)
		}
		st, err := e.readState(ctx, ledger.Ephemeral, flow)
		if err == nil && st != nil {
			return st
		}
		if attempt == e.opts.NudgeAttempts {
			break
		}

		timer := e.opts.Clock.Timer(e.opts.NudgeInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	e.log.Warn("ephemeral ledger did not load account", "flow", flow.Name, "account", flow.Account, "attempts", e.opts.NudgeAttempts)
	return nil
}
