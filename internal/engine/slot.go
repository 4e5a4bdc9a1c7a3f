package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/metrics"
	"github.com/ephemeral-examples/ledgersync/internal/pipeline"
	"github.com/ephemeral-examples/ledgersync/internal/program"
	"github.com/ephemeral-examples/ledgersync/internal/watch"
)

type action struct {
	rec  PendingAction
	done chan struct{}
}

// Slot runs the actions of one flow, one at a time.
type Slot struct {
	e    *Engine
	flow Flow
	log  log.Logger

	// background submissions and watches live as long as the slot
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	confirmed    *program.State
	current      *action
	lastTimedOut *action
	// expecting is the id the watchdog may still time out; cleared on every
	// terminal transition and checked when the timer fires
	expecting string
	timer     *clock.Timer
	history   []*action
	notices   chan Notice
	watches   []*watch.Handle
	closed    bool
}

func newSlot(e *Engine, flow Flow) *Slot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Slot{
		e:       e,
		flow:    flow,
		log:     e.log.With("flow", flow.Name),
		ctx:     ctx,
		cancel:  cancel,
		notices: make(chan Notice, noticeBuffer),
	}
}

func (s *Slot) open(ctx context.Context) error {
	for _, kind := range s.e.deps.Ledgers.Kinds() {
		kind := kind
		h, err := s.e.deps.Watcher.Watch(s.ctx, s.flow.Account, kind, func(u ledger.AccountUpdate) {
			s.apply(kind, u)
		})
		if err != nil {
			return fmt.Errorf("watch %s on %s: %w", s.flow.Account, kind, err)
		}
		s.mu.Lock()
		s.watches = append(s.watches, h)
		s.mu.Unlock()
	}

	st, err := s.initialState(ctx)
	if err != nil {
		return err
	}
	if st != nil {
		s.observe(ledger.Base, *st)
	}
	return nil
}

// initialState reads the account from the ledger that owns it. A delegated
// account the ephemeral ledger has not loaded yet is nudged; failing that the
// frozen base copy is used.
func (s *Slot) initialState(ctx context.Context) (*program.State, error) {
	route, _, err := s.e.deps.Router.Route(ctx, s.flow.Account)
	switch {
	case errors.Is(err, delegation.ErrNotInitialized):
		s.log.Info("account not initialized yet", "account", s.flow.Account)
		return nil, nil
	case err != nil:
		return nil, err
	case route == ledger.Base:
		return s.e.readState(ctx, ledger.Base, s.flow)
	}

	st, err := s.e.readState(ctx, ledger.Ephemeral, s.flow)
	if err != nil {
		s.log.Warn("read from ephemeral ledger failed", "account", s.flow.Account, "err", err)
	}
	if st == nil {
		st = s.e.nudge(ctx, s.flow)
	}
	if st == nil {
		return s.e.readState(ctx, ledger.Base, s.flow)
	}
	return st, nil
}

// apply decodes one pushed update and feeds it to the state machine.
func (s *Slot) apply(kind ledger.Kind, u ledger.AccountUpdate) {
	if u.Account == nil {
		return
	}
	st, err := program.Decode(s.flow.Layout, u.Account.Data)
	if err != nil {
		s.log.Warn("dropping undecodable update", "ledger", kind, "slot", u.Slot, "err", err)
		return
	}
	s.observe(kind, st)
}

// observe applies the sequencing rule. The confirmed value only moves
// forward. The in-flight action resolves on a strictly greater sequence than
// it was submitted against; otherwise a greater sequence is recorded as the
// late outcome of the last timed-out action.
func (s *Slot) observe(kind ledger.Kind, st program.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.confirmed == nil || st.Sequence >= s.confirmed.Sequence {
		cp := st
		s.confirmed = &cp
	}

	if a := s.current; a != nil {
		if st.Sequence > a.rec.ExpectedAfterSequence {
			s.resolveLocked(a, st, kind)
			return
		}
		s.log.Debug("ignoring update that does not advance the sequence", "ledger", kind, "sequence", st.Sequence, "expected_after", a.rec.ExpectedAfterSequence)
		return
	}

	if a := s.lastTimedOut; a != nil && a.rec.Late == nil && st.Sequence > a.rec.ExpectedAfterSequence {
		now := s.e.opts.Clock.Now()
		a.rec.Late = &LateOutcome{State: st, At: now}
		metrics.Actions.WithLabelValues(s.flow.Name, metrics.ActionLate).Inc()
		s.log.Info("late update for timed-out action", "id", a.rec.ID, "ledger", kind, "value", st.Value, "sequence", st.Sequence)
		s.notifyLocked(Notice{
			Flow:     s.flow.Name,
			ActionID: a.rec.ID,
			Kind:     NoticeLate,
			Message:  fmt.Sprintf("action landed late with value %d", st.Value),
			At:       now,
		})
	}
}

// Dispatch starts an action and returns its record in Submitting. It fails
// with ErrSlotBusy while another action is in flight.
func (s *Slot) Dispatch(ctx context.Context) (*PendingAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSlotClosed
	}
	if s.current != nil {
		id := s.current.rec.ID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: action %s is %s", ErrSlotBusy, id, s.stateOf(id))
	}

	a := &action{
		rec: PendingAction{
			ID:          uuid.NewString(),
			Flow:        s.flow.Name,
			State:       Submitting,
			SubmittedAt: s.e.opts.Clock.Now(),
		},
		done: make(chan struct{}),
	}
	if s.confirmed != nil {
		a.rec.ExpectedAfterSequence = s.confirmed.Sequence
	}
	s.current = a
	s.state = Submitting
	s.history = append(s.history, a)

	id := a.rec.ID
	s.expecting = id
	s.timer = s.e.opts.Clock.AfterFunc(s.flow.Timeout, func() { s.expire(id) })

	snap := a.rec.clone()
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("dispatched action", "id", id, "expected_after", snap.ExpectedAfterSequence, "timeout", s.flow.Timeout)
	go s.submit(a)
	return &snap, nil
}

func (s *Slot) stateOf(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.history {
		if a.rec.ID == id {
			return a.rec.State
		}
	}
	return Idle
}

// expire is the watchdog callback. It only acts if id is still expected.
func (s *Slot) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.current
	if s.expecting != id || a == nil || a.rec.ID != id {
		return
	}

	now := s.e.opts.Clock.Now()
	a.rec.State = TimedOut
	a.rec.TimedOutAt = now
	s.expecting = ""
	s.timer = nil
	s.current = nil
	s.state = TimedOut
	s.lastTimedOut = a
	close(a.done)

	metrics.Actions.WithLabelValues(s.flow.Name, metrics.ActionTimedOut).Inc()
	s.log.Warn("action timed out", "id", id, "timeout", s.flow.Timeout, "sig", a.rec.Signature)
	s.notifyLocked(Notice{
		Flow:     s.flow.Name,
		ActionID: id,
		Kind:     NoticeTimeout,
		Message:  fmt.Sprintf("no update within %s; the transaction may still land", s.flow.Timeout),
		At:       now,
	})
}

func (s *Slot) resolveLocked(a *action, st program.State, kind ledger.Kind) {
	now := s.e.opts.Clock.Now()
	cp := st
	a.rec.State = Resolved
	a.rec.Outcome = &cp
	a.rec.ResolvedAt = now
	s.disarmLocked()
	s.current = nil
	s.state = Resolved
	close(a.done)

	route := a.rec.Route
	if route == "" {
		route = kind
	}
	metrics.Actions.WithLabelValues(s.flow.Name, metrics.ActionResolved).Inc()
	metrics.ResolutionLatency.WithLabelValues(s.flow.Name, string(route)).Observe(now.Sub(a.rec.SubmittedAt).Seconds())
	s.log.Info("action resolved", "id", a.rec.ID, "ledger", kind, "value", st.Value, "sequence", st.Sequence, "elapsed", now.Sub(a.rec.SubmittedAt))
}

func (s *Slot) failLocked(a *action, err error) {
	now := s.e.opts.Clock.Now()
	a.rec.State = Failed
	a.rec.Err = err
	a.rec.Error = err.Error()
	a.rec.ResolvedAt = now
	s.disarmLocked()
	s.current = nil
	s.state = Idle
	close(a.done)

	metrics.Actions.WithLabelValues(s.flow.Name, metrics.ActionFailed).Inc()
	s.log.Warn("action failed", "id", a.rec.ID, "err", err)
	s.notifyLocked(Notice{
		Flow:     s.flow.Name,
		ActionID: a.rec.ID,
		Kind:     NoticeFailure,
		Message:  err.Error(),
		At:       now,
	})
}

func (s *Slot) disarmLocked() {
	s.expecting = ""
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Slot) notifyLocked(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Warn("notice dropped, nobody is reading", "kind", n.Kind, "id", n.ActionID)
	}
}

// submit runs in the background for one action.
func (s *Slot) submit(a *action) {
	defer s.wg.Done()

	route, sig, err := s.execute(s.ctx, a)

	s.mu.Lock()
	if !sig.IsZero() {
		a.rec.Signature = sig
	}
	if s.expecting != a.rec.ID {
		// already resolved or timed out
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("submission finished after the action ended", "id", a.rec.ID, "err", err)
		}
		return
	}
	if err != nil && !errors.Is(err, ledger.ErrConfirmationTimeout) {
		s.failLocked(a, err)
		s.mu.Unlock()
		return
	}
	if a.rec.State == Submitting {
		a.rec.State = AwaitingConfirmation
		s.state = AwaitingConfirmation
	}
	s.mu.Unlock()
	s.log.Debug("awaiting authoritative update", "id", a.rec.ID, "ledger", route, "sig", sig)

	// the base ledger confirmed the write, so its state is authoritative now
	if route == ledger.Base && err == nil {
		st, err := s.e.readState(s.ctx, ledger.Base, s.flow)
		if err != nil {
			s.log.Warn("read after confirmation failed", "account", s.flow.Account, "err", err)
			return
		}
		if st != nil {
			s.observe(ledger.Base, *st)
		}
	}
}

// execute routes, initializes when needed and sends the action.
func (s *Slot) execute(ctx context.Context, a *action) (ledger.Kind, solana.Signature, error) {
	route, _, err := s.e.deps.Router.Route(ctx, s.flow.Account)
	if errors.Is(err, delegation.ErrNotInitialized) {
		if s.flow.Initialize == nil {
			return ledger.Base, solana.Signature{}, fmt.Errorf("%s: %w", s.flow.Name, err)
		}
		if err := s.initialize(ctx); err != nil {
			return ledger.Base, solana.Signature{}, err
		}
		route = ledger.Base
	} else if err != nil {
		return "", solana.Signature{}, err
	}

	s.prepare(a, route)
	tx, err := s.flow.Action(route)
	if err != nil {
		return route, solana.Signature{}, fmt.Errorf("build %s action: %w", s.flow.Name, err)
	}
	sig, err := s.send(ctx, route, tx)
	return route, sig, err
}

// prepare records the route and raises the expected sequence to the value
// observed right before submission.
func (s *Slot) prepare(a *action, route ledger.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.rec.Route = route
	if s.confirmed != nil && s.confirmed.Sequence > a.rec.ExpectedAfterSequence {
		a.rec.ExpectedAfterSequence = s.confirmed.Sequence
	}
}

func (s *Slot) initialize(ctx context.Context) error {
	s.log.Info("initializing account on base ledger", "account", s.flow.Account)
	tx, err := s.flow.Initialize()
	if err != nil {
		return fmt.Errorf("build %s initialization: %w", s.flow.Name, err)
	}
	if _, err := s.send(ctx, ledger.Base, tx); err != nil {
		return fmt.Errorf("initialize %s: %w", s.flow.Account, err)
	}
	st, err := s.e.readState(ctx, ledger.Base, s.flow)
	if err != nil {
		return fmt.Errorf("read %s after initialization: %w", s.flow.Account, err)
	}
	if st != nil {
		s.observe(ledger.Base, *st)
	}
	return nil
}

// send funds the fee payer for base ledger writes and submits tx. Ephemeral
// writes are not confirmed here; the pushed update is their confirmation.
func (s *Slot) send(ctx context.Context, route ledger.Kind, tx Tx) (solana.Signature, error) {
	req := pipeline.Request{
		Kind:         route,
		Instructions: tx.Instructions,
		FeePayer:     tx.FeePayer,
		Signers:      tx.Signers,
		Unique:       s.flow.Unique,
	}
	if len(req.FeePayer) == 0 {
		req.FeePayer = s.flow.FeePayer
	}
	if req.Signers == nil {
		req.Signers = s.flow.Signers
	}

	if route == ledger.Base {
		req.Commitment = s.flow.BaseCommitment
		if s.e.deps.Funder != nil && s.flow.MinBalance > 0 {
			if _, err := s.e.deps.Funder.EnsureFunded(ctx, req.FeePayer.PublicKey(), ledger.Base, s.flow.MinBalance); err != nil {
				return solana.Signature{}, err
			}
		}
	} else {
		req.Commitment = s.flow.EphemeralCommitment
		req.SkipConfirm = true
	}
	return s.e.deps.Submitter.Submit(ctx, req)
}

// View returns what the UI should render now.
func (s *Slot) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{Flow: s.flow.Name, Account: s.flow.Account, State: s.state}
	if s.confirmed != nil {
		c := *s.confirmed
		v.Confirmed = &c
	}
	if a := s.current; a != nil {
		var base program.State
		if s.confirmed != nil {
			base = *s.confirmed
		}
		p := s.provisional(base)
		v.Provisional = &p
		v.Pending = a.rec.ID
	}
	return v
}

func (s *Slot) provisional(base program.State) program.State {
	if s.flow.Provisional != nil {
		return s.flow.Provisional(base)
	}
	base.Value++
	base.Sequence++
	return base
}

// Flow returns the slot's flow name.
func (s *Slot) Flow() string { return s.flow.Name }

// Account returns the account the slot tracks.
func (s *Slot) Account() solana.PublicKey { return s.flow.Account }

// History returns every action not yet evicted, oldest first.
func (s *Slot) History() []PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingAction, 0, len(s.history))
	for _, a := range s.history {
		out = append(out, a.rec.clone())
	}
	return out
}

// Action returns the record of id.
func (s *Slot) Action(id string) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(id)
	if a == nil {
		return PendingAction{}, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	return a.rec.clone(), nil
}

func (s *Slot) findLocked(id string) *action {
	for _, a := range s.history {
		if a.rec.ID == id {
			return a
		}
	}
	return nil
}

// Evict removes a finished action from the history. In-flight actions cannot
// be evicted.
func (s *Slot) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.history {
		if a.rec.ID != id {
			continue
		}
		if a.rec.State.InFlight() {
			return fmt.Errorf("%w: action %s is %s", ErrSlotBusy, id, a.rec.State)
		}
		s.history = append(s.history[:i:i], s.history[i+1:]...)
		if s.lastTimedOut == a {
			s.lastTimedOut = nil
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, id)
}

// ClearHistory evicts every finished action and returns how many were
// removed.
func (s *Slot) ClearHistory() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0:0]
	for _, a := range s.history {
		if a.rec.State.InFlight() {
			kept = append(kept, a)
		}
	}
	removed := len(s.history) - len(kept)
	s.history = kept
	s.lastTimedOut = nil
	return removed
}

// Notices delivers user-visible notices. The channel is closed by Close.
func (s *Slot) Notices() <-chan Notice { return s.notices }

// DrainNotices returns every notice queued so far without blocking. Callers
// that poll use it instead of ranging over Notices.
func (s *Slot) DrainNotices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Notice{}
	for {
		select {
		case n, ok := <-s.notices:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

// Wait blocks until action id reaches a terminal state.
func (s *Slot) Wait(ctx context.Context, id string) (PendingAction, error) {
	s.mu.Lock()
	a := s.findLocked(id)
	s.mu.Unlock()
	if a == nil {
		return PendingAction{}, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return PendingAction{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.rec.clone(), nil
}

// Close fails any in-flight action with ErrSlotClosed, stops the watches and
// waits for background work.
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if a := s.current; a != nil {
		s.failLocked(a, ErrSlotClosed)
	}
	s.disarmLocked()
	s.closed = true
	watches := s.watches
	s.mu.Unlock()

	s.cancel()
	for _, h := range watches {
		h.Stop()
		<-h.Done()
	}
	s.wg.Wait()

	s.mu.Lock()
	close(s.notices)
	s.mu.Unlock()
	s.e.forget(s)
	s.log.Debug("closed slot")
}
