package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/kylelemons/godebug/pretty"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/funding"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/ledger/ledgertest"
	"github.com/ephemeral-examples/ledgersync/internal/pipeline"
	"github.com/ephemeral-examples/ledgersync/internal/program"
	"github.com/ephemeral-examples/ledgersync/internal/refcache"
	"github.com/ephemeral-examples/ledgersync/internal/watch"
)

const (
	counterTimeout = 10 * time.Second
	waitFor        = 2 * time.Second
	tick           = 5 * time.Millisecond
)

type harness struct {
	t       *testing.T
	base    *ledgertest.Fake
	eph     *ledgertest.Fake
	clock   *clock.Mock
	engine  *Engine
	watcher *watch.Manager
	payer   solana.PrivateKey
	counter program.Counter
	account solana.PublicKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	set, base, eph := ledgertest.NewSet()
	mock := clock.NewMock()

	refs := refcache.New(set, refcache.Options{Clock: mock})
	t.Cleanup(refs.Stop)
	watcher := watch.NewManager(set, watch.Options{RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})
	t.Cleanup(watcher.Close)

	e := New(Deps{
		Ledgers: set,
		Router:  delegation.NewTracker(base, mock),
		Submitter: pipeline.New(set, refs, pipeline.Options{
			RetryMin:       time.Millisecond,
			RetryMax:       2 * time.Millisecond,
			ConfirmTimeout: 100 * time.Millisecond,
		}),
		Funder: funding.NewGuard(ledger.Set{Base: base}, funding.Options{
			AllowTopUp: true,
			RetryMin:   time.Millisecond,
			Limiter:    rate.NewLimiter(rate.Inf, 1),
		}),
		Watcher: watcher,
	}, Options{Clock: mock, NudgeAttempts: 1})
	t.Cleanup(e.Close)

	payer := solana.NewWallet().PrivateKey
	counter := program.Counter{ProgramID: solana.NewWallet().PublicKey()}
	account, err := counter.Address(payer.PublicKey())
	require.NoError(t, err)

	return &harness{
		t:       t,
		base:    base,
		eph:     eph,
		clock:   mock,
		engine:  e,
		watcher: watcher,
		payer:   payer,
		counter: counter,
		account: account,
	}
}

func (h *harness) flow() Flow {
	authority := h.payer.PublicKey()
	return Flow{
		Name:    "counter",
		Account: h.account,
		Layout:  h.counter.Layout(),
		Timeout: counterTimeout,
		Action: func(ledger.Kind) (Tx, error) {
			ix, err := h.counter.Increment(authority, authority, nil)
			return Tx{Instructions: []solana.Instruction{ix}}, err
		},
		Initialize: func() (Tx, error) {
			ix, err := h.counter.Initialize(authority)
			return Tx{Instructions: []solana.Instruction{ix}}, err
		},
		FeePayer:   h.payer,
		MinBalance: funding.DefaultMinimum,
	}
}

func (h *harness) counterData(count uint64) []byte {
	data, err := program.Encode(h.counter.Layout(), program.State{Sequence: count, Authority: h.payer.PublicKey()})
	require.NoError(h.t, err)
	return data
}

func (h *harness) setCounter(l *ledgertest.Fake, owner solana.PublicKey, count uint64) {
	l.SetAccount(h.account, &ledger.AccountInfo{Owner: owner, Lamports: 1_000_000, Data: h.counterData(count)})
}

// delegate puts the counter at count on both ledgers with the base copy
// owned by the delegation program.
func (h *harness) delegate(count uint64) {
	h.setCounter(h.base, delegation.ProgramID, count)
	h.setCounter(h.eph, h.counter.ProgramID, count)
}

// simulate runs the counter program on l: initialize creates the account and
// increment adds one.
func (h *harness) simulate(l *ledgertest.Fake) {
	initDisc := program.InstructionDiscriminator("initialize")
	incDisc := program.InstructionDiscriminator("increment")
	l.OnSend(func(tx *solana.Transaction) error {
		for _, ix := range tx.Message.Instructions {
			if !tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(h.counter.ProgramID) {
				continue
			}
			switch {
			case bytes.HasPrefix(ix.Data, initDisc[:]):
				if l.Account(h.account) != nil {
					return errors.New("account already in use")
				}
				h.setCounter(l, h.counter.ProgramID, 0)
			case bytes.HasPrefix(ix.Data, incDisc[:]):
				cur := l.Account(h.account)
				if cur == nil {
					return errors.New("account not initialized")
				}
				st, err := program.Decode(h.counter.Layout(), cur.Data)
				if err != nil {
					return err
				}
				h.setCounter(l, cur.Owner, st.Sequence+1)
			}
		}
		return nil
	})
}

func (h *harness) open() *Slot {
	h.t.Helper()
	slot, err := h.engine.Open(context.Background(), h.flow())
	require.NoError(h.t, err)
	return slot
}

func (h *harness) wait(slot *Slot, id string) PendingAction {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, err := slot.Wait(ctx, id)
	require.NoError(h.t, err)
	return rec
}

func awaitState(t *testing.T, slot *Slot, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return slot.View().State == want }, waitFor, tick, "slot never reached %s", want)
}

func noNotice(t *testing.T, slot *Slot) {
	t.Helper()
	select {
	case n := <-slot.Notices():
		t.Fatalf("unexpected notice: %s", pretty.Sprint(n))
	default:
	}
}

func nextNotice(t *testing.T, slot *Slot) Notice {
	t.Helper()
	select {
	case n := <-slot.Notices():
		return n
	case <-time.After(waitFor):
		t.Fatal("no notice")
	}
	return Notice{}
}

func TestScenario_InitializeThenActOnBase(t *testing.T) {
	h := newHarness(t)
	h.simulate(h.base)
	slot := h.open()

	v := slot.View()
	assert.Nil(t, v.Confirmed)
	assert.Equal(t, Idle, v.State)

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Submitting, p.State)
	assert.Zero(t, p.ExpectedAfterSequence)

	rec := h.wait(slot, p.ID)
	require.Equal(t, Resolved, rec.State, rec.Error)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, uint64(1), rec.Outcome.Value)
	assert.Equal(t, ledger.Base, rec.Route)

	assert.Len(t, h.base.Sent(), 2, "initialize and increment")
	assert.Empty(t, h.eph.Sent())
	assert.Equal(t, 1, h.base.TopUps(), "fee payer funded before the first base write")

	v = slot.View()
	assert.Equal(t, Resolved, v.State)
	require.NotNil(t, v.Confirmed)
	assert.Equal(t, uint64(1), v.Confirmed.Value)
	assert.Nil(t, v.Provisional)
}

func TestScenario_DelegatedResolvesFromPush(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.simulate(h.eph)
	slot := h.open()
	require.Equal(t, uint64(5), slot.View().Confirmed.Value)

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.ExpectedAfterSequence)

	rec := h.wait(slot, p.ID)
	require.Equal(t, Resolved, rec.State, rec.Error)
	assert.Equal(t, uint64(6), rec.Outcome.Value)
	assert.Equal(t, ledger.Ephemeral, rec.Route)
	assert.Len(t, h.eph.Sent(), 1)
	assert.Empty(t, h.base.Sent())
	assert.Zero(t, h.base.TopUps(), "ephemeral writes do not touch the faucet")

	// the watchdog is disarmed
	h.clock.Add(2 * counterTimeout)
	time.Sleep(20 * time.Millisecond)
	got, err := slot.Action(p.ID)
	require.NoError(t, err)
	assert.Equal(t, Resolved, got.State)
	assert.True(t, got.TimedOutAt.IsZero())
	noNotice(t, slot)
}

func TestExpire_IgnoresResolvedAction(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.simulate(h.eph)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	rec := h.wait(slot, p.ID)
	require.Equal(t, Resolved, rec.State, rec.Error)

	// a timer callback already queued when the action resolved
	slot.expire(p.ID)

	got, err := slot.Action(p.ID)
	require.NoError(t, err)
	assert.Equal(t, Resolved, got.State)
	assert.True(t, got.TimedOutAt.IsZero())
	assert.Equal(t, Resolved, slot.View().State)
	noNotice(t, slot)
}

func TestDrainNotices(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.eph.SetUnresponsive(true)
	slot := h.open()
	assert.Empty(t, slot.DrainNotices())

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)
	h.clock.Add(counterTimeout)
	h.wait(slot, p.ID)

	notices := slot.DrainNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeTimeout, notices[0].Kind)
	assert.Equal(t, p.ID, notices[0].ActionID)
	assert.Empty(t, slot.DrainNotices())
}

func TestScenario_UnresponsiveEphemeralTimesOut(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.eph.SetUnresponsive(true)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)

	v := slot.View()
	require.NotNil(t, v.Provisional)
	assert.Equal(t, uint64(6), v.Provisional.Value)

	h.clock.Add(counterTimeout)
	rec := h.wait(slot, p.ID)
	assert.Equal(t, TimedOut, rec.State)
	assert.Nil(t, rec.Outcome)
	assert.False(t, rec.TimedOutAt.IsZero())
	assert.Equal(t, counterTimeout, rec.TimedOutAt.Sub(rec.SubmittedAt))

	v = slot.View()
	assert.Equal(t, TimedOut, v.State)
	assert.Equal(t, uint64(5), v.Confirmed.Value, "last authoritative value retained")
	assert.Nil(t, v.Provisional)

	n := nextNotice(t, slot)
	assert.Equal(t, NoticeTimeout, n.Kind)
	assert.Equal(t, p.ID, n.ActionID)
}

func TestScenario_RoutingFollowsUndelegation(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.simulate(h.eph)
	h.simulate(h.base)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	first := h.wait(slot, p.ID)
	require.Equal(t, Resolved, first.State, first.Error)
	assert.Equal(t, ledger.Ephemeral, first.Route)

	// committed back to base and no longer delegated
	h.setCounter(h.base, h.counter.ProgramID, 6)

	p, err = slot.Dispatch(context.Background())
	require.NoError(t, err)
	second := h.wait(slot, p.ID)
	require.Equal(t, Resolved, second.State, second.Error)
	assert.Equal(t, ledger.Base, second.Route)
	assert.Equal(t, uint64(7), second.Outcome.Value)

	assert.Len(t, h.eph.Sent(), 1)
	assert.Len(t, h.base.Sent(), 1)
}

func TestDispatch_RejectsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)

	_, err = slot.Dispatch(context.Background())
	require.ErrorIs(t, err, ErrSlotBusy)
	assert.Len(t, slot.History(), 1)

	h.clock.Add(counterTimeout)
	h.wait(slot, p.ID)

	_, err = slot.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, slot.History(), 2)
}

func TestSequencing_StaleUpdatesDoNotResolve(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)

	// an older value delivered out of order and a same-sequence rewrite
	h.setCounter(h.eph, h.counter.ProgramID, 4)
	h.eph.SetAccount(h.account, &ledger.AccountInfo{Owner: h.counter.ProgramID, Lamports: 2, Data: h.counterData(5)})
	time.Sleep(30 * time.Millisecond)

	got, err := slot.Action(p.ID)
	require.NoError(t, err)
	assert.Equal(t, AwaitingConfirmation, got.State)
	assert.Equal(t, uint64(5), slot.View().Confirmed.Value, "confirmed value never moves backwards")

	h.setCounter(h.eph, h.counter.ProgramID, 6)
	rec := h.wait(slot, p.ID)
	assert.Equal(t, Resolved, rec.State)
	assert.Equal(t, uint64(6), rec.Outcome.Value)
}

func TestTimedOut_LateUpdateRecordedOnly(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)
	h.clock.Add(counterTimeout)
	h.wait(slot, p.ID)
	assert.Equal(t, NoticeTimeout, nextNotice(t, slot).Kind)

	h.setCounter(h.eph, h.counter.ProgramID, 6)
	n := nextNotice(t, slot)
	assert.Equal(t, NoticeLate, n.Kind)

	rec, err := slot.Action(p.ID)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, rec.State, "a late update never resolves a timed-out action")
	assert.Nil(t, rec.Outcome)
	require.NotNil(t, rec.Late)
	assert.Equal(t, uint64(6), rec.Late.State.Value)
	assert.Equal(t, uint64(6), slot.View().Confirmed.Value)
	assert.Equal(t, TimedOut, slot.View().State)
}

func TestSubmissionFailure_ReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.eph.OnSend(func(*solana.Transaction) error { return errors.New("custom program error: 0x1770") })
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	rec := h.wait(slot, p.ID)
	assert.Equal(t, Failed, rec.State)
	assert.ErrorIs(t, rec.Err, ledger.ErrRejectedByProgram)
	assert.Contains(t, rec.Error, "0x1770")

	v := slot.View()
	assert.Equal(t, Idle, v.State)
	assert.Equal(t, uint64(5), v.Confirmed.Value)
	assert.Equal(t, NoticeFailure, nextNotice(t, slot).Kind)

	// the disarmed watchdog stays quiet
	h.clock.Add(counterTimeout)
	time.Sleep(20 * time.Millisecond)
	noNotice(t, slot)
	got, _ := slot.Action(p.ID)
	assert.Equal(t, Failed, got.State)
}

func TestDispatch_UninitializedWithoutInitializer(t *testing.T) {
	h := newHarness(t)
	flow := h.flow()
	flow.Initialize = nil
	slot, err := h.engine.Open(context.Background(), flow)
	require.NoError(t, err)

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	rec := h.wait(slot, p.ID)
	assert.Equal(t, Failed, rec.State)
	assert.ErrorIs(t, rec.Err, delegation.ErrNotInitialized)
	assert.Empty(t, h.base.Sent())
}

func TestOpen_NudgesEphemeralAndFallsBackToBase(t *testing.T) {
	h := newHarness(t)
	h.setCounter(h.base, delegation.ProgramID, 3)
	slot := h.open()

	assert.Equal(t, 1, h.eph.TopUps())
	require.NotNil(t, slot.View().Confirmed)
	assert.Equal(t, uint64(3), slot.View().Confirmed.Value)
}

func TestOpen_Twice(t *testing.T) {
	h := newHarness(t)
	h.open()
	_, err := h.engine.Open(context.Background(), h.flow())
	require.ErrorIs(t, err, ErrFlowOpen)

	s, ok := h.engine.Slot("counter")
	require.True(t, ok)
	assert.Equal(t, h.account, s.Account())
}

func TestOpen_InvalidFlow(t *testing.T) {
	h := newHarness(t)
	flow := h.flow()
	flow.Action = nil
	_, err := h.engine.Open(context.Background(), flow)
	require.Error(t, err)
}

func TestHistory_EvictAndClear(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p1, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)
	require.ErrorIs(t, slot.Evict(p1.ID), ErrSlotBusy)

	h.clock.Add(counterTimeout)
	h.wait(slot, p1.ID)

	p2, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	h.setCounter(h.eph, h.counter.ProgramID, 6)
	h.wait(slot, p2.ID)

	require.NoError(t, slot.Evict(p1.ID))
	require.ErrorIs(t, slot.Evict(p1.ID), ErrUnknownAction)
	hist := slot.History()
	require.Len(t, hist, 1)
	assert.Equal(t, p2.ID, hist[0].ID)

	assert.Equal(t, 1, slot.ClearHistory())
	assert.Empty(t, slot.History())
}

func TestHistory_SnapshotsAreCopies(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	h.simulate(h.eph)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	h.wait(slot, p.ID)

	hist := slot.History()
	hist[0].Outcome.Value = 99
	again, _ := slot.Action(p.ID)
	assert.Equal(t, uint64(6), again.Outcome.Value)
}

func TestClose_FailsInFlightAction(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)

	slot.Close()
	rec := h.wait(slot, p.ID)
	assert.Equal(t, Failed, rec.State)
	assert.ErrorIs(t, rec.Err, ErrSlotClosed)

	_, err = slot.Dispatch(context.Background())
	require.ErrorIs(t, err, ErrSlotClosed)
	assert.Zero(t, h.watcher.Active())

	_, ok := h.engine.Slot("counter")
	assert.False(t, ok)

	// notices drain then close
	for range slot.Notices() {
	}
	slot.Close()
}

func TestUndecodableUpdatesIgnored(t *testing.T) {
	h := newHarness(t)
	h.delegate(5)
	slot := h.open()

	p, err := slot.Dispatch(context.Background())
	require.NoError(t, err)
	awaitState(t, slot, AwaitingConfirmation)

	h.eph.SetAccount(h.account, &ledger.AccountInfo{Owner: h.counter.ProgramID, Data: []byte{1, 2, 3}})
	time.Sleep(20 * time.Millisecond)
	got, _ := slot.Action(p.ID)
	assert.Equal(t, AwaitingConfirmation, got.State)
	assert.Equal(t, uint64(5), slot.View().Confirmed.Value)
}
