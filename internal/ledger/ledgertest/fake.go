// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
)

// SentTx is one transaction accepted by a Fake.
type SentTx struct {
	Tx        *solana.Transaction
	Signature solana.Signature
	Opts      ledger.SendOptions
}

// SendHook runs after a transaction has been accepted. A non-nil error makes
// the send fail as rejected by program. Hooks may call back into the Fake.
type SendHook func(tx *solana.Transaction) error

// Fake is a ledger.Ledger kept entirely in memory. Accounts, references and
// failures are driven by the test.
type Fake struct {
	kind ledger.Kind

	mu           sync.Mutex
	slot         uint64
	refSeq       uint64
	current      solana.Hash
	valid        map[solana.Hash]bool
	accounts     map[solana.PublicKey]*ledger.AccountInfo
	subs         map[solana.PublicKey][]*fakeSub
	sent         []SentTx
	confirmed    map[solana.Signature]bool
	topUps       int
	refCalls     int
	subCalls     int
	refErrs      []error
	sendErrs     []error
	subErrs      []error
	topUpErr     error
	unresponsive bool
	onSend       SendHook

	// serializes pushes so each subscriber sees updates in SetAccount order
	pushMu sync.Mutex
}

var _ ledger.Ledger = (*Fake)(nil)

// NewFake creates an empty ledger of the given kind with one valid reference.
func NewFake(kind ledger.Kind) *Fake {
	f := &Fake{
		kind:      kind,
		valid:     make(map[solana.Hash]bool),
		accounts:  make(map[solana.PublicKey]*ledger.AccountInfo),
		subs:      make(map[solana.PublicKey][]*fakeSub),
		confirmed: make(map[solana.Signature]bool),
	}
	f.rotateLocked()
	return f
}

func (f *Fake) rotateLocked() solana.Hash {
	f.refSeq++
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], f.refSeq)
	f.current = solana.Hash(sha256.Sum256(append([]byte(f.kind), seed[:]...)))
	f.valid[f.current] = true
	return f.current
}

// RotateReference produces a new current reference. Older ones stay valid
// until ExpireReferences is called.
func (f *Fake) RotateReference() solana.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotateLocked()
}

// ExpireReferences invalidates every reference handed out so far and
// rotates to a fresh one.
func (f *Fake) ExpireReferences() solana.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = make(map[solana.Hash]bool)
	return f.rotateLocked()
}

// CurrentReference returns the reference LatestReference would hand out.
func (f *Fake) CurrentReference() solana.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// FailReference queues errors returned by the next LatestReference calls.
func (f *Fake) FailReference(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refErrs = append(f.refErrs, errs...)
}

// FailSend queues errors returned by the next SendTransaction calls.
func (f *Fake) FailSend(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

// FailSubscribe queues errors returned by the next SubscribeAccount calls.
func (f *Fake) FailSubscribe(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErrs = append(f.subErrs, errs...)
}

// SetTopUpError makes every RequestTopUp fail with err; nil clears it.
func (f *Fake) SetTopUpError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topUpErr = err
}

// SetUnresponsive makes ConfirmTransaction block until its context ends.
func (f *Fake) SetUnresponsive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unresponsive = v
}

// OnSend installs a hook run for every accepted transaction.
func (f *Fake) OnSend(hook SendHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = hook
}

func popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func cloneAccount(info *ledger.AccountInfo) *ledger.AccountInfo {
	if info == nil {
		return nil
	}
	cp := *info
	cp.Data = append([]byte(nil), info.Data...)
	return &cp
}

// SetAccount stores info at address and notifies subscribers. A nil info
// removes the account.
func (f *Fake) SetAccount(address solana.PublicKey, info *ledger.AccountInfo) {
	f.pushMu.Lock()
	defer f.pushMu.Unlock()

	f.mu.Lock()
	f.slot++
	if info == nil {
		delete(f.accounts, address)
	} else {
		f.accounts[address] = cloneAccount(info)
	}
	update := ledger.AccountUpdate{Slot: f.slot, Account: cloneAccount(info)}
	subs := append([]*fakeSub(nil), f.subs[address]...)
	f.mu.Unlock()

	for _, s := range subs {
		s.push(update)
	}
}

// Account returns a copy of the stored account, or nil.
func (f *Fake) Account(address solana.PublicKey) *ledger.AccountInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneAccount(f.accounts[address])
}

// Sent returns every accepted transaction in order.
func (f *Fake) Sent() []SentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentTx(nil), f.sent...)
}

// TopUps returns how many faucet requests succeeded.
func (f *Fake) TopUps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topUps
}

// ReferenceCalls returns how many times LatestReference was called.
func (f *Fake) ReferenceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refCalls
}

// SubscribeCalls returns how many subscriptions were opened successfully.
func (f *Fake) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls
}

// Subscribers returns the number of live subscriptions on address.
func (f *Fake) Subscribers(address solana.PublicKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[address])
}

// DropStreams ends every subscription on address as if the connection failed.
func (f *Fake) DropStreams(address solana.PublicKey) {
	f.mu.Lock()
	subs := f.subs[address]
	delete(f.subs, address)
	f.mu.Unlock()
	for _, s := range subs {
		s.end()
	}
}

func (f *Fake) Kind() ledger.Kind { return f.kind }

func (f *Fake) LatestReference(ctx context.Context) (ledger.Reference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refCalls++
	if err := popErr(&f.refErrs); err != nil {
		return ledger.Reference{}, err
	}
	return ledger.Reference{Blockhash: f.current, LastValidBlockHeight: f.refSeq + 150}, nil
}

func (f *Fake) AccountInfo(ctx context.Context, address solana.PublicKey) (*ledger.AccountInfo, error) {
	return f.Account(address), nil
}

func (f *Fake) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acct, ok := f.accounts[address]; ok {
		return acct.Lamports, nil
	}
	return 0, nil
}

func (f *Fake) RequestTopUp(ctx context.Context, address solana.PublicKey, lamports uint64) (solana.Signature, error) {
	f.mu.Lock()
	if f.topUpErr != nil {
		err := f.topUpErr
		f.mu.Unlock()
		return solana.Signature{}, err
	}
	f.topUps++
	acct := cloneAccount(f.accounts[address])
	if acct == nil {
		acct = &ledger.AccountInfo{Owner: solana.SystemProgramID}
	}
	acct.Lamports += lamports
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], uint64(f.topUps))
	copy(sig[8:], address[:])
	f.confirmed[sig] = true
	f.mu.Unlock()

	f.SetAccount(address, acct)
	return sig, nil
}

// SendTransaction decodes raw, verifies every signature and the reference,
// then records it and runs the OnSend hook.
func (f *Fake) SendTransaction(ctx context.Context, raw []byte, opts ledger.SendOptions) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: decode: %v", ledger.ErrSignatureRejected, err)
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, fmt.Errorf("%w: no signatures", ledger.ErrSignatureRejected)
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ledger.ErrSignatureRejected, err)
	}

	f.mu.Lock()
	if err := popErr(&f.sendErrs); err != nil {
		f.mu.Unlock()
		return solana.Signature{}, err
	}
	if !f.valid[tx.Message.RecentBlockhash] {
		f.mu.Unlock()
		return solana.Signature{}, fmt.Errorf("%w: blockhash %s not found", ledger.ErrStaleReference, tx.Message.RecentBlockhash)
	}
	sig := tx.Signatures[0]
	f.sent = append(f.sent, SentTx{Tx: tx, Signature: sig, Opts: opts})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		if err := hook(tx); err != nil {
			return solana.Signature{}, fmt.Errorf("%w: %v", ledger.ErrRejectedByProgram, err)
		}
	}

	f.mu.Lock()
	f.confirmed[sig] = true
	f.mu.Unlock()
	return sig, nil
}

func (f *Fake) ConfirmTransaction(ctx context.Context, sig solana.Signature, commitment ledger.Commitment) error {
	f.mu.Lock()
	known := f.confirmed[sig]
	unresponsive := f.unresponsive
	f.mu.Unlock()

	if known && !unresponsive {
		return nil
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %s: %w", ledger.ErrConfirmationTimeout, sig, ctx.Err())
}

func (f *Fake) SubscribeAccount(ctx context.Context, address solana.PublicKey, commitment ledger.Commitment) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.subErrs); err != nil {
		return nil, err
	}
	f.subCalls++
	s := &fakeSub{
		updates: make(chan ledger.AccountUpdate, 64),
		done:    make(chan struct{}),
	}
	s.unsubscribe = func() {
		f.mu.Lock()
		list := f.subs[address]
		for i, cur := range list {
			if cur == s {
				f.subs[address] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		s.end()
	}
	f.subs[address] = append(f.subs[address], s)
	return s, nil
}

type fakeSub struct {
	mu          sync.Mutex
	updates     chan ledger.AccountUpdate
	done        chan struct{}
	closed      bool
	unsubscribe func()
	once        sync.Once
	endOnce     sync.Once
}

func (s *fakeSub) Updates() <-chan ledger.AccountUpdate { return s.updates }

func (s *fakeSub) Unsubscribe() { s.once.Do(s.unsubscribe) }

func (s *fakeSub) push(u ledger.AccountUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	case <-s.done:
	}
}

func (s *fakeSub) end() {
	s.endOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.updates)
	})
}

// NewSet returns a ledger.Set backed by two fresh fakes.
func NewSet() (ledger.Set, *Fake, *Fake) {
	base, eph := NewFake(ledger.Base), NewFake(ledger.Ephemeral)
	return ledger.Set{Base: base, Ephemeral: eph}, base, eph
}
