package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/ledger/ledgertest"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type collector struct {
	mu   sync.Mutex
	data [][]byte
}

func (c *collector) handle(u ledger.AccountUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Account == nil {
		c.data = append(c.data, nil)
		return
	}
	c.data = append(c.data, u.Account.Data)
}

func (c *collector) values() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.data...)
}

func (c *collector) len() int { return len(c.values()) }

func newManager(t *testing.T) (*Manager, *ledgertest.Fake) {
	t.Helper()
	set, _, eph := ledgertest.NewSet()
	m := NewManager(set, Options{RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})
	t.Cleanup(m.Close)
	return m, eph
}

func account(b byte) *ledger.AccountInfo {
	return &ledger.AccountInfo{Owner: solana.SystemProgramID, Lamports: 1, Data: []byte{b}}
}

func TestWatch_DeliversInOrder(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()
	var c collector

	_, err := m.Watch(context.Background(), addr, ledger.Ephemeral, c.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())

	for i := byte(1); i <= 5; i++ {
		eph.SetAccount(addr, account(i))
	}
	require.Eventually(t, func() bool { return c.len() == 5 }, waitFor, tick)
	for i, v := range c.values() {
		assert.Equal(t, []byte{byte(i + 1)}, v)
	}
}

func TestWatch_SuppressesIdenticalPayloads(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()
	var c collector

	_, err := m.Watch(context.Background(), addr, ledger.Ephemeral, c.handle)
	require.NoError(t, err)

	eph.SetAccount(addr, account(1))
	eph.SetAccount(addr, account(1))
	eph.SetAccount(addr, account(2))
	eph.SetAccount(addr, account(1))

	require.Eventually(t, func() bool { return c.len() == 3 }, waitFor, tick)
	assert.Equal(t, [][]byte{{1}, {2}, {1}}, c.values())
}

func TestWatch_ReplacesPriorHandle(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()
	var first, second collector

	h1, err := m.Watch(context.Background(), addr, ledger.Ephemeral, first.handle)
	require.NoError(t, err)
	_, err = m.Watch(context.Background(), addr, ledger.Ephemeral, second.handle)
	require.NoError(t, err)

	select {
	case <-h1.Done():
	case <-time.After(waitFor):
		t.Fatal("prior watch did not stop")
	}
	assert.Equal(t, 1, m.Active())
	require.Eventually(t, func() bool { return eph.Subscribers(addr) == 1 }, waitFor, tick)

	eph.SetAccount(addr, account(7))
	require.Eventually(t, func() bool { return second.len() == 1 }, waitFor, tick)
	assert.Zero(t, first.len())
}

func TestWatch_DistinctLedgersAreIndependent(t *testing.T) {
	set, base, eph := ledgertest.NewSet()
	m := NewManager(set, Options{})
	defer m.Close()
	addr := solana.NewWallet().PublicKey()
	var onBase, onEph collector

	_, err := m.Watch(context.Background(), addr, ledger.Base, onBase.handle)
	require.NoError(t, err)
	_, err = m.Watch(context.Background(), addr, ledger.Ephemeral, onEph.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Active())

	base.SetAccount(addr, account(1))
	eph.SetAccount(addr, account(2))
	require.Eventually(t, func() bool { return onBase.len() == 1 && onEph.len() == 1 }, waitFor, tick)
	assert.Equal(t, [][]byte{{1}}, onBase.values())
	assert.Equal(t, [][]byte{{2}}, onEph.values())
}

func TestWatch_ResubscribesAfterStreamEnds(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()
	var c collector

	_, err := m.Watch(context.Background(), addr, ledger.Ephemeral, c.handle)
	require.NoError(t, err)
	eph.SetAccount(addr, account(1))
	require.Eventually(t, func() bool { return c.len() == 1 }, waitFor, tick)

	eph.FailSubscribe(errors.New("connection refused"))
	eph.DropStreams(addr)

	// one failed attempt, then a successful one
	require.Eventually(t, func() bool { return eph.Subscribers(addr) == 1 }, waitFor, tick)
	assert.Equal(t, 2, eph.SubscribeCalls())

	eph.SetAccount(addr, account(2))
	require.Eventually(t, func() bool { return c.len() == 2 }, waitFor, tick)
	assert.Equal(t, 1, m.Active())
}

func TestWatch_StopReleasesSubscription(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()
	var c collector

	h, err := m.Watch(context.Background(), addr, ledger.Ephemeral, c.handle)
	require.NoError(t, err)
	h.Stop()
	<-h.Done()

	assert.Zero(t, m.Active())
	assert.Zero(t, eph.Subscribers(addr))
	eph.SetAccount(addr, account(1))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestWatch_StopFromHandler(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()

	var h *Handle
	ready := make(chan struct{})
	var err error
	h, err = m.Watch(context.Background(), addr, ledger.Ephemeral, func(ledger.AccountUpdate) {
		<-ready
		h.Stop()
	})
	require.NoError(t, err)
	close(ready)

	eph.SetAccount(addr, account(1))
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("watch did not stop from its own handler")
	}
}

func TestWatch_SubscribeErrorReturned(t *testing.T) {
	m, eph := newManager(t)
	eph.FailSubscribe(ledger.ErrLedgerUnreachable)

	_, err := m.Watch(context.Background(), solana.NewWallet().PublicKey(), ledger.Ephemeral, func(ledger.AccountUpdate) {})
	require.ErrorIs(t, err, ledger.ErrLedgerUnreachable)
	assert.Zero(t, m.Active())
}

func TestClose(t *testing.T) {
	m, eph := newManager(t)
	addr := solana.NewWallet().PublicKey()

	for i := 0; i < 3; i++ {
		_, err := m.Watch(context.Background(), solana.NewWallet().PublicKey(), ledger.Ephemeral, func(ledger.AccountUpdate) {})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Active())

	m.Close()
	assert.Zero(t, m.Active())
	_, err := m.Watch(context.Background(), addr, ledger.Ephemeral, func(ledger.AccountUpdate) {})
	require.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, eph.Subscribers(addr))

	// second Close is a no-op
	m.Close()
}

func TestWatch_UnknownLedger(t *testing.T) {
	m := NewManager(ledger.Set{Base: ledgertest.NewFake(ledger.Base)}, Options{})
	defer m.Close()
	_, err := m.Watch(context.Background(), solana.NewWallet().PublicKey(), ledger.Ephemeral, func(ledger.AccountUpdate) {})
	require.Error(t, err)
}
