package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/raulk/clock"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
)

// ErrNotInitialized is returned by Route for an account that does not exist
// on the base ledger yet.
var ErrNotInitialized = errors.New("account not initialized")

// Status is a single observation of an account's owner on the base ledger.
// It is only trustworthy for the instant it was read.
type Status struct {
	Address   solana.PublicKey
	Exists    bool
	Owner     solana.PublicKey
	Delegated bool
	CheckedAt time.Time
}

// Tracker reads delegation status from the base ledger. It keeps no state
// between calls.
type Tracker struct {
	base  ledger.Ledger
	clock clock.Clock
	log   log.Logger
}

func NewTracker(base ledger.Ledger, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{base: base, clock: clk, log: log.New("component", "delegation")}
}

// Status fetches the current owner of address.
func (t *Tracker) Status(ctx context.Context, address solana.PublicKey) (Status, error) {
	info, err := t.base.AccountInfo(ctx, address)
	if err != nil {
		return Status{}, fmt.Errorf("check delegation of %s: %w", address, err)
	}
	st := Status{Address: address, CheckedAt: t.clock.Now()}
	if info != nil {
		st.Exists = true
		st.Owner = info.Owner
		st.Delegated = info.Owner.Equals(ProgramID)
	}
	return st, nil
}

// IsDelegated reports whether address is owned by the delegation program. A
// missing account is not delegated.
func (t *Tracker) IsDelegated(ctx context.Context, address solana.PublicKey) (bool, error) {
	st, err := t.Status(ctx, address)
	if err != nil {
		return false, err
	}
	return st.Delegated, nil
}

// Route returns the ledger that is authoritative for writes to address right
// now. A missing account yields ErrNotInitialized along with its status.
func (t *Tracker) Route(ctx context.Context, address solana.PublicKey) (ledger.Kind, Status, error) {
	st, err := t.Status(ctx, address)
	if err != nil {
		return "", Status{}, err
	}
	switch {
	case !st.Exists:
		return ledger.Base, st, fmt.Errorf("%w: %s", ErrNotInitialized, address)
	case st.Delegated:
		t.log.Debug("routing to ephemeral ledger", "account", address)
		return ledger.Ephemeral, st, nil
	default:
		t.log.Debug("routing to base ledger", "account", address, "owner", st.Owner)
		return ledger.Base, st, nil
	}
}
