// Package ledger describes the request shape shared by the base ledger and the
// ephemeral ledger, and adapts it to Solana JSON-RPC endpoints.
package ledger

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Kind names one of the two ledgers a client talks to.
type Kind string

const (
	Base      Kind = "base"
	Ephemeral Kind = "ephemeral"
)

// Commitment is the durability level a read or confirmation waits for.
type Commitment string

const (
	Processed Commitment = "processed"
	Confirmed Commitment = "confirmed"
	Finalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case Processed:
		return 1
	case Confirmed:
		return 2
	case Finalized:
		return 3
	}
	return 0
}

// Satisfies reports whether a transaction observed at level c meets want.
func (c Commitment) Satisfies(want Commitment) bool {
	return c.rank() >= want.rank() && c.rank() > 0
}

// ParseCommitment accepts the three level names used by the ledgers.
func ParseCommitment(s string) (Commitment, error) {
	c := Commitment(s)
	if c.rank() == 0 {
		return "", fmt.Errorf("unknown commitment %q", s)
	}
	return c, nil
}

// Reference is the anchor a ledger requires to accept a transaction.
type Reference struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// AccountInfo is the subset of account state the client consumes.
type AccountInfo struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// AccountUpdate is one account-changed notification.
type AccountUpdate struct {
	Slot    uint64
	Account *AccountInfo
}

// SendOptions control how a signed transaction is submitted.
type SendOptions struct {
	SkipPreflight       bool
	PreflightCommitment Commitment
}

// Subscription is a cancellable stream of account updates. Updates is closed
// after Unsubscribe or when the underlying stream fails; delivery is FIFO
// within one subscription and nothing stronger is promised.
type Subscription interface {
	Updates() <-chan AccountUpdate
	Unsubscribe()
}

// Ledger is the request shape both ledgers conform to.
type Ledger interface {
	Kind() Kind
	LatestReference(ctx context.Context) (Reference, error)
	// AccountInfo returns nil, nil for an account that does not exist.
	AccountInfo(ctx context.Context, address solana.PublicKey) (*AccountInfo, error)
	Balance(ctx context.Context, address solana.PublicKey) (uint64, error)
	// RequestTopUp is only served by development clusters.
	RequestTopUp(ctx context.Context, address solana.PublicKey, lamports uint64) (solana.Signature, error)
	SendTransaction(ctx context.Context, raw []byte, opts SendOptions) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature, commitment Commitment) error
	SubscribeAccount(ctx context.Context, address solana.PublicKey, commitment Commitment) (Subscription, error)
}

// Set holds the two ledgers of one client.
type Set struct {
	Base      Ledger
	Ephemeral Ledger
}

// Get returns the ledger for kind, or nil.
func (s Set) Get(kind Kind) Ledger {
	switch kind {
	case Base:
		return s.Base
	case Ephemeral:
		return s.Ephemeral
	}
	return nil
}

// Kinds lists the configured ledgers, base first.
func (s Set) Kinds() []Kind {
	var kinds []Kind
	if s.Base != nil {
		kinds = append(kinds, Base)
	}
	if s.Ephemeral != nil {
		kinds = append(kinds, Ephemeral)
	}
	return kinds
}
