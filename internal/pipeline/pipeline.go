// Package pipeline turns instructions into signed transactions, submits them
// to the routed ledger and waits for confirmation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/metrics"
	"github.com/ephemeral-examples/ledgersync/internal/program"
	"github.com/ephemeral-examples/ledgersync/internal/refcache"
)

// ErrSigningFailure means the transaction could not be signed locally, which
// points at a misconfigured identity.
var ErrSigningFailure = errors.New("signing failure")

const (
	DefaultAttempts       = 3
	DefaultConfirmTimeout = 30 * time.Second
)

// References is the block reference source the pipeline anchors
// transactions with.
type References interface {
	Get(ctx context.Context, kind ledger.Kind) (refcache.Entry, error)
	Refresh(ctx context.Context, kind ledger.Kind) (refcache.Entry, error)
	Invalidate(kind ledger.Kind)
}

// Request describes one transaction.
type Request struct {
	Kind         ledger.Kind
	Instructions []solana.Instruction
	// FeePayer pays fees and always signs.
	FeePayer solana.PrivateKey
	// Signers are the other required signers; duplicates of the fee payer
	// or of each other are ignored.
	Signers       []solana.PrivateKey
	Commitment    ledger.Commitment
	SkipPreflight bool
	// SkipConfirm returns as soon as the ledger accepted the transaction.
	SkipConfirm bool
	// Unique appends a noop instruction with random data.
	Unique bool
}

type Options struct {
	Attempts       int
	RetryMin       time.Duration
	RetryMax       time.Duration
	ConfirmTimeout time.Duration
	Clock          clock.Clock
	Logger         log.Logger
}

// Pipeline submits transactions to either ledger.
type Pipeline struct {
	ledgers ledger.Set
	refs    References
	opts    Options
	log     log.Logger
}

func New(ledgers ledger.Set, refs References, opts Options) *Pipeline {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = opts.RetryMin * 10
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New("component", "pipeline")
	}
	return &Pipeline{ledgers: ledgers, refs: refs, opts: opts, log: opts.Logger}
}

// Submit signs and sends req and, unless SkipConfirm is set, waits until it
// reaches req.Commitment. Transient transport failures are retried with
// backoff and a stale reference is refreshed and retried once; every other
// error is returned unchanged.
func (p *Pipeline) Submit(ctx context.Context, req Request) (solana.Signature, error) {
	l := p.ledgers.Get(req.Kind)
	if l == nil {
		return solana.Signature{}, fmt.Errorf("no %s ledger configured", req.Kind)
	}
	if len(req.Instructions) == 0 {
		return solana.Signature{}, errors.New("no instructions")
	}
	if len(req.FeePayer) == 0 {
		return solana.Signature{}, fmt.Errorf("%w: no fee payer", ErrSigningFailure)
	}

	ixs := req.Instructions
	if req.Unique {
		noop, err := program.UniqueInstruction()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build unique instruction: %w", err)
		}
		ixs = append(append([]solana.Instruction(nil), ixs...), noop)
	}

	entry, err := p.refs.Get(ctx, req.Kind)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get %s reference: %w", req.Kind, err)
	}

	b := &backoff.Backoff{
		Min:    p.opts.RetryMin,
		Max:    p.opts.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	sendOpts := ledger.SendOptions{SkipPreflight: req.SkipPreflight, PreflightCommitment: req.Commitment}
	refreshed := false

	var sig solana.Signature
	for {
		raw, err := sign(ixs, entry.Reference.Blockhash, req)
		if err != nil {
			return solana.Signature{}, err
		}

		sig, err = l.SendTransaction(ctx, raw, sendOpts)
		if err == nil {
			metrics.Submissions.WithLabelValues(string(req.Kind), metrics.OutcomeOK).Inc()
			break
		}

		switch {
		case errors.Is(err, ledger.ErrStaleReference) && !refreshed:
			metrics.Submissions.WithLabelValues(string(req.Kind), metrics.OutcomeStale).Inc()
			p.log.Info("reference rejected as stale, refreshing", "ledger", req.Kind, "blockhash", entry.Reference.Blockhash)
			refreshed = true
			p.refs.Invalidate(req.Kind)
			if entry, err = p.refs.Refresh(ctx, req.Kind); err != nil {
				return solana.Signature{}, fmt.Errorf("refresh %s reference after stale rejection: %w", req.Kind, err)
			}

		case ledger.Transient(err) && int(b.Attempt())+1 < p.opts.Attempts:
			metrics.Submissions.WithLabelValues(string(req.Kind), metrics.OutcomeRetry).Inc()
			wait := b.Duration()
			p.log.Warn("send failed, retrying", "ledger", req.Kind, "attempt", b.Attempt(), "wait", wait, "err", err)
			timer := p.opts.Clock.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return solana.Signature{}, fmt.Errorf("send to %s: %w", req.Kind, ctx.Err())
			case <-timer.C:
			}

		default:
			metrics.Submissions.WithLabelValues(string(req.Kind), metrics.OutcomeFailed).Inc()
			return solana.Signature{}, err
		}
	}

	p.log.Debug("transaction sent", "ledger", req.Kind, "sig", sig)
	if req.SkipConfirm {
		return sig, nil
	}

	commitment := req.Commitment
	if commitment == "" {
		commitment = ledger.Confirmed
	}
	cctx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()
	if err := l.ConfirmTransaction(cctx, sig, commitment); err != nil {
		return sig, err
	}
	return sig, nil
}

// sign builds the transaction and applies every required signature. The fee
// payer signs first; other signers are looked up by public key, so listing
// a key twice has no effect.
func sign(ixs []solana.Instruction, blockhash solana.Hash, req Request) ([]byte, error) {
	payer := req.FeePayer.PublicKey()
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("%w: build transaction: %v", ErrSigningFailure, err)
	}

	keys := map[solana.PublicKey]solana.PrivateKey{payer: req.FeePayer}
	for _, k := range req.Signers {
		if len(k) == 0 {
			continue
		}
		keys[k.PublicKey()] = k
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if k, ok := keys[pub]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode transaction: %v", ErrSigningFailure, err)
	}
	return raw, nil
}
