package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/engine"
	"github.com/ephemeral-examples/ledgersync/internal/keystore"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/pipeline"
	"github.com/ephemeral-examples/ledgersync/internal/program"
)

// ErrNoSessions is returned by CreateSession for a counter without session
// support.
var ErrNoSessions = errors.New("sessions not supported")

// account returns the account the named flow writes to.
func (c *Client) account(name string) (solana.PublicKey, error) {
	primary, _, _ := c.Identities()
	switch name {
	case FlowCounter:
		return c.counter.Address(primary.PublicKey())
	case FlowDice:
		return c.dice.Address(primary.PublicKey())
	}
	return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownFlow, name)
}

// FlowStatus is a point-in-time report on one flow.
type FlowStatus struct {
	Flow      string           `json:"flow"`
	Account   solana.PublicKey `json:"account"`
	Exists    bool             `json:"exists"`
	Delegated bool             `json:"delegated"`
	Owner     solana.PublicKey `json:"owner"`
	Route     ledger.Kind      `json:"route"`
	CheckedAt time.Time        `json:"checked_at"`
	Session   bool             `json:"session"`
	// View is set when the flow's slot is open.
	View *engine.View `json:"view,omitempty"`
}

// Status reads the delegation status of the named flow's account.
func (c *Client) Status(ctx context.Context, name string) (FlowStatus, error) {
	if err := c.ready(); err != nil {
		return FlowStatus{}, err
	}
	account, err := c.account(name)
	if err != nil {
		return FlowStatus{}, err
	}
	st, err := c.tracker.Status(ctx, account)
	if err != nil {
		return FlowStatus{}, err
	}
	fs := FlowStatus{
		Flow:      name,
		Account:   account,
		Exists:    st.Exists,
		Delegated: st.Delegated,
		Owner:     st.Owner,
		Route:     ledger.Base,
		CheckedAt: st.CheckedAt,
	}
	if st.Delegated {
		fs.Route = ledger.Ephemeral
	}
	if name == FlowCounter {
		_, fs.Session = c.SessionToken()
	}
	if s, ok := c.engine.Slot(name); ok {
		v := s.View()
		fs.View = &v
	}
	return fs, nil
}

// submitBase sends instructions to the base ledger at the configured
// commitment.
func (c *Client) submitBase(ctx context.Context, feePayer keystore.Identity, signers []solana.PrivateKey, ixs ...solana.Instruction) (solana.Signature, error) {
	commitment, err := ledger.ParseCommitment(c.cfg.BaseCommitment)
	if err != nil {
		return solana.Signature{}, err
	}
	if _, err := c.funder.EnsureFunded(ctx, feePayer.PublicKey(), ledger.Base, c.cfg.MinBalanceLamports); err != nil {
		return solana.Signature{}, err
	}
	return c.pipe.Submit(ctx, pipeline.Request{
		Kind:         ledger.Base,
		Instructions: ixs,
		FeePayer:     feePayer.PrivateKey,
		Signers:      signers,
		Commitment:   commitment,
	})
}

func (c *Client) submitEphemeral(ctx context.Context, feePayer keystore.Identity, signers []solana.PrivateKey, ixs ...solana.Instruction) (solana.Signature, error) {
	commitment, err := ledger.ParseCommitment(c.cfg.EphemeralCommitment)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.pipe.Submit(ctx, pipeline.Request{
		Kind:         ledger.Ephemeral,
		Instructions: ixs,
		FeePayer:     feePayer.PrivateKey,
		Signers:      signers,
		Commitment:   commitment,
	})
}

// Delegate hands the named flow's account to the ephemeral ledger. For dice
// the primary wallet is delegated too, so it can pay for rolls there.
func (c *Client) Delegate(ctx context.Context, name string) (solana.Signature, error) {
	if err := c.ready(); err != nil {
		return solana.Signature{}, err
	}
	account, err := c.account(name)
	if err != nil {
		return solana.Signature{}, err
	}
	st, err := c.tracker.Status(ctx, account)
	switch {
	case err != nil:
		return solana.Signature{}, err
	case !st.Exists:
		return solana.Signature{}, fmt.Errorf("%w: %s", delegation.ErrNotInitialized, account)
	case st.Delegated:
		return solana.Signature{}, fmt.Errorf("%w: %s", ErrAlreadyDelegated, account)
	}

	log := c.log.With("flow", name, "account", account)
	var sig solana.Signature
	if name == FlowCounter {
		sig, err = c.delegateCounter(ctx)
	} else {
		sig, err = c.delegateDice(ctx)
	}
	if err != nil {
		log.Warn("delegation failed", "err", err)
		return sig, err
	}
	log.Info("delegated", "signature", sig, "validator", c.validator)
	return sig, nil
}

func (c *Client) delegateCounter(ctx context.Context) (solana.Signature, error) {
	primary, feePayer, session := c.Identities()
	if token, ok := c.SessionToken(); ok && !c.counter.Global {
		ix, err := c.counter.Delegate(session.PublicKey(), primary.PublicKey(), &token, c.validator)
		if err != nil {
			return solana.Signature{}, err
		}
		return c.submitBase(ctx, session, nil, ix)
	}
	ix, err := c.counter.Delegate(primary.PublicKey(), primary.PublicKey(), nil, c.validator)
	if err != nil {
		return solana.Signature{}, err
	}
	return c.submitBase(ctx, feePayer, []solana.PrivateKey{primary.PrivateKey}, ix)
}

func (c *Client) delegateDice(ctx context.Context) (solana.Signature, error) {
	primary, feePayer, _ := c.Identities()
	signers := []solana.PrivateKey{primary.PrivateKey}

	ix, err := c.dice.Delegate(primary.PublicKey(), c.validator)
	if err != nil {
		return solana.Signature{}, err
	}
	if _, err := c.submitBase(ctx, feePayer, signers, ix); err != nil {
		return solana.Signature{}, fmt.Errorf("delegate player: %w", err)
	}

	wallet, err := c.tracker.Status(ctx, primary.PublicKey())
	if err != nil {
		return solana.Signature{}, err
	}
	if !wallet.Owner.Equals(delegation.ProgramID) {
		assign, err := delegation.AssignToDelegationInstruction(primary.PublicKey())
		if err != nil {
			return solana.Signature{}, err
		}
		if _, err := c.submitBase(ctx, feePayer, signers, assign); err != nil {
			return solana.Signature{}, fmt.Errorf("assign wallet: %w", err)
		}
		timer := c.clock.Timer(c.cfg.DelegateSettle())
		select {
		case <-ctx.Done():
			timer.Stop()
			return solana.Signature{}, ctx.Err()
		case <-timer.C:
		}
	}

	delegate, err := delegation.DelegateInstruction(delegation.DelegateAccounts{
		Payer:        feePayer.PublicKey(),
		Delegated:    primary.PublicKey(),
		OwnerProgram: solana.SystemProgramID,
		Validator:    c.validator,
	}, delegation.DelegateArgs{})
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.submitBase(ctx, feePayer, signers, delegate)
	if err != nil {
		return sig, fmt.Errorf("delegate wallet: %w", err)
	}
	return sig, nil
}

// Undelegate commits the named flow's account on the ephemeral ledger and
// returns it to the base ledger. The dice flow returns the primary wallet in
// the same transaction.
func (c *Client) Undelegate(ctx context.Context, name string) (solana.Signature, error) {
	if err := c.ready(); err != nil {
		return solana.Signature{}, err
	}
	account, err := c.account(name)
	if err != nil {
		return solana.Signature{}, err
	}
	st, err := c.tracker.Status(ctx, account)
	if err != nil {
		return solana.Signature{}, err
	}
	if !st.Delegated {
		return solana.Signature{}, fmt.Errorf("%w: %s", ErrNotDelegated, account)
	}

	primary, feePayer, session := c.Identities()
	var sig solana.Signature
	switch name {
	case FlowCounter:
		if token, ok := c.SessionToken(); ok && !c.counter.Global {
			ix, ierr := c.counter.Undelegate(session.PublicKey(), primary.PublicKey(), &token)
			if ierr != nil {
				return sig, ierr
			}
			sig, err = c.submitEphemeral(ctx, session, nil, ix)
			break
		}
		ix, ierr := c.counter.Undelegate(primary.PublicKey(), primary.PublicKey(), nil)
		if ierr != nil {
			return sig, ierr
		}
		sig, err = c.submitEphemeral(ctx, feePayer, []solana.PrivateKey{primary.PrivateKey}, ix)
	case FlowDice:
		ix, ierr := c.dice.Undelegate(primary.PublicKey())
		if ierr != nil {
			return sig, ierr
		}
		wallet := delegation.CommitAndUndelegateInstruction(primary.PublicKey(), primary.PublicKey())
		sig, err = c.submitEphemeral(ctx, primary, nil, ix, wallet)
	}
	if err != nil {
		return sig, err
	}
	c.log.Info("undelegation sent", "flow", name, "account", account, "signature", sig)
	return sig, nil
}

// CreateSession authorizes the session signer to increment the counter for
// the primary identity. An existing session is returned unchanged.
func (c *Client) CreateSession(ctx context.Context) (solana.PublicKey, error) {
	if err := c.ready(); err != nil {
		return solana.PublicKey{}, err
	}
	if c.counter.Global {
		return solana.PublicKey{}, fmt.Errorf("%w: global counter", ErrNoSessions)
	}
	if token, ok := c.SessionToken(); ok {
		return token, nil
	}

	primary, _, session := c.Identities()
	token, err := c.sessions.TokenAddress(c.counter.ProgramID, session.PublicKey(), primary.PublicKey())
	if err != nil {
		return solana.PublicKey{}, err
	}
	ix, err := c.sessions.CreateSession(c.counter.ProgramID, session.PublicKey(), primary.PublicKey(), program.SessionArgs{
		TopUp:      true,
		ValidUntil: c.clock.Now().Add(c.cfg.SessionValidity()),
		Lamports:   c.cfg.SessionTopUpLamports,
	})
	if err != nil {
		return solana.PublicKey{}, err
	}
	sig, err := c.submitBase(ctx, primary, []solana.PrivateKey{session.PrivateKey}, ix)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("create session: %w", err)
	}
	c.token.Store(&token)
	c.log.Info("session created", "token", token, "signer", session.PublicKey(), "signature", sig)
	return token, nil
}
