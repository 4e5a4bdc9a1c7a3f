package client

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/engine"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/program"
)

// Flow names served by the client.
const (
	FlowCounter = "counter"
	FlowDice    = "dice"
)

// Flows lists the flows Open accepts.
func Flows() []string {
	return []string{FlowCounter, FlowDice}
}

// Open returns the slot of the named flow, opening it on first use.
func (c *Client) Open(ctx context.Context, name string) (*engine.Slot, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if s, ok := c.engine.Slot(name); ok {
		return s, nil
	}
	var (
		flow engine.Flow
		err  error
	)
	switch name {
	case FlowCounter:
		flow, err = c.counterFlow()
	case FlowDice:
		flow, err = c.diceFlow()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, name)
	}
	if err != nil {
		return nil, err
	}
	s, err := c.engine.Open(ctx, flow)
	if err != nil {
		// lost a race with a concurrent Open
		if existing, ok := c.engine.Slot(name); ok {
			return existing, nil
		}
		return nil, err
	}
	return s, nil
}

// Counter opens the counter slot.
func (c *Client) Counter(ctx context.Context) (*engine.Slot, error) {
	return c.Open(ctx, FlowCounter)
}

// Dice opens the dice slot.
func (c *Client) Dice(ctx context.Context) (*engine.Slot, error) {
	return c.Open(ctx, FlowDice)
}

// Slot returns an already opened slot.
func (c *Client) Slot(name string) (*engine.Slot, bool) {
	if c.ready() != nil {
		return nil, false
	}
	return c.engine.Slot(name)
}

// Slots returns every opened slot.
func (c *Client) Slots() []*engine.Slot {
	if c.ready() != nil {
		return nil
	}
	return c.engine.Slots()
}

func (c *Client) counterFlow() (engine.Flow, error) {
	primary, feePayer, session := c.Identities()
	account, err := c.counter.Address(primary.PublicKey())
	if err != nil {
		return engine.Flow{}, err
	}
	timeout := c.cfg.SessionTimeout()
	if c.counter.Global {
		timeout = c.cfg.CounterTimeout()
	}
	ephemeral, err := ledger.ParseCommitment(c.cfg.EphemeralCommitment)
	if err != nil {
		return engine.Flow{}, err
	}
	return engine.Flow{
		Name:    FlowCounter,
		Account: account,
		Layout:  c.counter.Layout(),
		Timeout: timeout,
		Action: func(route ledger.Kind) (engine.Tx, error) {
			if token, ok := c.SessionToken(); ok && route == ledger.Ephemeral && !c.counter.Global {
				ix, err := c.counter.Increment(session.PublicKey(), primary.PublicKey(), &token)
				if err != nil {
					return engine.Tx{}, err
				}
				return engine.Tx{
					Instructions: []solana.Instruction{ix},
					FeePayer:     session.PrivateKey,
					Signers:      []solana.PrivateKey{session.PrivateKey},
				}, nil
			}
			ix, err := c.counter.Increment(primary.PublicKey(), primary.PublicKey(), nil)
			if err != nil {
				return engine.Tx{}, err
			}
			return engine.Tx{Instructions: []solana.Instruction{ix}}, nil
		},
		Initialize: func() (engine.Tx, error) {
			ix, err := c.counter.Initialize(primary.PublicKey())
			if err != nil {
				return engine.Tx{}, err
			}
			return engine.Tx{Instructions: []solana.Instruction{ix}}, nil
		},
		FeePayer:            feePayer.PrivateKey,
		Signers:             []solana.PrivateKey{primary.PrivateKey},
		EphemeralCommitment: ephemeral,
		MinBalance:          c.cfg.MinBalanceLamports,
		Unique:              true,
	}, nil
}

// diceFaces is the number of faces of the rolled die.
const diceFaces = 6

func (c *Client) diceFlow() (engine.Flow, error) {
	primary, feePayer, _ := c.Identities()
	account, err := c.dice.Address(primary.PublicKey())
	if err != nil {
		return engine.Flow{}, err
	}
	ephemeral, err := ledger.ParseCommitment(c.cfg.EphemeralCommitment)
	if err != nil {
		return engine.Flow{}, err
	}
	return engine.Flow{
		Name:    FlowDice,
		Account: account,
		Layout:  c.dice.Layout(),
		Timeout: c.cfg.DiceTimeout(),
		Action: func(route ledger.Kind) (engine.Tx, error) {
			ix, err := c.dice.Roll(primary.PublicKey(), uint8(rand.UintN(256)))
			if err != nil {
				return engine.Tx{}, err
			}
			tx := engine.Tx{Instructions: []solana.Instruction{ix}}
			// the delegated wallet pays for its own rolls on the ephemeral ledger
			if route == ledger.Ephemeral {
				tx.FeePayer = primary.PrivateKey
			}
			return tx, nil
		},
		Initialize: func() (engine.Tx, error) {
			ix, err := c.dice.Initialize(primary.PublicKey())
			if err != nil {
				return engine.Tx{}, err
			}
			return engine.Tx{Instructions: []solana.Instruction{ix}}, nil
		},
		Provisional: func(confirmed program.State) program.State {
			return program.State{
				Value:     uint64(rand.IntN(diceFaces) + 1),
				Sequence:  confirmed.Sequence + 1,
				Authority: confirmed.Authority,
			}
		},
		FeePayer:            feePayer.PrivateKey,
		Signers:             []solana.PrivateKey{primary.PrivateKey},
		EphemeralCommitment: ephemeral,
		MinBalance:          c.cfg.MinBalanceLamports,
	}, nil
}
