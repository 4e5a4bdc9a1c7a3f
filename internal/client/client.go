// Package client assembles the ledger, key, funding, submission, watch and
// engine components into one service object with an explicit lifecycle:
// construct with New, then Init, use, and Teardown.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/ephemeral-examples/ledgersync/config"
	"github.com/ephemeral-examples/ledgersync/internal/delegation"
	"github.com/ephemeral-examples/ledgersync/internal/engine"
	"github.com/ephemeral-examples/ledgersync/internal/funding"
	"github.com/ephemeral-examples/ledgersync/internal/keystore"
	"github.com/ephemeral-examples/ledgersync/internal/ledger"
	"github.com/ephemeral-examples/ledgersync/internal/network"
	"github.com/ephemeral-examples/ledgersync/internal/pipeline"
	"github.com/ephemeral-examples/ledgersync/internal/program"
	"github.com/ephemeral-examples/ledgersync/internal/refcache"
	"github.com/ephemeral-examples/ledgersync/internal/watch"
)

// Names under which the identities are stored.
const (
	PrimaryKey  = "primary"
	FeePayerKey = "fee-payer"
	SessionKey  = "session-signer"
)

var (
	ErrNotInitialized     = errors.New("client not initialized")
	ErrAlreadyInitialized = errors.New("client already initialized")
	ErrUnknownFlow        = errors.New("unknown flow")
	ErrAlreadyDelegated   = errors.New("account already delegated")
	ErrNotDelegated       = errors.New("account not delegated")
)

const rpcTimeout = 30 * time.Second

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the wall clock of every component.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the parent logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client is one user's view of both ledgers.
type Client struct {
	cfg     *config.Config
	ledgers ledger.Set
	clock   clock.Clock
	log     log.Logger

	counter   program.Counter
	dice      program.Dice
	sessions  program.SessionManager
	validator *solana.PublicKey

	mu          sync.Mutex
	initialized bool
	closed      bool
	keys        *keystore.Store
	primary     keystore.Identity
	feePayer    keystore.Identity
	session     keystore.Identity
	// token is read by slot goroutines without holding mu
	token       atomic.Pointer[solana.PublicKey]
	refs        *refcache.Cache
	tracker     *delegation.Tracker
	funder      *funding.Guard
	pipe        *pipeline.Pipeline
	watches     *watch.Manager
	engine      *engine.Engine
}

// New builds a client over JSON-RPC ledgers at the configured endpoints.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := network.NewHTTPClient(cfg.Network, rpcTimeout)
	base, err := ledger.ParseCommitment(cfg.BaseCommitment)
	if err != nil {
		return nil, err
	}
	set := ledger.Set{
		Base: ledger.NewRPCLedger(ledger.Base, cfg.BaseEndpoint, ledger.RPCOptions{
			HTTPClient: httpClient,
			WSEndpoint: cfg.BaseWSEndpoint,
			ReadLevel:  base,
		}),
		Ephemeral: ledger.NewRPCLedger(ledger.Ephemeral, cfg.EphemeralEndpoint, ledger.RPCOptions{
			HTTPClient: httpClient,
			WSEndpoint: cfg.EphemeralWSEndpoint,
			ReadLevel:  ledger.Processed,
		}),
	}
	return NewWithLedgers(cfg, set, opts...)
}

// NewWithLedgers builds a client over the given ledgers.
func NewWithLedgers(cfg *config.Config, set ledger.Set, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, ledgers: set}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = log.Root()
	}

	var err error
	parse := func(field, v string) solana.PublicKey {
		if err != nil || v == "" {
			return solana.PublicKey{}
		}
		var pk solana.PublicKey
		if pk, err = solana.PublicKeyFromBase58(v); err != nil {
			err = fmt.Errorf("%s: %w", field, err)
		}
		return pk
	}
	c.counter = program.Counter{ProgramID: parse("counter_program_id", cfg.CounterProgramID), Global: cfg.CounterGlobal}
	c.dice = program.Dice{ProgramID: parse("dice_program_id", cfg.DiceProgramID), OracleQueue: parse("oracle_queue", cfg.OracleQueue)}
	c.sessions = program.SessionManager{ProgramID: parse("session_program_id", cfg.SessionProgramID)}
	if v := parse("validator", cfg.ValidatorIdentity()); !v.IsZero() {
		c.validator = &v
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) component(name string) log.Logger {
	return c.log.With("component", name)
}

// Init opens the key store, loads or creates the identities, funds them on
// development clusters, warms the reference cache and wires the engine.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	if c.closed {
		return errors.New("client torn down")
	}

	var ksOpts []keystore.Option
	if c.cfg.KeyPassphrase != "" {
		ksOpts = append(ksOpts, keystore.WithPassphrase(c.cfg.KeyPassphrase))
	}
	keys, err := keystore.Open(c.cfg.KeyStorePath, ksOpts...)
	if err != nil {
		return err
	}
	ids := []struct {
		dst  *keystore.Identity
		name string
		role keystore.Role
	}{
		{&c.primary, PrimaryKey, keystore.RolePrimary},
		{&c.feePayer, FeePayerKey, keystore.RoleFeePayer},
		{&c.session, SessionKey, keystore.RoleSessionSigner},
	}
	for _, id := range ids {
		if *id.dst, err = keys.LoadOrCreate(id.name, id.role); err != nil {
			keys.Close()
			return fmt.Errorf("load %s identity: %w", id.name, err)
		}
	}
	c.keys = keys

	commitment, err := ledger.ParseCommitment(c.cfg.BaseCommitment)
	if err != nil {
		return err
	}
	c.funder = funding.NewGuard(ledger.Set{Base: c.ledgers.Base}, funding.Options{
		TopUpAmount: c.cfg.TopUpLamports,
		Attempts:    c.cfg.TopUpAttempts,
		RetryMin:    c.cfg.RetryMin(),
		RetryMax:    c.cfg.RetryMax(),
		AllowTopUp:  c.cfg.TopUpAllowed(),
		Limiter:     rate.NewLimiter(rate.Every(time.Second), 3),
		Commitment:  commitment,
		Clock:       c.clock,
		Logger:      c.component("funding"),
	})
	if c.cfg.TopUpAllowed() {
		for _, id := range []keystore.Identity{c.primary, c.feePayer, c.session} {
			if _, err := c.funder.EnsureFunded(ctx, id.PublicKey(), ledger.Base, c.cfg.MinBalanceLamports); err != nil {
				c.log.Warn("could not fund identity", "name", id.Name, "address", id.PublicKey(), "err", err)
			}
		}
	}

	c.refs = refcache.New(c.ledgers, refcache.Options{
		TTL:             c.cfg.ReferenceTTL(),
		RefreshInterval: c.cfg.ReferenceRefresh(),
		Clock:           c.clock,
		Logger:          c.component("refcache"),
	})
	if err := c.refs.Start(ctx); err != nil {
		c.log.Warn("reference warm-up incomplete", "err", err)
	}

	c.tracker = delegation.NewTracker(c.ledgers.Base, c.clock)
	c.pipe = pipeline.New(c.ledgers, c.refs, pipeline.Options{
		Attempts:       c.cfg.SubmitAttempts,
		RetryMin:       c.cfg.RetryMin(),
		RetryMax:       c.cfg.RetryMax(),
		ConfirmTimeout: c.cfg.ConfirmTimeout(),
		Clock:          c.clock,
		Logger:         c.component("pipeline"),
	})
	c.watches = watch.NewManager(c.ledgers, watch.Options{
		Commitment: ledger.Processed,
		RetryMin:   c.cfg.RetryMin(),
		RetryMax:   c.cfg.RetryMax() * 5,
		Clock:      c.clock,
		Logger:     c.component("watch"),
	})
	c.engine = engine.New(engine.Deps{
		Ledgers:   c.ledgers,
		Router:    c.tracker,
		Submitter: c.pipe,
		Funder:    c.funder,
		Watcher:   c.watches,
	}, engine.Options{
		Clock:  c.clock,
		Logger: c.component("engine"),
	})

	if !c.counter.Global {
		c.resumeSession(ctx)
	}
	c.initialized = true
	c.log.Info("client initialized", "primary", c.primary.PublicKey(), "fee_payer", c.feePayer.PublicKey(), "session_signer", c.session.PublicKey(), "session", c.token.Load() != nil)
	return nil
}

// resumeSession picks up a session token created by an earlier run.
func (c *Client) resumeSession(ctx context.Context) {
	token, err := c.sessions.TokenAddress(c.counter.ProgramID, c.session.PublicKey(), c.primary.PublicKey())
	if err != nil {
		return
	}
	info, err := c.ledgers.Base.AccountInfo(ctx, token)
	if err != nil {
		c.log.Debug("could not look up session token", "err", err)
		return
	}
	if info != nil {
		c.token.Store(&token)
	}
}

// Teardown closes every slot, watch, the reference cache, the key store and
// the ledger connections. It is safe to call more than once.
func (c *Client) Teardown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	var err error
	eng, watches, refs, keys := c.engine, c.watches, c.refs, c.keys
	c.mu.Unlock()

	// slot goroutines may still be reading client state
	if eng != nil {
		eng.Close()
	}
	if watches != nil {
		watches.Close()
	}
	if refs != nil {
		refs.Stop()
	}
	if keys != nil {
		err = multierr.Append(err, keys.Close())
	}
	for _, l := range []ledger.Ledger{c.ledgers.Base, c.ledgers.Ephemeral} {
		if closer, ok := l.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	c.log.Info("client torn down")
	return err
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.closed {
		return ErrNotInitialized
	}
	return nil
}

// Identities returns the primary, fee payer and session signer.
func (c *Client) Identities() (primary, feePayer, session keystore.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary, c.feePayer, c.session
}

// SessionToken returns the active session token, if any.
func (c *Client) SessionToken() (solana.PublicKey, bool) {
	token := c.token.Load()
	if token == nil {
		return solana.PublicKey{}, false
	}
	return *token, true
}

// Keys returns the key store; nil before Init.
func (c *Client) Keys() *keystore.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys
}

// Engine returns the engine; nil before Init.
func (c *Client) Engine() *engine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}
