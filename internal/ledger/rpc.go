package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/raulk/clock"
)

const (
	// DefaultConfirmPoll is how often signature statuses are polled.
	DefaultConfirmPoll = 400 * time.Millisecond

	subscriptionBuffer = 16
)

// RPCOptions configures an RPCLedger.
type RPCOptions struct {
	HTTPClient  *http.Client // nil uses http.DefaultClient
	WSEndpoint  string       // empty derives ws(s):// from the HTTP endpoint
	ReadLevel   Commitment   // commitment for reference/account/balance reads
	ConfirmPoll time.Duration
	Clock       clock.Clock
}

// RPCLedger talks to one Solana-compatible JSON-RPC endpoint and its
// WebSocket pub/sub companion.
type RPCLedger struct {
	kind        Kind
	endpoint    string
	wsEndpoint  string
	client      *rpc.Client
	readLevel   rpc.CommitmentType
	confirmPoll time.Duration
	clock       clock.Clock
	log         log.Logger

	wsMu sync.Mutex
	ws   *ws.Client
}

// NewRPCLedger creates a ledger client for endpoint.
func NewRPCLedger(kind Kind, endpoint string, opts RPCOptions) *RPCLedger {
	var client *rpc.Client
	if opts.HTTPClient != nil {
		client = rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
			HTTPClient: opts.HTTPClient,
		}))
	} else {
		client = rpc.New(endpoint)
	}
	if opts.WSEndpoint == "" {
		opts.WSEndpoint = deriveWSEndpoint(endpoint)
	}
	if opts.ReadLevel == "" {
		opts.ReadLevel = Confirmed
	}
	if opts.ConfirmPoll <= 0 {
		opts.ConfirmPoll = DefaultConfirmPoll
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &RPCLedger{
		kind:        kind,
		endpoint:    endpoint,
		wsEndpoint:  opts.WSEndpoint,
		client:      client,
		readLevel:   rpc.CommitmentType(opts.ReadLevel),
		confirmPoll: opts.ConfirmPoll,
		clock:       opts.Clock,
		log:         log.New("component", "ledger", "ledger", kind),
	}
}

func deriveWSEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

func (l *RPCLedger) Kind() Kind { return l.kind }

// Endpoint returns the HTTP endpoint this ledger talks to.
func (l *RPCLedger) Endpoint() string { return l.endpoint }

func (l *RPCLedger) LatestReference(ctx context.Context) (Reference, error) {
	out, err := l.client.GetLatestBlockhash(ctx, l.readLevel)
	if err != nil {
		return Reference{}, fmt.Errorf("getLatestBlockhash on %s: %w", l.kind, Classify(err))
	}
	if out == nil || out.Value == nil {
		return Reference{}, fmt.Errorf("getLatestBlockhash on %s: %w: empty result", l.kind, ErrLedgerUnreachable)
	}
	return Reference{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (l *RPCLedger) AccountInfo(ctx context.Context, address solana.PublicKey) (*AccountInfo, error) {
	out, err := l.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: l.readLevel,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s on %s: %w", address, l.kind, Classify(err))
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	return accountFromRPC(&out.Value.Owner, out.Value.Lamports, out.Value.Data), nil
}

func accountFromRPC(owner *solana.PublicKey, lamports uint64, data *rpc.DataBytesOrJSON) *AccountInfo {
	info := &AccountInfo{Owner: *owner, Lamports: lamports}
	if data != nil {
		info.Data = data.GetBinary()
	}
	return info
}

func (l *RPCLedger) Balance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	out, err := l.client.GetBalance(ctx, address, l.readLevel)
	if err != nil {
		return 0, fmt.Errorf("getBalance %s on %s: %w", address, l.kind, Classify(err))
	}
	return out.Value, nil
}

func (l *RPCLedger) RequestTopUp(ctx context.Context, address solana.PublicKey, lamports uint64) (solana.Signature, error) {
	sig, err := l.client.RequestAirdrop(ctx, address, lamports, l.readLevel)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("requestAirdrop %s on %s: %w", address, l.kind, Classify(err))
	}
	return sig, nil
}

func (l *RPCLedger) SendTransaction(ctx context.Context, raw []byte, opts SendOptions) (solana.Signature, error) {
	txOpts := rpc.TransactionOpts{SkipPreflight: opts.SkipPreflight}
	if opts.PreflightCommitment != "" {
		txOpts.PreflightCommitment = rpc.CommitmentType(opts.PreflightCommitment)
	}
	sig, err := l.client.SendRawTransactionWithOpts(ctx, raw, txOpts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction on %s: %w", l.kind, Classify(err))
	}
	return sig, nil
}

// ConfirmTransaction polls signature statuses until the transaction reaches
// commitment, fails on chain, or ctx ends.
func (l *RPCLedger) ConfirmTransaction(ctx context.Context, sig solana.Signature, commitment Commitment) error {
	ticker := l.clock.Ticker(l.confirmPoll)
	defer ticker.Stop()

	for {
		out, err := l.client.GetSignatureStatuses(ctx, false, sig)
		switch {
		case err != nil:
			if cerr := Classify(err); !Transient(cerr) && ctx.Err() == nil {
				return fmt.Errorf("getSignatureStatuses %s on %s: %w", sig, l.kind, cerr)
			}
			l.log.Debug("signature status poll failed", "sig", sig, "err", err)
		case out != nil && len(out.Value) > 0 && out.Value[0] != nil:
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: transaction %s failed: %v", ErrRejectedByProgram, sig, status.Err)
			}
			if Commitment(status.ConfirmationStatus).Satisfies(commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s at %s on %s: %w", ErrConfirmationTimeout, sig, commitment, l.kind, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RPCLedger) wsClient(ctx context.Context) (*ws.Client, error) {
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	if l.ws != nil {
		return l.ws, nil
	}
	client, err := ws.Connect(ctx, l.wsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", l.wsEndpoint, Classify(err))
	}
	l.ws = client
	return client, nil
}

func (l *RPCLedger) SubscribeAccount(ctx context.Context, address solana.PublicKey, commitment Commitment) (Subscription, error) {
	client, err := l.wsClient(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := client.AccountSubscribe(address, rpc.CommitmentType(commitment))
	if err != nil {
		// The connection may have gone away; force a reconnect next time.
		l.resetWS(client)
		return nil, fmt.Errorf("accountSubscribe %s on %s: %w", address, l.kind, Classify(err))
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &rpcSubscription{
		updates: make(chan AccountUpdate, subscriptionBuffer),
		cancel: func() {
			cancel()
			sub.Unsubscribe()
		},
	}
	go func() {
		defer close(s.updates)
		for {
			res, err := sub.Recv(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					l.log.Warn("account stream ended", "account", address, "err", err)
				}
				return
			}
			if res == nil {
				continue
			}
			update := AccountUpdate{
				Slot:    res.Context.Slot,
				Account: accountFromRPC(&res.Value.Owner, res.Value.Lamports, res.Value.Data),
			}
			select {
			case s.updates <- update:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return s, nil
}

func (l *RPCLedger) resetWS(stale *ws.Client) {
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	if l.ws == stale {
		l.ws.Close()
		l.ws = nil
	}
}

// Close releases the WebSocket connection, if any.
func (l *RPCLedger) Close() error {
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	if l.ws != nil {
		l.ws.Close()
		l.ws = nil
	}
	return nil
}

type rpcSubscription struct {
	updates chan AccountUpdate
	once    sync.Once
	cancel  func()
}

func (s *rpcSubscription) Updates() <-chan AccountUpdate { return s.updates }

func (s *rpcSubscription) Unsubscribe() { s.once.Do(s.cancel) }
