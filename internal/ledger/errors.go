package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Error taxonomy shared by every ledger implementation. Classified errors wrap
// one of these sentinels together with the original cause.
var (
	// ErrLedgerUnreachable is a transport failure; retried with backoff.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	// ErrStaleReference means the transaction's reference has expired.
	ErrStaleReference = errors.New("stale block reference")
	// ErrSignatureRejected is a malformed or insufficiently signed transaction.
	ErrSignatureRejected = errors.New("signature rejected")
	// ErrRejectedByProgram is an on-chain program or simulation failure.
	ErrRejectedByProgram = errors.New("rejected by program")
	// ErrConfirmationTimeout means the commitment was not reached in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// JSON-RPC error codes returned by Solana validators.
const (
	codeSendTransactionPreflightFailure = -32002
	codeTransactionSignatureVerify      = -32003
	codeBlockNotAvailable               = -32004
	codeNodeUnhealthy                   = -32005
	codeSignatureLenMismatch            = -32013
)

// Transient reports whether err is worth retrying unchanged.
func Transient(err error) bool {
	return errors.Is(err, ErrLedgerUnreachable)
}

// Classify maps a raw transport or JSON-RPC error onto the taxonomy. Errors
// that already carry a taxonomy sentinel and context errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrLedgerUnreachable, ErrStaleReference, ErrSignatureRejected, ErrRejectedByProgram, ErrConfirmationTimeout} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %w", classifyMessage(rpcErr.Code, rpcErr.Message), err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrLedgerUnreachable, err)
	}

	return fmt.Errorf("%w: %w", classifyMessage(0, err.Error()), err)
}

func classifyMessage(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "blockhash not found"),
		strings.Contains(lower, "blockhashnotfound"),
		strings.Contains(lower, "block height exceeded"):
		return ErrStaleReference
	case code == codeTransactionSignatureVerify,
		code == codeSignatureLenMismatch,
		strings.Contains(lower, "signature verification"),
		strings.Contains(lower, "missing signature"),
		strings.Contains(lower, "missingrequiredsignature"):
		return ErrSignatureRejected
	case code == codeNodeUnhealthy,
		code == codeBlockNotAvailable,
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "status code: 5"),
		strings.Contains(lower, "unexpected eof"):
		return ErrLedgerUnreachable
	case code == codeSendTransactionPreflightFailure:
		return ErrRejectedByProgram
	}
	return ErrRejectedByProgram
}
