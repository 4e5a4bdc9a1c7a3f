package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"stale blockhash", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, ErrStaleReference},
		{"signature verify", &jsonrpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}, ErrSignatureRejected},
		{"node unhealthy", &jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 42 slots"}, ErrLedgerUnreachable},
		{"program error", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x1"}, ErrRejectedByProgram},
		{"transport", &url.Error{Op: "Post", URL: "http://127.0.0.1:1", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, ErrLedgerUnreachable},
		{"plain missing signature", errors.New("transaction has a missing signature"), ErrSignatureRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.ErrorIs(t, got, tc.want)
			require.ErrorIs(t, got, tc.err, "original cause must stay reachable")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	require.NoError(t, Classify(nil))

	already := fmt.Errorf("send: %w", ErrStaleReference)
	require.Same(t, already, Classify(already))

	require.Equal(t, context.Canceled, Classify(context.Canceled))
}

func TestTransient(t *testing.T) {
	require.True(t, Transient(Classify(&jsonrpc.RPCError{Code: -32005, Message: "unhealthy"})))
	require.False(t, Transient(Classify(&jsonrpc.RPCError{Code: -32002, Message: "Blockhash not found"})))
}

func TestCommitment(t *testing.T) {
	require.True(t, Finalized.Satisfies(Confirmed))
	require.True(t, Confirmed.Satisfies(Confirmed))
	require.False(t, Processed.Satisfies(Confirmed))
	require.False(t, Commitment("").Satisfies(Processed))

	c, err := ParseCommitment("processed")
	require.NoError(t, err)
	require.Equal(t, Processed, c)

	_, err = ParseCommitment("max")
	require.Error(t, err)
}

func TestSet(t *testing.T) {
	base := NewRPCLedger(Base, "http://127.0.0.1:8899", RPCOptions{})
	set := Set{Base: base}
	require.Equal(t, Ledger(base), set.Get(Base))
	require.Nil(t, set.Get(Ephemeral))
	require.Equal(t, []Kind{Base}, set.Kinds())
}
