package program

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	// SessionProgramID issues session tokens.
	SessionProgramID = solana.MustPublicKeyFromBase58("KeyspM2ssCJbqUhQ4k7sveSiY4WjnYsrXkC8oDbwde5")

	seedSessionToken = []byte("session_token")
)

// DefaultSessionTopUp is what a new session signer receives from its
// authority.
const DefaultSessionTopUp = 500_000

// SessionManager issues session tokens that let a session signer act for an
// authority on one target program.
type SessionManager struct {
	ProgramID solana.PublicKey
}

func (m SessionManager) programID() solana.PublicKey {
	if m.ProgramID.IsZero() {
		return SessionProgramID
	}
	return m.ProgramID
}

// TokenAddress returns the session token of signer acting for authority on
// target.
func (m SessionManager) TokenAddress(target, signer, authority solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{seedSessionToken, target[:], signer[:], authority[:]},
		m.programID(),
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive session token: %w", err)
	}
	return pda, nil
}

// SessionArgs are the create_session arguments.
type SessionArgs struct {
	TopUp      bool
	ValidUntil time.Time
	Lamports   uint64
}

func (a SessionArgs) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	disc := InstructionDiscriminator("create_session")
	if err := enc.WriteBytes(disc[:], false); err != nil {
		return nil, err
	}
	// every argument is an Option
	if err := enc.WriteBool(true); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(a.TopUp); err != nil {
		return nil, err
	}
	if a.ValidUntil.IsZero() {
		if err := enc.WriteBool(false); err != nil {
			return nil, err
		}
	} else {
		if err := enc.WriteBool(true); err != nil {
			return nil, err
		}
		if err := enc.WriteInt64(a.ValidUntil.Unix(), binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	if a.Lamports == 0 {
		if err := enc.WriteBool(false); err != nil {
			return nil, err
		}
	} else {
		if err := enc.WriteBool(true); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(a.Lamports, binary.LittleEndian); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// CreateSession authorizes signer to act for authority on target until
// args.ValidUntil. Both signer and authority sign.
func (m SessionManager) CreateSession(target, signer, authority solana.PublicKey, args SessionArgs) (solana.Instruction, error) {
	token, err := m.TokenAddress(target, signer, authority)
	if err != nil {
		return nil, err
	}
	data, err := args.encode()
	if err != nil {
		return nil, fmt.Errorf("encode create_session: %w", err)
	}
	return solana.NewInstruction(m.programID(), solana.AccountMetaSlice{
		solana.NewAccountMeta(token, true, false),
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(target, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}
