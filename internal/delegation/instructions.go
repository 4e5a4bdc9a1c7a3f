// Package delegation builds delegation-program instructions and derives, on
// every call, whether an account is currently delegated to the ephemeral
// ledger.
package delegation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var (
	// ProgramID owns every delegated account.
	ProgramID = solana.MustPublicKeyFromBase58("DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh")
	// MagicProgramID schedules commits on the ephemeral ledger.
	MagicProgramID = solana.MustPublicKeyFromBase58("Magic11111111111111111111111111111111111111")
	// MagicContextID is the account the magic program records scheduled commits in.
	MagicContextID = solana.MustPublicKeyFromBase58("MagicContext1111111111111111111111111111111")
)

// DefaultCommitFrequencyMs leaves commits to explicit requests.
const DefaultCommitFrequencyMs = math.MaxUint32

var (
	seedBuffer     = []byte("buffer")
	seedRecord     = []byte("delegation")
	seedMetadata   = []byte("delegation-metadata")
	delegateIxDisc = [8]byte{}
)

// magic program instruction index for commit-and-undelegate
const scheduleCommitAndUndelegate uint32 = 2

// BufferPDA is the buffer account the owner program copies state into while
// delegating.
func BufferPDA(delegated, ownerProgram solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{seedBuffer, delegated[:]}, ownerProgram)
	return pda, err
}

// RecordPDA is the delegation record of delegated.
func RecordPDA(delegated solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{seedRecord, delegated[:]}, ProgramID)
	return pda, err
}

// MetadataPDA stores the seeds delegated was derived from.
func MetadataPDA(delegated solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{seedMetadata, delegated[:]}, ProgramID)
	return pda, err
}

// DelegateAccounts are the accounts a delegate instruction touches.
type DelegateAccounts struct {
	Payer        solana.PublicKey
	Delegated    solana.PublicKey
	OwnerProgram solana.PublicKey
	// Validator pins the delegation to one ephemeral validator when set.
	Validator *solana.PublicKey
}

// DelegateArgs are the instruction arguments. A zero CommitFrequencyMs is
// replaced by DefaultCommitFrequencyMs.
type DelegateArgs struct {
	CommitFrequencyMs uint32
	Seeds             [][]byte
}

func encodeDelegateArgs(args DelegateArgs, validator *solana.PublicKey) ([]byte, error) {
	if args.CommitFrequencyMs == 0 {
		args.CommitFrequencyMs = DefaultCommitFrequencyMs
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(delegateIxDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(args.CommitFrequencyMs, binary.LittleEndian); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(args.Seeds)), binary.LittleEndian); err != nil {
		return nil, err
	}
	for _, seed := range args.Seeds {
		if err := enc.WriteBytes(seed, true); err != nil {
			return nil, err
		}
	}
	if validator == nil {
		if err := enc.WriteBool(false); err != nil {
			return nil, err
		}
	} else {
		if err := enc.WriteBool(true); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(validator[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DelegateInstruction hands Delegated over to the delegation program. Both
// the payer and the delegated account sign, so it is used directly only for
// on-curve accounts; programs delegate their PDAs through their own
// instruction.
func DelegateInstruction(accts DelegateAccounts, args DelegateArgs) (solana.Instruction, error) {
	buffer, err := BufferPDA(accts.Delegated, accts.OwnerProgram)
	if err != nil {
		return nil, fmt.Errorf("derive buffer pda: %w", err)
	}
	record, err := RecordPDA(accts.Delegated)
	if err != nil {
		return nil, fmt.Errorf("derive delegation record: %w", err)
	}
	metadata, err := MetadataPDA(accts.Delegated)
	if err != nil {
		return nil, fmt.Errorf("derive delegation metadata: %w", err)
	}
	data, err := encodeDelegateArgs(args, accts.Validator)
	if err != nil {
		return nil, fmt.Errorf("encode delegate args: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accts.Payer, false, true),
		solana.NewAccountMeta(accts.Delegated, true, true),
		solana.NewAccountMeta(accts.OwnerProgram, false, false),
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(record, true, false),
		solana.NewAccountMeta(metadata, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	if accts.Validator != nil {
		metas = append(metas, solana.NewAccountMeta(*accts.Validator, false, false))
	}
	return solana.NewInstruction(ProgramID, metas, data), nil
}

// AssignToDelegationInstruction moves a system-owned on-curve account to the
// delegation program so it can then be delegated.
func AssignToDelegationInstruction(account solana.PublicKey) (solana.Instruction, error) {
	ix, err := system.NewAssignInstruction(ProgramID, account).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build assign instruction: %w", err)
	}
	return ix, nil
}

// CommitAndUndelegateInstruction schedules a final commit of accounts on the
// ephemeral ledger and returns them to their owner on the base ledger. The
// accounts must sign, which holds for on-curve wallets.
func CommitAndUndelegateInstruction(payer solana.PublicKey, accounts ...solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(MagicContextID, true, false),
	}
	for _, acct := range accounts {
		metas = append(metas, solana.NewAccountMeta(acct, true, true))
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, scheduleCommitAndUndelegate)
	return solana.NewInstruction(MagicProgramID, metas, data)
}
