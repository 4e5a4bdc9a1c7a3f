package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
)

var (
	seedCounter = []byte("counter")
	seedTestPDA = []byte("test-pda")
)

// Counter drives a counter program. The per-authority variant keeps one
// counter per user under seeds ["counter", authority] and accepts session
// tokens; the global variant has a single counter under ["test-pda"].
type Counter struct {
	ProgramID solana.PublicKey
	Global    bool
}

// Layout returns the account layout of the variant.
func (c Counter) Layout() Layout {
	if c.Global {
		return LayoutCounter
	}
	return LayoutSessionCounter
}

// Address returns the counter account of authority.
func (c Counter) Address(authority solana.PublicKey) (solana.PublicKey, error) {
	seeds := [][]byte{seedCounter, authority[:]}
	if c.Global {
		seeds = [][]byte{seedTestPDA}
	}
	pda, _, err := solana.FindProgramAddress(seeds, c.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive counter address: %w", err)
	}
	return pda, nil
}

// Seeds returns the seeds of the counter account of authority.
func (c Counter) Seeds(authority solana.PublicKey) [][]byte {
	if c.Global {
		return [][]byte{seedTestPDA}
	}
	return [][]byte{seedCounter, authority.Bytes()}
}

// Initialize creates the counter of user with a count of zero.
func (c Counter) Initialize(user solana.PublicKey) (solana.Instruction, error) {
	counter, err := c.Address(user)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(user, true, true),
		solana.NewAccountMeta(counter, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	if c.Global {
		metas = solana.AccountMetaSlice{
			solana.NewAccountMeta(counter, true, false),
			solana.NewAccountMeta(user, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		}
	}
	return solana.NewInstruction(c.ProgramID, metas, anchorData("initialize")), nil
}

// Increment adds one to the counter of authority. payer signs; when it is a
// session signer, sessionToken authorizes it to act for authority.
func (c Counter) Increment(payer, authority solana.PublicKey, sessionToken *solana.PublicKey) (solana.Instruction, error) {
	counter, err := c.Address(authority)
	if err != nil {
		return nil, err
	}
	if c.Global {
		return solana.NewInstruction(c.ProgramID, solana.AccountMetaSlice{
			solana.NewAccountMeta(counter, true, false),
		}, anchorData("increment")), nil
	}
	return solana.NewInstruction(c.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(counter, true, false),
		solana.NewAccountMeta(optional(sessionToken, c.ProgramID), false, false),
	}, anchorData("increment")), nil
}

// Delegate hands the counter of authority to the delegation program.
func (c Counter) Delegate(payer, authority solana.PublicKey, sessionToken, validator *solana.PublicKey) (solana.Instruction, error) {
	counter, err := c.Address(authority)
	if err != nil {
		return nil, err
	}
	buffer, record, metadata, err := delegationAccounts(counter, c.ProgramID)
	if err != nil {
		return nil, err
	}

	var metas solana.AccountMetaSlice
	if c.Global {
		metas = solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, false, true),
			solana.NewAccountMeta(counter, true, false),
			solana.NewAccountMeta(c.ProgramID, false, false),
			solana.NewAccountMeta(buffer, true, false),
			solana.NewAccountMeta(record, true, false),
			solana.NewAccountMeta(metadata, true, false),
			solana.NewAccountMeta(delegation.ProgramID, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		}
	} else {
		metas = solana.AccountMetaSlice{
			solana.NewAccountMeta(payer, false, true),
			solana.NewAccountMeta(buffer, true, false),
			solana.NewAccountMeta(record, true, false),
			solana.NewAccountMeta(metadata, true, false),
			solana.NewAccountMeta(counter, true, false),
			solana.NewAccountMeta(optional(sessionToken, c.ProgramID), false, false),
			solana.NewAccountMeta(c.ProgramID, false, false),
			solana.NewAccountMeta(delegation.ProgramID, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		}
	}
	if validator != nil {
		metas = append(metas, solana.NewAccountMeta(*validator, false, false))
	}
	return solana.NewInstruction(c.ProgramID, metas, anchorData("delegate")), nil
}

// Undelegate commits the counter of authority and returns it to the base
// ledger. It is sent to the ephemeral ledger.
func (c Counter) Undelegate(payer, authority solana.PublicKey, sessionToken *solana.PublicKey) (solana.Instruction, error) {
	if c.Global {
		return nil, fmt.Errorf("%w: undelegate on global counter", ErrUnsupported)
	}
	counter, err := c.Address(authority)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(c.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(counter, true, false),
		solana.NewAccountMeta(optional(sessionToken, c.ProgramID), false, false),
		solana.NewAccountMeta(delegation.MagicProgramID, false, false),
		solana.NewAccountMeta(delegation.MagicContextID, true, false),
	}, anchorData("undelegate")), nil
}

func delegationAccounts(delegated, owner solana.PublicKey) (buffer, record, metadata solana.PublicKey, err error) {
	if buffer, err = delegation.BufferPDA(delegated, owner); err != nil {
		return
	}
	if record, err = delegation.RecordPDA(delegated); err != nil {
		return
	}
	metadata, err = delegation.MetadataPDA(delegated)
	return
}
