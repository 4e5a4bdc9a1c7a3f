package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/ephemeral-examples/ledgersync/internal/delegation"
)

var (
	seedPlayer   = []byte("playerd")
	seedIdentity = []byte("identity")

	// VRFProgramID serves randomness requests.
	VRFProgramID = solana.MustPublicKeyFromBase58("Vrf1RNUjXmQGjmQrQLvJHs9SNkvDJEsRVFPkfSQUwGz")
	// DefaultOracleQueue is the randomness queue on the ephemeral ledger.
	DefaultOracleQueue = solana.MustPublicKeyFromBase58("5hBR571xnXppuCPveTrctfTU7tJLSN94nq7kv7FRK5Tc")

	slotHashesSysvar = solana.MustPublicKeyFromBase58("SysvarS1otHashes111111111111111111111111111")
)

// Dice drives the dice program: one player account per user, rolled with
// oracle randomness.
type Dice struct {
	ProgramID   solana.PublicKey
	OracleQueue solana.PublicKey
}

// Layout returns LayoutPlayer.
func (d Dice) Layout() Layout { return LayoutPlayer }

// Address returns the player account of user.
func (d Dice) Address(user solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress([][]byte{seedPlayer, user[:]}, d.ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive player address: %w", err)
	}
	return pda, nil
}

// Initialize creates the player account of payer.
func (d Dice) Initialize(payer solana.PublicKey) (solana.Instruction, error) {
	player, err := d.Address(payer)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(d.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(player, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, anchorData("initialize")), nil
}

// Roll requests randomness for the player of payer. The result lands in the
// player account through the oracle callback.
func (d Dice) Roll(payer solana.PublicKey, clientSeed uint8) (solana.Instruction, error) {
	player, err := d.Address(payer)
	if err != nil {
		return nil, err
	}
	identity, _, err := solana.FindProgramAddress([][]byte{seedIdentity}, d.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive program identity: %w", err)
	}
	queue := d.OracleQueue
	if queue.IsZero() {
		queue = DefaultOracleQueue
	}
	return solana.NewInstruction(d.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(player, false, false),
		solana.NewAccountMeta(queue, true, false),
		solana.NewAccountMeta(identity, false, false),
		solana.NewAccountMeta(VRFProgramID, false, false),
		solana.NewAccountMeta(slotHashesSysvar, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, anchorData("roll_dice_delegated", clientSeed)), nil
}

// Delegate hands the player account of user to the delegation program.
func (d Dice) Delegate(user solana.PublicKey, validator *solana.PublicKey) (solana.Instruction, error) {
	player, err := d.Address(user)
	if err != nil {
		return nil, err
	}
	buffer, record, metadata, err := delegationAccounts(player, d.ProgramID)
	if err != nil {
		return nil, err
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(user, true, true),
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(record, true, false),
		solana.NewAccountMeta(metadata, true, false),
		solana.NewAccountMeta(player, true, false),
		solana.NewAccountMeta(d.ProgramID, false, false),
		solana.NewAccountMeta(delegation.ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	if validator != nil {
		metas = append(metas, solana.NewAccountMeta(*validator, false, false))
	}
	return solana.NewInstruction(d.ProgramID, metas, anchorData("delegate")), nil
}

// Undelegate commits the player account of payer back to the base ledger.
func (d Dice) Undelegate(payer solana.PublicKey) (solana.Instruction, error) {
	player, err := d.Address(payer)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(d.ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(player, true, false),
		solana.NewAccountMeta(delegation.MagicProgramID, false, false),
		solana.NewAccountMeta(delegation.MagicContextID, true, false),
	}, anchorData("undelegate")), nil
}
