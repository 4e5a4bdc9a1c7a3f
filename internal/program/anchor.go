// Package program builds instructions for the on-chain programs the client
// drives and decodes their accounts.
package program

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrUnsupported is returned for an instruction a program variant lacks.
var ErrUnsupported = errors.New("instruction not supported by program")

// NoopProgramID accepts any data and does nothing.
var NoopProgramID = solana.MustPublicKeyFromBase58("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV")

// InstructionDiscriminator is the Anchor selector of instruction name.
func InstructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

// AccountDiscriminator is the Anchor tag of account type name.
func AccountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

func anchorData(name string, args ...byte) []byte {
	d := InstructionDiscriminator(name)
	return append(d[:], args...)
}

// optional returns key, or programID as Anchor's placeholder for an absent
// optional account.
func optional(key *solana.PublicKey, programID solana.PublicKey) solana.PublicKey {
	if key == nil {
		return programID
	}
	return *key
}

// UniqueInstruction returns a noop instruction carrying random bytes, so two
// otherwise identical transactions get distinct signatures.
func UniqueInstruction() (solana.Instruction, error) {
	data := make([]byte, 5)
	if _, err := rand.Read(data); err != nil {
		return nil, err
	}
	return solana.NewInstruction(NoopProgramID, solana.AccountMetaSlice{}, data), nil
}
