package svm

import (
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientATA_MatchesFindAssociatedTokenAddress(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	got, err := RecipientATA(owner.String(), mint.String())
	require.NoError(t, err)

	want, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)

	assert.Equal(t, want.String(), got)
}

func TestRecipientATA_RejectsInvalidAddress(t *testing.T) {
	_, err := RecipientATA("not-a-pubkey", solana.NewWallet().PublicKey().String())
	require.Error(t, err)
}

func TestParseAtoms(t *testing.T) {
	v, err := ParseAtoms("10000")
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), v)

	_, err = ParseAtoms("not-a-number")
	require.Error(t, err)
}

func TestNewFacilitator_RejectsBadKey(t *testing.T) {
	_, err := NewFacilitator("not-base58-key!!", "https://api.devnet.solana.com")
	require.Error(t, err)
}

func TestFacilitator_FeePayerAddress(t *testing.T) {
	wallet := solana.NewWallet()
	f, err := NewFacilitator(wallet.PrivateKey.String(), "https://api.devnet.solana.com")
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey().String(), f.FeePayerAddress())
}
