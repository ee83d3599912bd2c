package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaledAmount_IdentityAtSixDecimals(t *testing.T) {
	amt, err := ScaledAmount(10000, 6)
	require.NoError(t, err)
	assert.Equal(t, "10000", amt.String())
}

func TestScaledAmount_EighteenDecimals(t *testing.T) {
	// §8 scenario 3: priceAtomic=10000, d=18 -> 10000 * 10^12 = 10^16
	amt, err := ScaledAmount(10000, 18)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", amt.String())
}

func TestScaledAmount_RejectsSubSixDecimals(t *testing.T) {
	_, err := ScaledAmount(10000, 5)
	assert.Error(t, err)
}

func TestNew_AcceptsBuiltinTable(t *testing.T) {
	// The built-in table is hand-authored with decimals >= 6 everywhere,
	// so New's decimals check accepts all of it.
	r, err := New(Config{})
	require.NoError(t, err)
	assert.NotEmpty(t, r.all)
}

func TestActive_FiltersByConfiguration(t *testing.T) {
	r, err := New(Config{
		RPCURLs:               map[string]string{"base": "https://base.example/rpc"},
		SVMFeePayerConfigured: false,
	})
	require.NoError(t, err)

	active := r.Active()
	_, baseActive := active["eip155:8453"]
	assert.True(t, baseActive)

	_, sepoliaActive := active["eip155:84532"]
	assert.False(t, sepoliaActive, "base-sepolia has no configured RPC URL")

	_, solanaActive := active["solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"]
	assert.False(t, solanaActive, "SVM requires a fee payer regardless of RPC config")

	// Facilitator-routed networks don't need a direct RPC URL.
	_, megaethActive := active["eip155:6342"]
	assert.True(t, megaethActive)
}

func TestActive_SVMRequiresFeePayer(t *testing.T) {
	r, err := New(Config{
		RPCURLs:               map[string]string{"solana": "https://api.mainnet-beta.solana.com"},
		SVMFeePayerConfigured: true,
	})
	require.NoError(t, err)

	active := r.Active()
	_, ok := active["solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"]
	assert.True(t, ok)
}

func TestSelectProviderKind(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	base, _ := r.Lookup("eip155:8453")
	assert.Equal(t, ProviderLocalEVM, SelectProviderKind(base))

	megaeth, _ := r.Lookup("eip155:6342")
	assert.Equal(t, ProviderExternalEVM, SelectProviderKind(megaeth))

	solana, _ := r.Lookup("solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp")
	assert.Equal(t, ProviderSVM, SelectProviderKind(solana))
}

func TestEqualAddress(t *testing.T) {
	assert.True(t, EqualAddress("0xABC", "0xabc"))
	assert.False(t, EqualAddress("0xABC", "0xabd"))
}
