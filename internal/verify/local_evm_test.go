package verify

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402gateway/internal/chain/evm"
	"x402gateway/internal/kv"
	"x402gateway/internal/paystore"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

func testNetwork() x402types.NetworkDescriptor {
	return x402types.NetworkDescriptor{
		ID:           "eip155:84532",
		VM:           x402types.VMEVM,
		ChainNumeric: 84532,
		RPCURLRef:    "base-sepolia",
		Token: x402types.TokenDescriptor{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	}
}

func testRoute() x402types.RouteDescriptor {
	return x402types.RouteDescriptor{
		RouteKey:    "route-a",
		PriceAtomic: 1000,
		PayToEVM:    "0x00000000000000000000000000000000000fee",
	}
}

func signedEnvelope(t *testing.T, network x402types.NetworkDescriptor, auth x402types.EVMAuthorization) (*x402types.PaymentEnvelope, string) {
	t.Helper()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	auth.From = signer

	value, ok := new(big.Int).SetString(auth.Value, 10)
	require.True(t, ok)

	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              network.Token.Name,
			Version:           network.Token.Version,
			ChainId:           math.NewHexOrDecimal256(network.ChainNumeric),
			VerifyingContract: network.Token.Address,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  math.NewHexOrDecimal256(auth.ValidAfter),
			"validBefore": math.NewHexOrDecimal256(auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	require.NoError(t, err)

	sig, err := crypto.Sign(hash, priv)
	require.NoError(t, err)
	sig[64] += 27

	return &x402types.PaymentEnvelope{
			X402Version: 1,
			Scheme:      "exact",
			Network:     network.ID,
			EVM: &x402types.EVMPayload{
				Authorization: auth,
				Signature:     common.Bytes2Hex(sig),
			},
		},
		signer
}

func newTestVerifier(t *testing.T, cfg LocalEVMConfig) *LocalEVMVerifier {
	t.Helper()
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	clients := evm.NewClientRegistry(nil)
	nonces := paystore.NewNonceStore(kv.NewMemoryStore())
	return NewLocalEVMVerifier(reg, clients, nonces, cfg)
}

func TestLocalEVMVerifier_AmountMismatch(t *testing.T) {
	v := newTestVerifier(t, LocalEVMConfig{FailOpenOnBalanceReadError: true})
	network := testNetwork()
	route := testRoute()

	auth := x402types.EVMAuthorization{
		To:          route.PayToEVM,
		Value:       "1", // below route.PriceAtomic
		ValidAfter:  time.Now().Unix() - 10,
		ValidBefore: time.Now().Unix() + 3600,
		Nonce:       "0x" + "11" + "2233445566778899aabbccddeeff00112233445566778899aabbccddeeff00",
	}
	env, _ := signedEnvelope(t, network, auth)

	_, err := v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonAmountMismatch, ve.Reason)
}

func TestLocalEVMVerifier_RecipientMismatch(t *testing.T) {
	v := newTestVerifier(t, LocalEVMConfig{FailOpenOnBalanceReadError: true})
	network := testNetwork()
	route := testRoute()

	auth := x402types.EVMAuthorization{
		To:          "0x000000000000000000000000000000deadbeef",
		Value:       "1000",
		ValidAfter:  time.Now().Unix() - 10,
		ValidBefore: time.Now().Unix() + 3600,
		Nonce:       "0x2233445566778899aabbccddeeff00112233445566778899aabbccddeeff0000",
	}
	env, _ := signedEnvelope(t, network, auth)

	_, err := v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonRecipientMismatch, ve.Reason)
}

func TestLocalEVMVerifier_WindowInvalid(t *testing.T) {
	v := newTestVerifier(t, LocalEVMConfig{FailOpenOnBalanceReadError: true})
	network := testNetwork()
	route := testRoute()

	auth := x402types.EVMAuthorization{
		To:          route.PayToEVM,
		Value:       "1000",
		ValidAfter:  time.Now().Unix() + 3600, // not yet valid
		ValidBefore: time.Now().Unix() + 7200,
		Nonce:       "0x3344556677889900aabbccddeeff00112233445566778899aabbccddeeff1100",
	}
	env, _ := signedEnvelope(t, network, auth)

	_, err := v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonWindowInvalid, ve.Reason)
}

func TestLocalEVMVerifier_SignatureInvalid(t *testing.T) {
	v := newTestVerifier(t, LocalEVMConfig{FailOpenOnBalanceReadError: true})
	network := testNetwork()
	route := testRoute()

	auth := x402types.EVMAuthorization{
		To:          route.PayToEVM,
		Value:       "1000",
		ValidAfter:  time.Now().Unix() - 10,
		ValidBefore: time.Now().Unix() + 3600,
		Nonce:       "0x4455667788990011aabbccddeeff00112233445566778899aabbccddeeff2200",
	}
	env, signer := signedEnvelope(t, network, auth)
	// Tamper with the signed authorization's "from" after signing.
	env.EVM.Authorization.From = "0x0000000000000000000000000000000000dead"
	_ = signer

	_, err := v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonSignatureInvalid, ve.Reason)
}

func TestLocalEVMVerifier_SucceedsFailOpenOnRPCError(t *testing.T) {
	v := newTestVerifier(t, LocalEVMConfig{FailOpenOnBalanceReadError: true})
	network := testNetwork()
	route := testRoute()

	auth := x402types.EVMAuthorization{
		To:          route.PayToEVM,
		Value:       "1000",
		ValidAfter:  time.Now().Unix() - 10,
		ValidBefore: time.Now().Unix() + 3600,
		Nonce:       "0x5566778899001122aabbccddeeff00112233445566778899aabbccddeeff3300",
	}
	env, signer := signedEnvelope(t, network, auth)

	result, err := v.Verify(context.Background(), network, route, env)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, signer, common.HexToAddress(result.Payer).Hex())
}

func TestLocalEVMVerifier_RejectsSecondNonceReservation(t *testing.T) {
	nonces := paystore.NewNonceStore(kv.NewMemoryStore())
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	v := NewLocalEVMVerifier(reg, evm.NewClientRegistry(nil), nonces, LocalEVMConfig{FailOpenOnBalanceReadError: true})

	network := testNetwork()
	route := testRoute()
	auth := x402types.EVMAuthorization{
		To:          route.PayToEVM,
		Value:       "1000",
		ValidAfter:  time.Now().Unix() - 10,
		ValidBefore: time.Now().Unix() + 3600,
		Nonce:       "0x6677889900112233aabbccddeeff00112233445566778899aabbccddeeff4400",
	}
	env, _ := signedEnvelope(t, network, auth)

	ok, err := nonces.Reserve(context.Background(), x402types.NonceKeyEVM(auth.Nonce), x402types.NonceRecord{Network: network.ID})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonNonceInFlight, ve.Reason)
}
