package verify

import (
	"context"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402gateway/internal/facilitator"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

func megaethNetwork(t *testing.T) x402types.NetworkDescriptor {
	t.Helper()
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	d, ok := reg.Lookup("eip155:6342")
	require.True(t, ok)
	return d
}

func TestExternalFacilitatorVerifier_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	network := megaethNetwork(t)
	httpmock.RegisterResponder("POST", network.Facilitator.URL+"/verify",
		httpmock.NewJsonResponderOrPanic(200, facilitator.VerifyResponse{
			IsValid: true,
			Payer:   "0xMegaPayer",
		}))

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	v := NewExternalFacilitatorVerifier(reg)

	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	env := &x402types.PaymentEnvelope{
		X402Version: 1,
		Scheme:      "exact",
		Network:     network.ID,
		EVM: &x402types.EVMPayload{
			Authorization: x402types.EVMAuthorization{From: "0xfrom", To: "0xto", Value: "1"},
			Signature:     "0xsig",
		},
	}

	result, err := v.Verify(context.Background(), network, route, env)
	require.NoError(t, err)
	assert.Equal(t, "0xMegaPayer", result.Payer)
}

func TestExternalFacilitatorVerifier_Rejected(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	network := megaethNetwork(t)
	reason := "amount_mismatch"
	httpmock.RegisterResponder("POST", network.Facilitator.URL+"/verify",
		httpmock.NewJsonResponderOrPanic(200, facilitator.VerifyResponse{
			IsValid:       false,
			InvalidReason: &reason,
		}))

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	v := NewExternalFacilitatorVerifier(reg)

	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	env := &x402types.PaymentEnvelope{
		X402Version: 1,
		Scheme:      "exact",
		Network:     network.ID,
		EVM: &x402types.EVMPayload{
			Authorization: x402types.EVMAuthorization{From: "0xfrom", To: "0xto", Value: "1"},
			Signature:     "0xsig",
		},
	}

	_, err = v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonFacilitatorRejected, ve.Reason)
}

func TestExternalFacilitatorVerifier_MissingFacilitator(t *testing.T) {
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	v := NewExternalFacilitatorVerifier(reg)

	network, ok := reg.Lookup("eip155:8453")
	require.True(t, ok)
	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	env := &x402types.PaymentEnvelope{EVM: &x402types.EVMPayload{}}

	_, err = v.Verify(context.Background(), network, route, env)
	require.Error(t, err)
	var ve *VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ReasonUnknownNetwork, ve.Reason)
}
