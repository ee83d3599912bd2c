package settle

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

func testEnvelope(network x402types.NetworkDescriptor) *x402types.PaymentEnvelope {
	return &x402types.PaymentEnvelope{
		X402Version: 1,
		Scheme:      "exact",
		Network:     network.ID,
		EVM: &x402types.EVMPayload{
			Authorization: x402types.EVMAuthorization{From: "0xfrom", To: "0xto", Value: "1"},
			Signature:     "0xsig",
		},
	}
}

func TestExternalFacilitatorSettler_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	network := megaethNetwork(t)
	httpmock.RegisterResponder("POST", network.Facilitator.URL+"/settle",
		httpmock.NewJsonResponderOrPanic(200, facilitator.SettleResponse{
			Success:   true,
			TxHash:    "0xsettled",
			NetworkID: network.ID,
			Payer:     "0xMegaPayer",
		}))

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	s := NewExternalFacilitatorSettler(reg)

	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	result, err := s.Settle(context.Background(), network, route, testEnvelope(network))
	require.NoError(t, err)
	assert.Equal(t, "0xsettled", result.TxHash)
	assert.Equal(t, "0xMegaPayer", result.Payer)
	assert.Equal(t, network.Facilitator.URL, result.Facilitator)
}

func TestExternalFacilitatorSettler_Failure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	network := megaethNetwork(t)
	reason := "insufficient_funds"
	httpmock.RegisterResponder("POST", network.Facilitator.URL+"/settle",
		httpmock.NewJsonResponderOrPanic(200, facilitator.SettleResponse{
			Success:     false,
			ErrorReason: &reason,
		}))

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	s := NewExternalFacilitatorSettler(reg)

	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	_, err = s.Settle(context.Background(), network, route, testEnvelope(network))
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
}

func TestExternalFacilitatorSettler_MissingFacilitator(t *testing.T) {
	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)
	s := NewExternalFacilitatorSettler(reg)

	network, ok := reg.Lookup("eip155:8453")
	require.True(t, ok)
	route := x402types.RouteDescriptor{RouteKey: "r1", PriceAtomic: 10000}
	env := &x402types.PaymentEnvelope{EVM: &x402types.EVMPayload{}}

	_, err = s.Settle(context.Background(), network, route, env)
	require.Error(t, err)
}
