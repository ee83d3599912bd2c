package settle

import (
	"context"
	"encoding/json"

	"x402gateway/internal/facilitator"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// wirePaymentPayload and wirePaymentRequirements mirror the shapes in
// internal/verify's external-facilitator variant; settlement POSTs the
// same wire envelope to a different path.
type wirePaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

type wirePaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	Amount            string `json:"amount"`
	Recipient         string `json:"recipient"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// ExternalFacilitatorSettler delegates settlement to a configured
// external facilitator service over HTTP.
type ExternalFacilitatorSettler struct {
	registry *registry.Registry
}

func NewExternalFacilitatorSettler(reg *registry.Registry) *ExternalFacilitatorSettler {
	return &ExternalFacilitatorSettler{registry: reg}
}

func (s *ExternalFacilitatorSettler) Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error) {
	if network.Facilitator == nil {
		return nil, fail("network has no configured facilitator", nil)
	}
	if env.EVM == nil {
		return nil, fail("expected EVM payload", nil)
	}

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, fail("scale route price", err)
	}

	payloadRaw, err := json.Marshal(env.EVM)
	if err != nil {
		return nil, fail("marshal EVM payload", err)
	}
	wirePayload := wirePaymentPayload{
		X402Version: env.X402Version,
		Scheme:      env.Scheme,
		Network:     network.Facilitator.ExternalNetworkName,
		Payload:     payloadRaw,
	}
	wireReqs := wirePaymentRequirements{
		Scheme:            "exact",
		Network:           network.Facilitator.ExternalNetworkName,
		MaxAmountRequired: required.String(),
		Resource:          route.RouteKey,
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             network.Facilitator.ExternalRecipient,
		Amount:            required.String(),
		Recipient:         network.Facilitator.ExternalRecipient,
		MaxTimeoutSeconds: 3600,
		Asset:             network.Token.Address,
	}

	payloadJSON, err := json.Marshal(wirePayload)
	if err != nil {
		return nil, fail("marshal wire payload", err)
	}
	requirementsJSON, err := json.Marshal(wireReqs)
	if err != nil {
		return nil, fail("marshal wire requirements", err)
	}

	client := facilitator.NewClient(network.Facilitator.URL, s.registry.FacilitatorAPIKey(network.Facilitator))
	resp, err := client.Settle(ctx, payloadJSON, requirementsJSON)
	if err != nil {
		return nil, fail("facilitator call failed", err)
	}
	if !resp.Success {
		reason := "unknown"
		if resp.ErrorReason != nil {
			reason = *resp.ErrorReason
		}
		return nil, fail("facilitator reported settlement failure: "+reason, nil)
	}

	return &x402types.SettlementResult{
		TxHash:      resp.TxHash,
		ChainID:     network.ID,
		Facilitator: network.Facilitator.URL,
		Payer:       resp.Payer,
	}, nil
}
