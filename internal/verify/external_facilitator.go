package verify

import (
	"context"
	"encoding/json"
	"fmt"

	"x402gateway/internal/facilitator"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// wirePaymentPayload and wirePaymentRequirements mirror the x402 protocol's
// external JSON shapes (§6): the facilitator speaks the same wire format
// the client used to reach the gateway, not this gateway's internal types.
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

// ExternalFacilitatorVerifier delegates verification to a configured
// external facilitator service over HTTP, for EVM networks whose
// FacilitatorDescriptor is set. SVM networks are routed to SVMVerifier
// instead.
type ExternalFacilitatorVerifier struct {
	registry *registry.Registry
}

// NewExternalFacilitatorVerifier builds a verifier bound to the shared
// network registry, used only to resolve the facilitator's bearer key.
func NewExternalFacilitatorVerifier(reg *registry.Registry) *ExternalFacilitatorVerifier {
	return &ExternalFacilitatorVerifier{registry: reg}
}

func (v *ExternalFacilitatorVerifier) Verify(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*Result, error) {
	if network.Facilitator == nil {
		return nil, reject(ReasonUnknownNetwork, "network %s has no configured facilitator", network.ID)
	}
	if env.EVM == nil {
		return nil, reject(ReasonUnsupportedScheme, "network %s expects an EVM payload", network.ID)
	}

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, reject(ReasonAmountMismatch, "scale route price: %v", err)
	}

	payloadRaw, err := json.Marshal(env.EVM)
	if err != nil {
		return nil, fmt.Errorf("verify: marshal EVM payload: %w", err)
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
		return nil, fmt.Errorf("verify: marshal wire payload: %w", err)
	}
	requirementsJSON, err := json.Marshal(wireReqs)
	if err != nil {
		return nil, fmt.Errorf("verify: marshal wire requirements: %w", err)
	}

	client := facilitator.NewClient(network.Facilitator.URL, v.registry.FacilitatorAPIKey(network.Facilitator))
	resp, err := client.Verify(ctx, payloadJSON, requirementsJSON)
	if err != nil {
		return nil, reject(ReasonFacilitatorRejected, "facilitator call failed: %v", err)
	}
	if !resp.IsValid {
		reason := "unknown"
		if resp.InvalidReason != nil {
			reason = *resp.InvalidReason
		}
		return nil, reject(ReasonFacilitatorRejected, "facilitator rejected payment: %s", reason)
	}

	return &Result{Payer: resp.Payer}, nil
}
