// Package x402challenge builds the 402 Payment Required response body and
// its base64-encoded header twin (§4.2): one accept entry per active
// network a route can be paid on, plus the payment-identifier extension
// advertisement.
package x402challenge

import (
	"context"
	"fmt"
	"sort"

	"x402gateway/internal/chain/svm"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

const maxTimeoutSeconds = 3600

// X402Version is the protocol version advertised in every challenge body.
const X402Version = 1

// AcceptEntry is one (network, asset, amount, recipient) tuple a client may
// pay with.
type AcceptEntry struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Amount            string            `json:"amount"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentIdentifierExtension advertises optional idempotency-key support.
type PaymentIdentifierExtension struct {
	Supported bool `json:"supported"`
	Required  bool `json:"required"`
}

// ExtensionsBlock is the challenge body's extensions object.
type ExtensionsBlock struct {
	PaymentIdentifier PaymentIdentifierExtension `json:"payment-identifier"`
}

// Body is both the PAYMENT-REQUIRED header's decoded payload and the 402
// response's JSON body (with error/message/reason added for the latter).
type Body struct {
	X402Version int             `json:"x402Version"`
	Accepts     []AcceptEntry   `json:"accepts"`
	Extensions  ExtensionsBlock `json:"extensions"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Builder assembles challenge bodies from the network registry. SVM accept
// entries need the gateway's fee-payer public key, which only the
// lazily-initialized SVM facilitator singleton knows.
type Builder struct {
	registry *registry.Registry
	svmFacs  *svm.FacilitatorRegistry
}

func NewBuilder(reg *registry.Registry, svmFacs *svm.FacilitatorRegistry) *Builder {
	return &Builder{registry: reg, svmFacs: svmFacs}
}

// Build produces the challenge body for route, addressed at resource (the
// request's public URL).
func (b *Builder) Build(ctx context.Context, route x402types.RouteDescriptor, resource string) (Body, error) {
	active := b.registry.Active()

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic ordering for stable headers/tests

	accepts := make([]AcceptEntry, 0, len(ids))
	for _, id := range ids {
		network := active[id]
		entry, ok, err := b.buildEntry(ctx, network, route, resource)
		if err != nil {
			return Body{}, fmt.Errorf("x402challenge: build accept entry for %s: %w", id, err)
		}
		if !ok {
			continue
		}
		accepts = append(accepts, entry)
	}

	return Body{
		X402Version: X402Version,
		Accepts:     accepts,
		Extensions: ExtensionsBlock{
			PaymentIdentifier: PaymentIdentifierExtension{Supported: true, Required: false},
		},
	}, nil
}

// buildEntry returns (entry, false, nil) when the network has no usable
// recipient for this route and should be omitted (§4.2).
func (b *Builder) buildEntry(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, resource string) (AcceptEntry, bool, error) {
	recipient, extra, err := b.recipientAndExtra(ctx, network, route)
	if err != nil {
		return AcceptEntry{}, false, err
	}
	if recipient == "" {
		return AcceptEntry{}, false, nil
	}

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return AcceptEntry{}, false, err
	}

	return AcceptEntry{
		Scheme:            "exact",
		Network:           network.ID,
		MaxAmountRequired: required.String(),
		Amount:            route.DisplayPrice,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Resource:          resource,
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             recipient,
		Asset:             network.Token.Address,
		Extra:             extra,
	}, true, nil
}

// recipientAndExtra resolves an accept entry's payTo (§4.2 precedence:
// facilitator recipient for facilitator-routed EVM, otherwise the route's
// chain-specific payTo) and its extra hints.
func (b *Builder) recipientAndExtra(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor) (string, map[string]string, error) {
	if network.IsSVM() {
		if b.svmFacs == nil {
			return "", nil, nil
		}
		fac, err := b.svmFacs.Get(ctx, b.registry.RPCURL(network))
		if err != nil {
			return "", nil, fmt.Errorf("build SVM facilitator: %w", err)
		}
		return route.PayToSVM, map[string]string{"feePayer": fac.FeePayerAddress()}, nil
	}

	extra := map[string]string{"name": network.Token.Name, "version": network.Token.Version}
	if network.UsesExternalFacilitator() {
		return network.Facilitator.ExternalRecipient, extra, nil
	}
	return route.PayToEVM, extra, nil
}

// EncodeHeader base64-encodes body's JSON form with standard (non-URL)
// base64, the form carried in the PAYMENT-REQUIRED header (§4.2).
func EncodeHeader(body Body) (string, error) {
	return x402types.EncodeChallengeHeader(body)
}
