package verify

import (
	"context"

	"x402gateway/internal/chain/svm"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// SVMVerifier delegates verification to the gateway's own SVM facilitator
// (§4.3: "Delegate to the SVM facilitator library's verify entry").
type SVMVerifier struct {
	registry *registry.Registry
	facs     *svm.FacilitatorRegistry
}

// NewSVMVerifier builds a verifier bound to the network registry and the
// lazily-constructed SVM facilitator registry.
func NewSVMVerifier(reg *registry.Registry, facs *svm.FacilitatorRegistry) *SVMVerifier {
	return &SVMVerifier{registry: reg, facs: facs}
}

func (v *SVMVerifier) Verify(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*Result, error) {
	if env.SVM == nil {
		return nil, reject(ReasonUnsupportedScheme, "network %s expects an SVM payload", network.ID)
	}
	if env.Scheme != "exact" {
		return nil, reject(ReasonUnsupportedScheme, "scheme %q not supported", env.Scheme)
	}

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, reject(ReasonAmountMismatch, "scale route price: %v", err)
	}
	requiredAtoms := required.Uint64()

	recipientATA, err := svm.RecipientATA(route.PayToSVM, network.Token.Address)
	if err != nil {
		return nil, reject(ReasonRecipientMismatch, "derive recipient ATA: %v", err)
	}

	fac, err := v.facs.Get(ctx, v.registry.RPCURL(network))
	if err != nil {
		return nil, reject(ReasonSVMRejected, "build SVM facilitator: %v", err)
	}

	result, err := fac.Verify(ctx, env.SVM.Transaction, svm.TransferRequirements{
		Mint:          network.Token.Address,
		RecipientATA:  recipientATA,
		RequiredAtoms: requiredAtoms,
	})
	if err != nil {
		return nil, reject(ReasonSVMRejected, "svm facilitator rejected: %v", err)
	}

	return &Result{Payer: result.Payer}, nil
}
