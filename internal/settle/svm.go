package settle

import (
	"context"

	"x402gateway/internal/chain/svm"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// SVMSettler settles a Solana "exact" payment via the gateway's own SVM
// facilitator: co-sign, submit, await confirmation.
type SVMSettler struct {
	registry *registry.Registry
	facs     *svm.FacilitatorRegistry
}

func NewSVMSettler(reg *registry.Registry, facs *svm.FacilitatorRegistry) *SVMSettler {
	return &SVMSettler{registry: reg, facs: facs}
}

func (s *SVMSettler) Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error) {
	if env.SVM == nil {
		return nil, fail("expected SVM payload", nil)
	}

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, fail("scale route price", err)
	}

	recipientATA, err := svm.RecipientATA(route.PayToSVM, network.Token.Address)
	if err != nil {
		return nil, fail("derive recipient ATA", err)
	}

	fac, err := s.facs.Get(ctx, s.registry.RPCURL(network))
	if err != nil {
		return nil, fail("build SVM facilitator", err)
	}

	result, err := fac.Settle(ctx, env.SVM.Transaction, svm.TransferRequirements{
		Mint:          network.Token.Address,
		RecipientATA:  recipientATA,
		RequiredAtoms: required.Uint64(),
	})
	if err != nil {
		return nil, fail("svm facilitator settlement failed", err)
	}

	return &x402types.SettlementResult{
		TxHash:  result.Signature,
		ChainID: network.ID,
	}, nil
}
