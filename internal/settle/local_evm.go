package settle

import (
	"context"
	"strings"

	"x402gateway/internal/chain/evm"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// LocalEVMSettler submits an EIP-3009 transferWithAuthorization directly
// against the token contract and awaits one confirmation.
type LocalEVMSettler struct {
	registry *registry.Registry
	clients  *evm.ClientRegistry
}

func NewLocalEVMSettler(reg *registry.Registry, clients *evm.ClientRegistry) *LocalEVMSettler {
	return &LocalEVMSettler{registry: reg, clients: clients}
}

func (s *LocalEVMSettler) Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error) {
	if env.EVM == nil {
		return nil, fail("expected EVM payload", nil)
	}

	client, err := s.clients.Get(ctx, s.registry.RPCURL(network), network.ChainNumeric)
	if err != nil {
		return nil, fail("dial EVM client", err)
	}

	txHash, err := client.SubmitTransferWithAuthorization(ctx, network.Token.Address, env.EVM.Authorization, env.EVM.Signature)
	if err != nil {
		return nil, fail("submit transferWithAuthorization", err)
	}

	receipt, err := client.WaitForConfirmation(ctx, txHash)
	if err != nil {
		return nil, fail("await confirmation", err)
	}

	var blockNumber *uint64
	if receipt != nil && receipt.BlockNumber != nil {
		n := receipt.BlockNumber.Uint64()
		blockNumber = &n
	}

	return &x402types.SettlementResult{
		TxHash:      txHash.Hex(),
		ChainID:     network.ID,
		BlockNumber: blockNumber,
		Payer:       strings.ToLower(env.EVM.Authorization.From),
	}, nil
}
