package verify

import (
	"context"
	"strings"
	"time"

	"x402gateway/internal/chain/evm"
	"x402gateway/internal/paystore"
	"x402gateway/internal/registry"
	"x402gateway/internal/x402types"
)

// LocalEVMConfig tunes the fail-open/fail-closed behavior of the local-EVM
// verifier's balance check, per §4.3.
type LocalEVMConfig struct {
	// FailOpenOnBalanceReadError allows verification to proceed when the
	// RPC balance read itself errors (as opposed to returning an
	// insufficient balance) — an RPC outage should not take the whole
	// gateway down for a check that settlement will enforce anyway.
	FailOpenOnBalanceReadError bool
}

// LocalEVMVerifier verifies EIP-3009 TransferWithAuthorization payloads
// directly: EIP-712 signature recovery plus an on-chain balance check,
// with no external facilitator in the loop.
type LocalEVMVerifier struct {
	registry *registry.Registry
	clients  *evm.ClientRegistry
	nonces   *paystore.NonceStore
	cfg      LocalEVMConfig
}

// NewLocalEVMVerifier builds a verifier bound to the shared network
// registry, EVM client registry, and nonce store.
func NewLocalEVMVerifier(reg *registry.Registry, clients *evm.ClientRegistry, nonces *paystore.NonceStore, cfg LocalEVMConfig) *LocalEVMVerifier {
	return &LocalEVMVerifier{registry: reg, clients: clients, nonces: nonces, cfg: cfg}
}

func (v *LocalEVMVerifier) Verify(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*Result, error) {
	if env.Scheme != "exact" {
		return nil, reject(ReasonUnsupportedScheme, "scheme %q not supported", env.Scheme)
	}
	if env.EVM == nil {
		return nil, reject(ReasonUnsupportedScheme, "network %s expects an EVM payload", network.ID)
	}
	auth := env.EVM.Authorization

	required, err := registry.ScaledAmount(route.PriceAtomic, network.Token.Decimals)
	if err != nil {
		return nil, reject(ReasonAmountMismatch, "scale route price: %v", err)
	}
	paid, ok := parseBigInt(auth.Value)
	if !ok {
		return nil, reject(ReasonAmountMismatch, "authorization value %q is not a valid integer", auth.Value)
	}
	if paid.Cmp(required) < 0 {
		return nil, reject(ReasonAmountMismatch, "paid %s, required %s", paid.String(), required.String())
	}

	if !registry.EqualAddress(auth.To, route.PayToEVM) {
		return nil, reject(ReasonRecipientMismatch, "authorization recipient %s does not match route payTo %s", auth.To, route.PayToEVM)
	}

	now := time.Now().Unix()
	if now < auth.ValidAfter || now >= auth.ValidBefore {
		return nil, reject(ReasonWindowInvalid, "now=%d outside [%d,%d)", now, auth.ValidAfter, auth.ValidBefore)
	}

	nonceKey := x402types.NonceKeyEVM(auth.Nonce)
	existing, err := v.nonces.Lookup(ctx, nonceKey)
	if err != nil {
		return nil, reject(ReasonNonceInFlight, "nonce lookup error: %v", err)
	}
	if existing != nil {
		if existing.Status == x402types.NonceStatusConfirmed {
			return nil, reject(ReasonNonceConfirmed, "nonce %s already settled", auth.Nonce)
		}
		return nil, reject(ReasonNonceInFlight, "nonce %s reservation in flight", auth.Nonce)
	}

	signer, err := recoverEVMSigner(network.Token, network.ChainNumeric, auth, env.EVM.Signature)
	if err != nil {
		return nil, reject(ReasonSignatureInvalid, "recover signer: %v", err)
	}
	if !strings.EqualFold(signer, auth.From) {
		return nil, reject(ReasonSignatureInvalid, "recovered signer %s does not match authorization.from %s", signer, auth.From)
	}

	client, err := v.clients.Get(ctx, v.registry.RPCURL(network), network.ChainNumeric)
	if err != nil {
		if !v.cfg.FailOpenOnBalanceReadError {
			return nil, reject(ReasonInsufficientBalance, "dial EVM client: %v", err)
		}
	} else {
		balance, err := client.BalanceOf(ctx, network.Token.Address, auth.From)
		switch {
		case err != nil && !v.cfg.FailOpenOnBalanceReadError:
			return nil, reject(ReasonInsufficientBalance, "balance read failed: %v", err)
		case err == nil && balance.Cmp(required) < 0:
			return nil, reject(ReasonInsufficientBalance, "payer balance %s below required %s", balance.String(), required.String())
		}
	}

	return &Result{Payer: strings.ToLower(auth.From)}, nil
}
