// Package registry holds the immutable table of supported networks and the
// amount-scaling arithmetic that converts a route's 6-decimal atomic price
// into the wire amount required by a network's token.
package registry

import (
	"fmt"
	"math/big"
	"strings"

	"x402gateway/internal/x402types"
)

// Config supplies the process-wide settings that gate which networks are
// "active" — RPC endpoints and, for SVM, the fee-payer key. Never read from
// the environment directly inside this package; config.Load builds this.
type Config struct {
	// RPCURLs maps a network's RPCURLRef to a configured endpoint. A network
	// missing an entry here is inactive.
	RPCURLs map[string]string
	// SVMFeePayerConfigured gates every SVM network at once: without a
	// fee-payer key the gateway cannot co-sign any Solana settlement.
	SVMFeePayerConfigured bool
	// FacilitatorAPIKeys maps a facilitator's APIKeyRef to its bearer token.
	FacilitatorAPIKeys map[string]string
}

// Registry is the immutable, string-keyed network table described in §9's
// "string-keyed dynamic networks" redesign note: a map plus a read-only
// lookup surface, never mutated after construction.
type Registry struct {
	all map[string]x402types.NetworkDescriptor
	cfg Config
}

// New builds a Registry from the built-in network table, validating that
// every descriptor's token has at least 6 decimals (§4.1: "d < 6 is
// rejected at config-load").
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		all: make(map[string]x402types.NetworkDescriptor, len(builtinNetworks)),
		cfg: cfg,
	}
	for _, d := range builtinNetworks {
		if d.Token.Decimals < 6 {
			return nil, fmt.Errorf("registry: network %s has %d token decimals, minimum is 6", d.ID, d.Token.Decimals)
		}
		r.all[d.ID] = d
	}
	return r, nil
}

// Lookup returns the descriptor for a chain identifier, or false if unknown.
func (r *Registry) Lookup(id string) (x402types.NetworkDescriptor, bool) {
	d, ok := r.all[id]
	return d, ok
}

// Active returns the subset of the table that is usable given the current
// configuration: an RPC endpoint must be configured for the network (local
// EVM networks) or a facilitator endpoint is present (facilitator routed
// networks don't need a direct RPC URL), and SVM networks additionally
// require a configured fee-payer key. This is a filtered view, not a
// mutating operation, recomputed on every call.
func (r *Registry) Active() map[string]x402types.NetworkDescriptor {
	active := make(map[string]x402types.NetworkDescriptor)
	for id, d := range r.all {
		if !r.isConfigured(d) {
			continue
		}
		active[id] = d
	}
	return active
}

func (r *Registry) isConfigured(d x402types.NetworkDescriptor) bool {
	if d.IsSVM() {
		if !r.cfg.SVMFeePayerConfigured {
			return false
		}
		if d.UsesExternalFacilitator() {
			return true
		}
		return r.cfg.RPCURLs[d.RPCURLRef] != ""
	}
	if d.UsesExternalFacilitator() {
		return true
	}
	return r.cfg.RPCURLs[d.RPCURLRef] != ""
}

// RPCURL returns the configured RPC endpoint for a network, or "" if unset.
func (r *Registry) RPCURL(d x402types.NetworkDescriptor) string {
	return r.cfg.RPCURLs[d.RPCURLRef]
}

// FacilitatorAPIKey returns the bearer token configured for a facilitator
// descriptor's APIKeyRef, or "" if unset.
func (r *Registry) FacilitatorAPIKey(f *x402types.FacilitatorDescriptor) string {
	if f == nil {
		return ""
	}
	return r.cfg.FacilitatorAPIKeys[f.APIKeyRef]
}

// ScaledAmount computes the atomic on-wire amount required for a route
// quoted in 6-decimal units against a token with d decimals:
// required = priceAtomic * 10^(d-6) for d >= 6 (§4.1). Callers must reject
// tokens with d < 6 at registry construction, which New already enforces.
func ScaledAmount(priceAtomic int64, decimals int) (*big.Int, error) {
	if decimals < 6 {
		return nil, fmt.Errorf("registry: token decimals %d below minimum 6", decimals)
	}
	result := big.NewInt(priceAtomic)
	if decimals == 6 {
		return result, nil
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-6)), nil)
	return result.Mul(result, scale), nil
}

// SelectProviderKind chooses which verifier/settler variant a request
// should use, per §4.1's selection precedence: SVM always uses the SVM
// path; otherwise a configured facilitator wins over local EVM.
type ProviderKind string

const (
	ProviderLocalEVM      ProviderKind = "local-evm"
	ProviderExternalEVM   ProviderKind = "external-evm"
	ProviderSVM           ProviderKind = "svm"
)

func SelectProviderKind(d x402types.NetworkDescriptor) ProviderKind {
	if d.IsSVM() {
		return ProviderSVM
	}
	if d.UsesExternalFacilitator() {
		return ProviderExternalEVM
	}
	return ProviderLocalEVM
}

// EqualAddress compares two EVM-style hex addresses case-insensitively,
// matching the source's case-insensitive recipient/signer checks.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
