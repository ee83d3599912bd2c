package svm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FacilitatorRegistry lazily constructs one Facilitator per RPC endpoint,
// mirroring evm.ClientRegistry's read-compare-write plus single-flight
// discipline (§5, §9: "the SVM facilitator singleton uses a single-flight
// initialization"). In practice the gateway only ever configures one
// Solana RPC endpoint per environment, so this is a singleton in the
// common case; keying by URL lets a single process serve both Solana
// mainnet and devnet with the same fee-payer key.
type FacilitatorRegistry struct {
	feePayerBase58 string

	mu           sync.RWMutex
	facilitators map[string]*Facilitator

	group singleflight.Group
}

// NewFacilitatorRegistry builds an empty registry bound to the gateway's
// SVM fee-payer key.
func NewFacilitatorRegistry(feePayerBase58 string) *FacilitatorRegistry {
	return &FacilitatorRegistry{
		feePayerBase58: feePayerBase58,
		facilitators:   make(map[string]*Facilitator),
	}
}

// Get returns the memoized Facilitator for rpcURL, constructing it on
// first use. Failed initialization is not cached, so the next call retries.
func (r *FacilitatorRegistry) Get(ctx context.Context, rpcURL string) (*Facilitator, error) {
	r.mu.RLock()
	if f, ok := r.facilitators[rpcURL]; ok {
		r.mu.RUnlock()
		return f, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(rpcURL, func() (interface{}, error) {
		r.mu.RLock()
		if f, ok := r.facilitators[rpcURL]; ok {
			r.mu.RUnlock()
			return f, nil
		}
		r.mu.RUnlock()

		f, err := NewFacilitator(r.feePayerBase58, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("svm: registry build facilitator for %s: %w", rpcURL, err)
		}

		r.mu.Lock()
		r.facilitators[rpcURL] = f
		r.mu.Unlock()

		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Facilitator), nil
}
