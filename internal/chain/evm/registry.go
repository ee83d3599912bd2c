package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ClientRegistry memoizes one Client per RPC URL, per §5 ("per-chain read
// clients... memoized under a read-compare-write discipline; creating a
// duplicate instance on race is acceptable"). Construction additionally
// goes through a singleflight group so concurrent first callers for the
// same network share one dial instead of racing N dials.
type ClientRegistry struct {
	settlement *ecdsa.PrivateKey

	mu      sync.RWMutex
	clients map[string]*Client

	group singleflight.Group
}

// NewClientRegistry builds an empty registry bound to the settlement key
// used to sign every local-EVM settlement transaction.
func NewClientRegistry(settlementKey *ecdsa.PrivateKey) *ClientRegistry {
	return &ClientRegistry{
		settlement: settlementKey,
		clients:    make(map[string]*Client),
	}
}

// Get returns the memoized Client for rpcURL/chainID, dialing it on first
// use. Failed initialization is not cached, so the next call retries.
func (r *ClientRegistry) Get(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	r.mu.RLock()
	if c, ok := r.clients[rpcURL]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(rpcURL, func() (interface{}, error) {
		r.mu.RLock()
		if c, ok := r.clients[rpcURL]; ok {
			r.mu.RUnlock()
			return c, nil
		}
		r.mu.RUnlock()

		eth, err := Dial(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("evm: registry dial %s: %w", rpcURL, err)
		}
		client := NewClient(eth, chainID, r.settlement)

		r.mu.Lock()
		r.clients[rpcURL] = client
		r.mu.Unlock()

		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}
