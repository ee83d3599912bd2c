// Package paystore layers the replay-protection, idempotency, and credit
// policies (§4.5) over the bare key-value contract in internal/kv. Nothing
// outside this package talks to kv directly for these concerns.
package paystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"x402gateway/internal/kv"
	"x402gateway/internal/x402types"
)

const (
	nonceKeyPrefix       = "x402:nonce:"
	idempotencyKeyPrefix = "x402:idempotency:"
	creditKeyPrefix      = "x402:credit:"

	nonceReserveTTL   = 3600 * time.Second
	nonceConfirmedTTL = 604800 * time.Second
	idempotencyTTL    = 3600 * time.Second
)

// NonceStore implements the nonce lifecycle: reserve (conditional-set),
// confirm (unconditional overwrite with a longer TTL), and release
// (delete, used only on settlement failure so a retry remains possible).
type NonceStore struct {
	store kv.Store
}

func NewNonceStore(store kv.Store) *NonceStore {
	return &NonceStore{store: store}
}

// Reserve performs a conditional set-if-absent with TTL 3600s, returning
// true iff the caller acquired exclusivity over nonceKey. A store-level
// transport failure here is reported as an error: reservation is the one
// write path that fails *closed* (§4.5).
func (s *NonceStore) Reserve(ctx context.Context, nonceKey string, rec x402types.NonceRecord) (bool, error) {
	rec.Status = x402types.NonceStatusPending
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("paystore: marshal nonce record: %w", err)
	}
	ok, err := s.store.SetNX(ctx, nonceKeyPrefix+nonceKey, string(raw), nonceReserveTTL)
	if err != nil {
		return false, fmt.Errorf("paystore: reserve nonce: %w", err)
	}
	return ok, nil
}

// Confirm unconditionally rewrites the record as confirmed with a 7-day
// TTL. A failure here is logged by the caller but is not fatal — on-chain
// state is canonical (§4.5).
func (s *NonceStore) Confirm(ctx context.Context, nonceKey string, rec x402types.NonceRecord) error {
	rec.Status = x402types.NonceStatusConfirmed
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("paystore: marshal nonce record: %w", err)
	}
	if err := s.store.Set(ctx, nonceKeyPrefix+nonceKey, string(raw), nonceConfirmedTTL); err != nil {
		return fmt.Errorf("paystore: confirm nonce: %w", err)
	}
	return nil
}

// Release deletes the pending record so the nonce can be retried after a
// settlement failure.
func (s *NonceStore) Release(ctx context.Context, nonceKey string) error {
	if err := s.store.Delete(ctx, nonceKeyPrefix+nonceKey); err != nil {
		return fmt.Errorf("paystore: release nonce: %w", err)
	}
	return nil
}

// Lookup is read-only. Per §4.5, store reads fail *open*: a transport
// error is treated as "absent" (nil, nil) rather than surfaced, since
// on-chain settlement will itself catch a duplicate.
func (s *NonceStore) Lookup(ctx context.Context, nonceKey string) (*x402types.NonceRecord, error) {
	raw, found, err := s.store.Get(ctx, nonceKeyPrefix+nonceKey)
	if err != nil {
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	var rec x402types.NonceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// IdempotencyStore caches the response of a completed settlement so a
// retried request with the same paymentId can be served without
// re-settling (§4.5, P3).
type IdempotencyStore struct {
	store kv.Store
}

func NewIdempotencyStore(store kv.Store) *IdempotencyStore {
	return &IdempotencyStore{store: store}
}

// GetCached returns the prior receipt, or (nil, false) if absent or on any
// store error — idempotency lookups are a cheap optimization, never a
// correctness requirement, so they fail open just like nonce reads.
func (s *IdempotencyStore) GetCached(ctx context.Context, paymentID string) (*x402types.IdempotencyRecord, bool) {
	raw, found, err := s.store.Get(ctx, idempotencyKeyPrefix+paymentID)
	if err != nil || !found {
		return nil, false
	}
	var rec x402types.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Cache writes the receipt with TTL 3600s. Callers must only invoke this
// after a successful on-chain settlement (I2).
func (s *IdempotencyStore) Cache(ctx context.Context, paymentID string, rec x402types.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("paystore: marshal idempotency record: %w", err)
	}
	if err := s.store.Set(ctx, idempotencyKeyPrefix+paymentID, string(raw), idempotencyTTL); err != nil {
		return fmt.Errorf("paystore: cache idempotency record: %w", err)
	}
	return nil
}

// CreditStore implements the per-(payer, route) credit counter's two
// server-side-atomic operations (§4.5).
type CreditStore struct {
	store kv.Store
}

func NewCreditStore(store kv.Store) *CreditStore {
	return &CreditStore{store: store}
}

func creditKey(payer, routeKey string) string {
	return creditKeyPrefix + strings.ToLower(payer) + ":" + routeKey
}

// DecrementIfPositive attempts to consume one credit for (payer, route).
func (s *CreditStore) DecrementIfPositive(ctx context.Context, payer, routeKey string) (consumed bool, err error) {
	consumed, err = s.store.DecrementIfPositive(ctx, creditKey(payer, routeKey))
	if err != nil {
		return false, fmt.Errorf("paystore: decrement credit: %w", err)
	}
	return consumed, nil
}

// IncrementCapped issues one credit for (payer, route), capped at
// maxCreditsPerPayer, unconditionally refreshing the TTL.
func (s *CreditStore) IncrementCapped(ctx context.Context, payer, routeKey string, cap int64, ttl time.Duration) (newCount int64, err error) {
	newCount, err = s.store.IncrementCapped(ctx, creditKey(payer, routeKey), cap, ttl)
	if err != nil {
		return 0, fmt.Errorf("paystore: increment credit: %w", err)
	}
	return newCount, nil
}
