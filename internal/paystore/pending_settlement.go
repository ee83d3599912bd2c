package paystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"x402gateway/internal/kv"
)

const (
	pendingSettlementKeyPrefix = "x402:pending-settlement:"
	pendingSettlementIndexKey  = "x402:pending-settlement:index"
	pendingSettlementTTL       = 7 * 24 * time.Hour
)

// PendingSettlementRecord is everything internal/settlement's background
// worker needs to retry a settlement that failed on the synchronous request
// path, without holding the original request alive.
type PendingSettlementRecord struct {
	RouteKey      string `json:"routeKey"`
	Payer         string `json:"payer"`
	PaymentHeader string `json:"paymentHeader"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError"`
	CreatedAt     int64  `json:"createdAt"`
	NextRetryAt   int64  `json:"nextRetryAt"`
}

// PendingSettlementStore tracks settlements awaiting background retry
// (SPEC_FULL.md supplemented feature: settlement retry worker). The
// underlying kv.Store has no scan operation, so membership is tracked in a
// small JSON index alongside each record; index updates are best-effort and
// not linearized against each other, which is acceptable because the
// source of truth for whether a payment actually settled remains the nonce
// record and on-chain state, not this index.
type PendingSettlementStore struct {
	store kv.Store
}

func NewPendingSettlementStore(store kv.Store) *PendingSettlementStore {
	return &PendingSettlementStore{store: store}
}

// Save records (or overwrites) the pending settlement for nonceKey and adds
// it to the index if not already present.
func (s *PendingSettlementStore) Save(ctx context.Context, nonceKey string, rec PendingSettlementRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("paystore: marshal pending settlement: %w", err)
	}
	if err := s.store.Set(ctx, pendingSettlementKeyPrefix+nonceKey, string(raw), pendingSettlementTTL); err != nil {
		return fmt.Errorf("paystore: save pending settlement: %w", err)
	}
	return s.addToIndex(ctx, nonceKey)
}

// Remove deletes the record and drops it from the index, once it has
// settled (or exhausted its retries) and no longer needs background
// attention.
func (s *PendingSettlementStore) Remove(ctx context.Context, nonceKey string) error {
	if err := s.store.Delete(ctx, pendingSettlementKeyPrefix+nonceKey); err != nil {
		return fmt.Errorf("paystore: remove pending settlement: %w", err)
	}
	return s.removeFromIndex(ctx, nonceKey)
}

// List returns every currently-indexed pending settlement, keyed by nonce
// key. An index entry whose record already expired is silently skipped
// rather than treated as an error.
func (s *PendingSettlementStore) List(ctx context.Context) (map[string]PendingSettlementRecord, error) {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]PendingSettlementRecord, len(index))
	for _, nonceKey := range index {
		raw, found, err := s.store.Get(ctx, pendingSettlementKeyPrefix+nonceKey)
		if err != nil || !found {
			continue
		}
		var rec PendingSettlementRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out[nonceKey] = rec
	}
	return out, nil
}

func (s *PendingSettlementStore) loadIndex(ctx context.Context) ([]string, error) {
	raw, found, err := s.store.Get(ctx, pendingSettlementIndexKey)
	if err != nil {
		return nil, fmt.Errorf("paystore: load pending settlement index: %w", err)
	}
	if !found {
		return nil, nil
	}
	var index []string
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("paystore: decode pending settlement index: %w", err)
	}
	return index, nil
}

func (s *PendingSettlementStore) saveIndex(ctx context.Context, index []string) error {
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("paystore: marshal pending settlement index: %w", err)
	}
	if err := s.store.Set(ctx, pendingSettlementIndexKey, string(raw), pendingSettlementTTL); err != nil {
		return fmt.Errorf("paystore: save pending settlement index: %w", err)
	}
	return nil
}

func (s *PendingSettlementStore) addToIndex(ctx context.Context, nonceKey string) error {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing == nonceKey {
			return nil
		}
	}
	return s.saveIndex(ctx, append(index, nonceKey))
}

func (s *PendingSettlementStore) removeFromIndex(ctx context.Context, nonceKey string) error {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	filtered := make([]string, 0, len(index))
	for _, existing := range index {
		if existing != nonceKey {
			filtered = append(filtered, existing)
		}
	}
	return s.saveIndex(ctx, filtered)
}
