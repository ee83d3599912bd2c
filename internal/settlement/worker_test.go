package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402gateway/internal/kv"
	"x402gateway/internal/paystore"
	"x402gateway/internal/registry"
	"x402gateway/internal/settle"
	"x402gateway/internal/x402types"
)

func TestCalculateBackoff(t *testing.T) {
	w := &Worker{}

	testCases := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{10, 5 * time.Minute},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, w.calculateBackoff(tc.attempts))
	}
}

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()
	assert.Equal(t, 30*time.Second, cfg.RetryInterval)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
}

type fakeSettler struct {
	result *x402types.SettlementResult
	err    error
	calls  int
}

func (f *fakeSettler) Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error) {
	f.calls++
	return f.result, f.err
}

const testNetworkID = "eip155:84532"

func testRoute() x402types.RouteDescriptor {
	return x402types.RouteDescriptor{
		RouteKey:     "route-a",
		PriceAtomic:  10000,
		DisplayPrice: "$0.01",
		PayToEVM:     "0x00000000000000000000000000000000000fee",
		Description:  "test route",
		MimeType:     "application/json",
	}
}

func encodeHeader(t *testing.T, nonce string) string {
	t.Helper()
	payload := map[string]any{
		"authorization": map[string]any{
			"from":        "0xpayer000000000000000000000000000000000",
			"to":          "0x00000000000000000000000000000000000fee",
			"value":       "10000",
			"validAfter":  time.Now().Unix() - 10,
			"validBefore": time.Now().Unix() + 3600,
			"nonce":       nonce,
		},
		"signature": "0xsig",
	}
	env := map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     testNetworkID,
		"payload":     payload,
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestWorker(t *testing.T, settler *fakeSettler) (*Worker, *paystore.PendingSettlementStore, kv.Store) {
	t.Helper()
	reg, err := registry.New(registry.Config{RPCURLs: map[string]string{"base-sepolia": "https://sepolia.example"}})
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	nonces := paystore.NewNonceStore(store)
	pending := paystore.NewPendingSettlementStore(store)

	w := NewWorker(
		reg,
		map[string]x402types.RouteDescriptor{"route-a": testRoute()},
		map[registry.ProviderKind]settle.Settler{registry.ProviderLocalEVM: settler},
		nonces,
		pending,
		&WorkerConfig{RetryInterval: time.Hour, MaxRetryAttempts: 3},
		nil,
	)
	return w, pending, store
}

func TestRetryPendingSettlements_SuccessRemovesRecord(t *testing.T) {
	settler := &fakeSettler{result: &x402types.SettlementResult{TxHash: "0xdone", ChainID: testNetworkID}}
	w, pending, _ := newTestWorker(t, settler)

	nonceKey := x402types.NonceKeyEVM("0xnonce-retry-1")
	header := encodeHeader(t, "0xnonce-retry-1")
	require.NoError(t, pending.Save(context.Background(), nonceKey, paystore.PendingSettlementRecord{
		RouteKey:      "route-a",
		Payer:         "0xpayer000000000000000000000000000000000",
		PaymentHeader: header,
		NextRetryAt:   time.Now().Unix(),
	}))

	w.retryPendingSettlements(context.Background())

	assert.Equal(t, 1, settler.calls)
	remaining, err := pending.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRetryPendingSettlements_FailureReschedulesWithBackoff(t *testing.T) {
	settler := &fakeSettler{err: assertError("still broken")}
	w, pending, _ := newTestWorker(t, settler)

	nonceKey := x402types.NonceKeyEVM("0xnonce-retry-2")
	header := encodeHeader(t, "0xnonce-retry-2")
	require.NoError(t, pending.Save(context.Background(), nonceKey, paystore.PendingSettlementRecord{
		RouteKey:      "route-a",
		PaymentHeader: header,
		NextRetryAt:   time.Now().Unix(),
	}))

	w.retryPendingSettlements(context.Background())

	remaining, err := pending.List(context.Background())
	require.NoError(t, err)
	require.Contains(t, remaining, nonceKey)
	assert.Equal(t, 1, remaining[nonceKey].Attempts)
	assert.Greater(t, remaining[nonceKey].NextRetryAt, time.Now().Unix())
}

func TestRetryPendingSettlements_AbandonsAfterMaxAttempts(t *testing.T) {
	settler := &fakeSettler{err: assertError("still broken")}
	w, pending, _ := newTestWorker(t, settler)

	nonceKey := x402types.NonceKeyEVM("0xnonce-retry-3")
	header := encodeHeader(t, "0xnonce-retry-3")
	require.NoError(t, pending.Save(context.Background(), nonceKey, paystore.PendingSettlementRecord{
		RouteKey:      "route-a",
		PaymentHeader: header,
		Attempts:      3,
		NextRetryAt:   time.Now().Unix(),
	}))

	w.retryPendingSettlements(context.Background())

	assert.Equal(t, 0, settler.calls, "max attempts already reached, should not retry")
	remaining, err := pending.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRetryPendingSettlements_SkipsBeforeNextRetryAt(t *testing.T) {
	settler := &fakeSettler{result: &x402types.SettlementResult{TxHash: "0xdone", ChainID: testNetworkID}}
	w, pending, _ := newTestWorker(t, settler)

	nonceKey := x402types.NonceKeyEVM("0xnonce-retry-4")
	header := encodeHeader(t, "0xnonce-retry-4")
	require.NoError(t, pending.Save(context.Background(), nonceKey, paystore.PendingSettlementRecord{
		RouteKey:      "route-a",
		PaymentHeader: header,
		NextRetryAt:   time.Now().Add(time.Hour).Unix(),
	}))

	w.retryPendingSettlements(context.Background())

	assert.Equal(t, 0, settler.calls)
}

type assertErrorString string

func (e assertErrorString) Error() string { return string(e) }

func assertError(msg string) error { return assertErrorString(msg) }
