package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402gateway/internal/config"
	"x402gateway/internal/kv"
	"x402gateway/internal/paystore"
	"x402gateway/internal/pipeline"
	"x402gateway/internal/registry"
	"x402gateway/internal/settle"
	"x402gateway/internal/verify"
	"x402gateway/internal/x402challenge"
	"x402gateway/internal/x402types"
)

type stubVerifier struct {
	result *verify.Result
	err    error
}

func (s *stubVerifier) Verify(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*verify.Result, error) {
	return s.result, s.err
}

type stubSettler struct {
	result *x402types.SettlementResult
	err    error
}

func (s *stubSettler) Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error) {
	return s.result, s.err
}

func newTestServer(t *testing.T, backendURL string) *Server {
	t.Helper()
	reg, err := registry.New(registry.Config{RPCURLs: map[string]string{"base": "https://base.example"}})
	require.NoError(t, err)
	store := kv.NewMemoryStore()

	orch := pipeline.New(pipeline.Config{
		Registry:    reg,
		Challenges:  x402challenge.NewBuilder(reg, nil),
		Verifiers:   map[registry.ProviderKind]verify.Verifier{registry.ProviderLocalEVM: &stubVerifier{result: &verify.Result{Payer: "0xpayer"}}},
		Settlers:    map[registry.ProviderKind]settle.Settler{registry.ProviderLocalEVM: &stubSettler{result: &x402types.SettlementResult{TxHash: "0xsettled", ChainID: "eip155:8453"}}},
		Nonces:      paystore.NewNonceStore(store),
		Idempotency: paystore.NewIdempotencyStore(store),
		Credits:     paystore.NewCreditStore(store),
	})

	cfg := &config.Config{
		Environment: config.EnvTest,
		Server:      config.ServerConfig{Port: "0"},
		Routes: []x402types.RouteDescriptor{{
			RouteKey:       "/v1/route-a",
			BackendBaseURL: backendURL,
			PriceAtomic:    10000,
			DisplayPrice:   "$0.01",
			PayToEVM:       "0x00000000000000000000000000000000000fee",
			Description:    "test route",
			MimeType:       "application/json",
		}},
	}

	return New(cfg, orch, nil)
}

func TestRouteHandler_NoPaymentHeader_Returns402WithChallenge(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/v1/route-a/resource", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("PAYMENT-REQUIRED"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Payment required", body["error"])
}

func TestRouteHandler_MalformedHeader_Returns400(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/v1/route-a/resource", nil)
	req.Header.Set("X-Payment", "not-valid-base64!!")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouteHandler_ValidPayment_ProxiesToBackendAndEmitsReceipt(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL)

	header := encodeEnvelope(t, "0xnonce-http-1")
	req := httptest.NewRequest(http.MethodGet, "/v1/route-a/resource", nil)
	req.Header.Set("X-Payment", header)

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("PAYMENT-RESPONSE"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}

func TestRouteHandler_UnconfiguredPath_Returns404(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/not-a-route", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func encodeEnvelope(t *testing.T, nonce string) string {
	t.Helper()
	payload := map[string]any{
		"authorization": map[string]any{
			"from":        "0xpayer",
			"to":          "0x00000000000000000000000000000000000fee",
			"value":       "10000",
			"validAfter":  0,
			"validBefore": 9999999999,
			"nonce":       nonce,
		},
		"signature": "0xsig",
	}
	env := map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "eip155:8453",
		"payload":     payload,
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}
