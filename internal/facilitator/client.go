// Package facilitator implements the HTTP client for delegating
// verification and settlement to an external x402 facilitator service,
// per §4.3/§4.4's external-facilitator variants and §6's external
// interface contract (POST {url}/verify, POST {url}/settle).
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single facilitator HTTP call.
const DefaultTimeout = 10 * time.Second

// VerifyRequest is the body POSTed to {url}/verify.
type VerifyRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's verdict.
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	Payer         string  `json:"payer"`
	InvalidReason *string `json:"invalidReason,omitempty"`
}

// SettleRequest is the body POSTed to {url}/settle.
type SettleRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements"`
}

// SettleResponse is the facilitator's settlement outcome.
type SettleResponse struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	NetworkID   string  `json:"networkId"`
	Payer       string  `json:"payer"`
	ErrorReason *string `json:"errorReason,omitempty"`
}

// Client talks to one external facilitator endpoint, authenticating with a
// bearer API key when one is configured for it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a facilitator client bound to baseURL, optionally
// authenticating every request with apiKey.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Verify delegates payment verification to the facilitator.
func (c *Client) Verify(ctx context.Context, paymentPayload, paymentRequirements json.RawMessage) (*VerifyResponse, error) {
	reqBody := VerifyRequest{X402Version: 1, PaymentPayload: paymentPayload, PaymentRequirements: paymentRequirements}
	var resp VerifyResponse
	if err := c.doRequest(ctx, "/verify", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("facilitator: verify: %w", err)
	}
	return &resp, nil
}

// Settle delegates payment settlement to the facilitator. Callers must
// only invoke this after a successful Verify (§4.4).
func (c *Client) Settle(ctx context.Context, paymentPayload, paymentRequirements json.RawMessage) (*SettleResponse, error) {
	reqBody := SettleRequest{X402Version: 1, PaymentPayload: paymentPayload, PaymentRequirements: paymentRequirements}
	var resp SettleResponse
	if err := c.doRequest(ctx, "/settle", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("facilitator: settle: %w", err)
	}
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, path string, body, result any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
