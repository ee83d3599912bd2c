package x402types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// wireEnvelope is the JSON shape of the base64-decoded client payment
// header: {x402Version, scheme, network, payload, extensions}.
type wireEnvelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
	Extensions  *Extensions     `json:"extensions,omitempty"`
}

// wireEVMPayload and wireSVMPayload distinguish the two payload shapes by
// which fields are present: "authorization" for EVM, "transaction" for SVM.
type wireEVMPayload struct {
	Authorization *EVMAuthorization `json:"authorization"`
	Signature     string            `json:"signature"`
}

type wireSVMPayload struct {
	Transaction string `json:"transaction"`
}

// DecodePaymentHeader decodes the base64-encoded JSON payment envelope
// carried in the Payment-Signature / X-Payment header.
func DecodePaymentHeader(headerValue string) (*PaymentEnvelope, error) {
	raw, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return nil, fmt.Errorf("x402types: invalid base64 payment header: %w", err)
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("x402types: invalid payment envelope JSON: %w", err)
	}

	env := &PaymentEnvelope{
		X402Version: w.X402Version,
		Scheme:      w.Scheme,
		Network:     w.Network,
	}
	if w.Extensions != nil {
		env.Extensions = *w.Extensions
	}

	var evmProbe wireEVMPayload
	if err := json.Unmarshal(w.Payload, &evmProbe); err == nil && evmProbe.Authorization != nil {
		env.EVM = &EVMPayload{
			Authorization: *evmProbe.Authorization,
			Signature:     evmProbe.Signature,
		}
		return env, nil
	}

	var svmProbe wireSVMPayload
	if err := json.Unmarshal(w.Payload, &svmProbe); err == nil && svmProbe.Transaction != "" {
		env.SVM = &SVMPayload{Transaction: svmProbe.Transaction}
		return env, nil
	}

	return nil, fmt.Errorf("x402types: payload matches neither EVM nor SVM shape")
}

// EncodeChallengeHeader base64-encodes (standard alphabet) an arbitrary JSON
// body for use as the PAYMENT-REQUIRED / PAYMENT-RESPONSE header value.
func EncodeChallengeHeader(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("x402types: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
