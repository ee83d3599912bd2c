// Package x402types holds the wire and domain types shared by every
// component of the payment pipeline: network/route descriptors, the
// client payment envelope, and the records persisted by the replay,
// idempotency, and credit stores.
package x402types

import (
	"fmt"
	"strings"
)

// VM identifies the virtual machine family of a network.
type VM string

const (
	VMEVM VM = "evm"
	VMSVM VM = "svm"
)

// TokenDescriptor describes the stablecoin contract/mint accepted on a network.
type TokenDescriptor struct {
	Address  string
	Name     string // EIP-712 domain name (EVM only)
	Version  string // EIP-712 domain version (EVM only)
	Decimals int
}

// FacilitatorDescriptor points a network at an external facilitator service
// instead of local settlement.
type FacilitatorDescriptor struct {
	URL                     string
	APIKeyRef               string
	ExternalNetworkName     string
	ExternalRecipient       string
	ExternalProtocolVersion int
}

// NetworkDescriptor is one row of the network registry. Immutable for the
// lifetime of the process.
type NetworkDescriptor struct {
	ID           string // CAIP-2 id, e.g. "eip155:8453" or "solana:<genesis>"
	VM           VM
	ChainNumeric int64 // EVM chain id; 0 for SVM
	RPCURLRef    string
	Token        TokenDescriptor
	Facilitator  *FacilitatorDescriptor
}

// UsesExternalFacilitator reports whether the descriptor designates a
// facilitator for verification/settlement instead of local signing.
func (d NetworkDescriptor) UsesExternalFacilitator() bool {
	return d.Facilitator != nil
}

// IsSVM reports whether the descriptor is a Solana-family network.
func (d NetworkDescriptor) IsSVM() bool {
	return d.VM == VMSVM
}

// CreditPolicy governs when a failed backend response earns the payer a
// credit redeemable without on-chain settlement.
type CreditPolicy struct {
	CreditOnStatusCodes map[int]bool
	MaxCreditsPerPayer  int64
	CreditTTLSeconds    int64
}

// DefaultCreditPolicy matches the defaults named in the route descriptor's
// schema: retryable backend failures earn a credit, capped at 10 per payer
// for a day.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		CreditOnStatusCodes: map[int]bool{500: true, 502: true, 503: true, 504: true},
		MaxCreditsPerPayer:  10,
		CreditTTLSeconds:    86400,
	}
}

// RouteDescriptor is one protected backend route. Immutable after load.
type RouteDescriptor struct {
	RouteKey         string
	BackendBaseURL   string
	BackendKeyRef    string
	BackendKeyHeader string
	PriceAtomic      int64 // 6-decimal atomic units
	DisplayPrice     string
	PayToEVM         string
	PayToSVM         string
	Description      string
	MimeType         string
	CreditPolicy     CreditPolicy
}

// EVMAuthorization mirrors the EIP-3009 TransferWithAuthorization fields
// carried in an EVM payment payload.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"` // decimal string
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"` // bytes32 hex
}

// EVMPayload is the scheme-specific payload for an EVM "exact" payment.
type EVMPayload struct {
	Authorization EVMAuthorization `json:"authorization"`
	Signature     string           `json:"signature"` // 65-byte hex
}

// SVMPayload is the scheme-specific payload for an SVM "exact" payment.
type SVMPayload struct {
	Transaction string `json:"transaction"` // base64 partially-signed transaction
}

// PaymentIdentifierExtension is the optional idempotency-key extension.
type PaymentIdentifierExtension struct {
	PaymentID string `json:"paymentId"`
}

// Extensions carries the optional extension block of a payment envelope.
type Extensions struct {
	PaymentIdentifier *PaymentIdentifierExtension `json:"payment-identifier,omitempty"`
}

// PaymentEnvelope is the decoded form of the client-supplied base64 JSON
// payment header. Exactly one of EVM/SVM is populated, chosen by the shape
// of the payload (an "authorization" object or a "transaction" blob), not
// by Network.
type PaymentEnvelope struct {
	X402Version int
	Scheme      string
	Network     string
	EVM         *EVMPayload
	SVM         *SVMPayload
	Extensions  Extensions
}

// PaymentID returns the client-chosen idempotency key, or "" if absent.
func (e *PaymentEnvelope) PaymentID() string {
	if e.Extensions.PaymentIdentifier == nil {
		return ""
	}
	return e.Extensions.PaymentIdentifier.PaymentID
}

// ValidatePaymentID checks the payment-identifier extension's syntax:
// 16..128 chars drawn from [A-Za-z0-9_-].
func ValidatePaymentID(id string) error {
	if len(id) < 16 || len(id) > 128 {
		return fmt.Errorf("payment-identifier must be 16..128 chars, got %d", len(id))
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			continue
		default:
			return fmt.Errorf("payment-identifier contains invalid character %q", r)
		}
	}
	return nil
}

// NonceStatus is the lifecycle state of a nonce record.
type NonceStatus string

const (
	NonceStatusPending   NonceStatus = "pending"
	NonceStatusConfirmed NonceStatus = "confirmed"
)

// SettlementResult is the outcome of a successful settlement, regardless of
// which variant (local-EVM / external-facilitator / SVM) produced it.
type SettlementResult struct {
	TxHash      string  `json:"txHash"`
	ChainID     string  `json:"chainId"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Facilitator string  `json:"facilitator,omitempty"`
	Payer       string  `json:"payer,omitempty"`
}

// NonceRecord is the value stored under a nonce key.
type NonceRecord struct {
	Status     NonceStatus       `json:"status"`
	Timestamp  int64             `json:"timestamp"`
	Network    string            `json:"network"`
	Payer      string            `json:"payer"`
	Route      string            `json:"route"`
	VM         VM                `json:"vm"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}

// IdempotencyRecord is the value stored under an idempotency key.
type IdempotencyRecord struct {
	Timestamp               int64             `json:"timestamp"`
	Route                   string            `json:"route"`
	CachedReceiptHeader     string            `json:"cachedReceiptHeader"`
	CachedSettlementSummary *SettlementResult `json:"cachedSettlementSummary,omitempty"`
}

// NonceKeyEVM is the store key for an EVM authorization's nonce.
func NonceKeyEVM(nonceHex string) string {
	return strings.ToLower(nonceHex)
}

// NonceKeySVM derives the replay key for an SVM payload from the sha256 of
// the transaction blob, per §3 ("svm:" + sha256(transactionBlob)).
func NonceKeySVM(sha256Hex string) string {
	return "svm:" + sha256Hex
}
