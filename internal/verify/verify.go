// Package verify implements the three payment-verification variants
// dispatched on (vm, facilitator) per §4.3: local-EVM (EIP-712 + balance
// check), external-facilitator EVM (HTTP), and SVM (facilitator library).
package verify

import (
	"context"
	"fmt"

	"x402gateway/internal/x402types"
)

// Result is the outcome of a successful verification: the recovered payer
// identity, which is the only source of truth credit operations may use
// (I5) — never an unauthenticated header.
type Result struct {
	Payer string
}

// Reason is a machine-readable rejection reason, surfaced in the 402 body.
type Reason string

const (
	ReasonUnknownNetwork      Reason = "unknown_network"
	ReasonUnsupportedScheme   Reason = "unsupported_scheme"
	ReasonAmountMismatch      Reason = "amount_mismatch"
	ReasonRecipientMismatch   Reason = "recipient_mismatch"
	ReasonWindowInvalid       Reason = "window_invalid"
	ReasonNonceInFlight       Reason = "nonce_in_flight"
	ReasonNonceConfirmed      Reason = "nonce_already_confirmed"
	ReasonSignatureInvalid    Reason = "signature_invalid"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonFacilitatorRejected Reason = "facilitator_rejected"
	ReasonSVMRejected         Reason = "svm_rejected"
)

// VerifyError carries a rejection reason through the pipeline.
type VerifyError struct {
	Reason  Reason
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify: %s: %s", e.Reason, e.Message)
}

func reject(reason Reason, format string, args ...any) error {
	return &VerifyError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Verifier is implemented by each of the three variants.
type Verifier interface {
	Verify(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*Result, error)
}
