// Package settle implements the three settlement variants dispatched on
// (vm, facilitator), analogous to internal/verify's three verifiers
// (§4.4): local-EVM (submit transferWithAuthorization, await confirmation),
// external-facilitator EVM (POST to facilitator /settle), and SVM (via the
// gateway's own SVM facilitator).
package settle

import (
	"context"
	"fmt"

	"x402gateway/internal/x402types"
)

// Settler is implemented by each of the three variants.
type Settler interface {
	Settle(ctx context.Context, network x402types.NetworkDescriptor, route x402types.RouteDescriptor, env *x402types.PaymentEnvelope) (*x402types.SettlementResult, error)
}

// Error wraps a settlement failure with enough context for the pipeline
// to decide whether the reserved nonce should be released (§4.6).
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settle: %s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func fail(message string, cause error) error {
	return &Error{Message: message, Cause: cause}
}
