// Package pipeline implements the request-scoped state machine that chains
// the challenge builder, verifier, settlement engine, and replay/credit
// stores into one paid-access decision per request (§4.6).
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"x402gateway/internal/paystore"
	"x402gateway/internal/registry"
	"x402gateway/internal/settle"
	"x402gateway/internal/verify"
	"x402gateway/internal/x402challenge"
	"x402gateway/internal/x402types"
)

// OutcomeKind names the terminal state the orchestrator reached (§4.6's
// state machine terminals).
type OutcomeKind string

const (
	OutcomeChallenge     OutcomeKind = "challenge"      // 402, no payment header submitted
	OutcomeMalformed     OutcomeKind = "malformed"       // 400, header present but undecodable
	OutcomeRejected      OutcomeKind = "rejected"        // 402, verification/reservation/settlement failed
	OutcomeCachedReceipt OutcomeKind = "cached_receipt"  // proceed, replay an idempotent receipt
	OutcomeCredit        OutcomeKind = "credit"          // proceed, a credit was consumed
	OutcomeSettled       OutcomeKind = "settled"         // proceed, settlement happened this request
)

// Outcome is everything the HTTP layer needs to produce a response and,
// later, decide whether to schedule credit issuance.
type Outcome struct {
	Kind               OutcomeKind
	ChallengeBody      *x402challenge.Body
	ChallengeHeader    string
	ReceiptHeader      string
	CreditHeaderValue  string
	RejectReason       string
	Payer              string
	Route              x402types.RouteDescriptor
	SettledThisRequest bool
}

// Orchestrator wires the pipeline's components together. One instance is
// shared by every request; it holds no per-request mutable state.
type Orchestrator struct {
	registry    *registry.Registry
	challenges  *x402challenge.Builder
	verifiers   map[registry.ProviderKind]verify.Verifier
	settlers    map[registry.ProviderKind]settle.Settler
	nonces      *paystore.NonceStore
	idempotency *paystore.IdempotencyStore
	credits     *paystore.CreditStore
	pending     *paystore.PendingSettlementStore
	creditsOn   bool
	logger      *slog.Logger
}

// Config groups an Orchestrator's collaborators.
type Config struct {
	Registry    *registry.Registry
	Challenges  *x402challenge.Builder
	Verifiers   map[registry.ProviderKind]verify.Verifier
	Settlers    map[registry.ProviderKind]settle.Settler
	Nonces      *paystore.NonceStore
	Idempotency *paystore.IdempotencyStore
	Credits     *paystore.CreditStore
	// Pending is optional: when set, a settlement failure on the
	// synchronous path is also persisted here so internal/settlement's
	// background worker can retry it. A nil Pending simply skips that
	// bookkeeping — the synchronous outcome is unaffected.
	Pending   *paystore.PendingSettlementStore
	CreditsOn bool
	Logger    *slog.Logger
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:    cfg.Registry,
		challenges:  cfg.Challenges,
		verifiers:   cfg.Verifiers,
		settlers:    cfg.Settlers,
		nonces:      cfg.Nonces,
		idempotency: cfg.Idempotency,
		credits:     cfg.Credits,
		pending:     cfg.Pending,
		creditsOn:   cfg.CreditsOn,
		logger:      logger,
	}
}

// Handle runs one request through the full pipeline (§4.6). paymentHeader
// is the raw value of the Payment-Signature/X-Payment header, or "" if
// absent.
func (o *Orchestrator) Handle(ctx context.Context, route x402types.RouteDescriptor, resource, paymentHeader string) (*Outcome, error) {
	if paymentHeader == "" {
		return o.challengeOutcome(ctx, route, resource, "", "missing payment header")
	}

	env, err := x402types.DecodePaymentHeader(paymentHeader)
	if err != nil {
		return &Outcome{Kind: OutcomeMalformed, RejectReason: err.Error()}, nil
	}

	network, ok := o.registry.Lookup(env.Network)
	if !ok {
		return o.challengeOutcome(ctx, route, resource, "unknown_network", fmt.Sprintf("unknown network %q", env.Network))
	}

	// Idempotency lookup happens before verification (§4.6 ordering rules)
	// but only for an envelope that decoded successfully and targets this
	// route's payment-identifier AND whose cached record was itself written
	// for this same route, per §9's recommended resolution of the source's
	// ambiguous cache-hit-on-invalid-resubmission behavior: an externally
	// chosen paymentId is not scoped to a route by construction, so without
	// this check a payer could replay a cheap route's paymentId against a
	// pricier route and receive its cached receipt unverified.
	if paymentID := env.PaymentID(); paymentID != "" {
		if rec, hit := o.idempotency.GetCached(ctx, paymentID); hit && rec.Route == route.RouteKey {
			return &Outcome{
				Kind:          OutcomeCachedReceipt,
				ReceiptHeader: rec.CachedReceiptHeader,
				Route:         route,
			}, nil
		}
	}

	kind := registry.SelectProviderKind(network)
	verifier, ok := o.verifiers[kind]
	if !ok {
		return o.challengeOutcome(ctx, route, resource, "", fmt.Sprintf("no verifier configured for %s", kind))
	}

	result, err := verifier.Verify(ctx, network, route, env)
	if err != nil {
		var ve *verify.VerifyError
		reason := "verification failed"
		if errors.As(err, &ve) {
			reason = string(ve.Reason)
		}
		return o.challengeOutcome(ctx, route, resource, reason, err.Error())
	}
	payer := result.Payer

	if o.creditsOn {
		consumed, err := o.credits.DecrementIfPositive(ctx, payer, route.RouteKey)
		if err != nil {
			o.logger.Warn("credit decrement failed, falling through to settlement", "error", err, "payer", payer, "route", route.RouteKey)
		} else if consumed {
			return &Outcome{
				Kind:              OutcomeCredit,
				CreditHeaderValue: "consumed",
				Payer:             payer,
				Route:             route,
			}, nil
		}
	}

	nonceKey, err := nonceKeyFor(network, env)
	if err != nil {
		return &Outcome{Kind: OutcomeMalformed, RejectReason: err.Error()}, nil
	}

	reserved, err := o.nonces.Reserve(ctx, nonceKey, x402types.NonceRecord{
		Timestamp: time.Now().Unix(),
		Network:   network.ID,
		Payer:     payer,
		Route:     route.RouteKey,
		VM:        network.VM,
	})
	if err != nil {
		return o.challengeOutcome(ctx, route, resource, "nonce_reservation_failed", "store rejected reservation, treat as already used")
	}
	if !reserved {
		return o.challengeOutcome(ctx, route, resource, "nonce_in_flight", "nonce already used or settlement in progress")
	}

	settler, ok := o.settlers[kind]
	if !ok {
		_ = o.nonces.Release(ctx, nonceKey)
		return o.challengeOutcome(ctx, route, resource, "", fmt.Sprintf("no settler configured for %s", kind))
	}

	settlement, err := settler.Settle(ctx, network, route, env)
	if err != nil {
		if releaseErr := o.nonces.Release(ctx, nonceKey); releaseErr != nil {
			o.logger.Error("failed to release nonce after settlement failure", "error", releaseErr, "nonceKey", nonceKey)
		}
		o.savePendingSettlement(ctx, nonceKey, route, payer, paymentHeader, err)
		return o.challengeOutcome(ctx, route, resource, "settlement_failed", err.Error())
	}

	if o.pending != nil {
		if removeErr := o.pending.Remove(ctx, nonceKey); removeErr != nil {
			o.logger.Warn("failed to clear pending settlement record", "error", removeErr, "nonceKey", nonceKey)
		}
	}

	if confirmErr := o.nonces.Confirm(ctx, nonceKey, x402types.NonceRecord{
		Timestamp:  time.Now().Unix(),
		Network:    network.ID,
		Payer:      payer,
		Route:      route.RouteKey,
		VM:         network.VM,
		Settlement: settlement,
	}); confirmErr != nil {
		o.logger.Error("failed to confirm nonce after settlement, on-chain state is canonical", "error", confirmErr, "nonceKey", nonceKey)
	}

	receiptHeader, err := x402types.EncodeChallengeHeader(receiptBody{
		Success:     true,
		TxHash:      settlement.TxHash,
		Network:     settlement.ChainID,
		BlockNumber: settlement.BlockNumber,
		Facilitator: settlement.Facilitator,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode receipt header: %w", err)
	}

	if paymentID := env.PaymentID(); paymentID != "" {
		if cacheErr := o.idempotency.Cache(ctx, paymentID, x402types.IdempotencyRecord{
			Timestamp:               time.Now().Unix(),
			Route:                   route.RouteKey,
			CachedReceiptHeader:     receiptHeader,
			CachedSettlementSummary: settlement,
		}); cacheErr != nil {
			o.logger.Warn("failed to cache idempotency record", "error", cacheErr, "paymentId", paymentID)
		}
	}

	return &Outcome{
		Kind:               OutcomeSettled,
		ReceiptHeader:       receiptHeader,
		Payer:               payer,
		Route:               route,
		SettledThisRequest: true,
	}, nil
}

// IssueCreditIfApplicable runs the credit-issuance side effect (§4.6
// ordering rules: scheduled only after the downstream response status is
// known, only when settlement happened this request, best-effort). Callers
// run this after writing the response, not on the response path.
func (o *Orchestrator) IssueCreditIfApplicable(ctx context.Context, outcome *Outcome, backendStatus int) {
	if !o.creditsOn || outcome == nil || !outcome.SettledThisRequest {
		return
	}
	policy := outcome.Route.CreditPolicy
	if !policy.CreditOnStatusCodes[backendStatus] {
		return
	}
	ttl := time.Duration(policy.CreditTTLSeconds) * time.Second
	if _, err := o.credits.IncrementCapped(ctx, outcome.Payer, outcome.Route.RouteKey, policy.MaxCreditsPerPayer, ttl); err != nil {
		o.logger.Error("credit issuance failed", "error", err, "payer", outcome.Payer, "route", outcome.Route.RouteKey)
	}
}

// savePendingSettlement persists a failed settlement for background retry
// (SPEC_FULL.md supplemented feature 1). Best-effort: a failure here only
// means the background worker won't see this one, not that the request
// fails — the client's own retry-with-new-authorization path (§7) is
// unaffected either way.
func (o *Orchestrator) savePendingSettlement(ctx context.Context, nonceKey string, route x402types.RouteDescriptor, payer, paymentHeader string, settleErr error) {
	if o.pending == nil {
		return
	}
	now := time.Now().Unix()
	if err := o.pending.Save(ctx, nonceKey, paystore.PendingSettlementRecord{
		RouteKey:      route.RouteKey,
		Payer:         payer,
		PaymentHeader: paymentHeader,
		Attempts:      0,
		LastError:     settleErr.Error(),
		CreatedAt:     now,
		NextRetryAt:   now,
	}); err != nil {
		o.logger.Warn("failed to persist pending settlement", "error", err, "nonceKey", nonceKey)
	}
}

// challengeOutcome builds a fresh (not cached) 402 challenge body+header,
// optionally annotated with a rejection reason.
func (o *Orchestrator) challengeOutcome(ctx context.Context, route x402types.RouteDescriptor, resource string, reason string, message string) (*Outcome, error) {
	body, err := o.challenges.Build(ctx, route, resource)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build challenge: %w", err)
	}
	body.Error = "Payment required"
	body.Message = message
	if reason != "" {
		body.Reason = reason
	}

	header, err := x402challenge.EncodeHeader(body)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode challenge header: %w", err)
	}

	kind := OutcomeChallenge
	if message != "missing payment header" {
		kind = OutcomeRejected
	}

	return &Outcome{
		Kind:            kind,
		ChallengeBody:   &body,
		ChallengeHeader: header,
		RejectReason:    message,
		Route:           route,
	}, nil
}

// receiptBody is the PAYMENT-RESPONSE header's decoded JSON shape (§4.6).
type receiptBody struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"txHash"`
	Network     string  `json:"network"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Facilitator string  `json:"facilitator,omitempty"`
}

// nonceKeyFor derives the replay key for an envelope: the EVM authorization
// nonce directly, or "svm:" + sha256(transactionBlob) for SVM (§3).
func nonceKeyFor(network x402types.NetworkDescriptor, env *x402types.PaymentEnvelope) (string, error) {
	if network.IsSVM() {
		if env.SVM == nil {
			return "", fmt.Errorf("pipeline: SVM network requires an SVM payload")
		}
		sum := sha256.Sum256([]byte(env.SVM.Transaction))
		return x402types.NonceKeySVM(hex.EncodeToString(sum[:])), nil
	}
	if env.EVM == nil {
		return "", fmt.Errorf("pipeline: EVM network requires an EVM payload")
	}
	return x402types.NonceKeyEVM(env.EVM.Authorization.Nonce), nil
}
