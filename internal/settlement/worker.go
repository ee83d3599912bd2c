// Package settlement provides a background worker that retries payment
// settlements the synchronous request path gave up on (SPEC_FULL.md
// supplemented feature: settlement retry worker).
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"x402gateway/internal/paystore"
	"x402gateway/internal/registry"
	"x402gateway/internal/settle"
	"x402gateway/internal/x402types"
)

// WorkerConfig holds configuration for the settlement retry worker.
type WorkerConfig struct {
	// RetryInterval is how often to sweep pending settlements.
	RetryInterval time.Duration
	// MaxRetryAttempts is the maximum number of settlement retry attempts
	// before a pending settlement is abandoned.
	MaxRetryAttempts int
}

// DefaultWorkerConfig returns sensible defaults for the worker.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		RetryInterval:    30 * time.Second,
		MaxRetryAttempts: 5,
	}
}

// Worker retries settlements that failed on the synchronous request path.
// It never re-confirms a nonce that is already confirmed (I1-I5): a
// pending record whose nonce is already confirmed is dropped, and each
// retry re-reserves the nonce the same way the synchronous path did, so a
// nonce currently in-flight elsewhere is simply skipped this sweep.
type Worker struct {
	registry *registry.Registry
	routes   map[string]x402types.RouteDescriptor
	settlers map[registry.ProviderKind]settle.Settler
	nonces   *paystore.NonceStore
	pending  *paystore.PendingSettlementStore
	config   *WorkerConfig
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a settlement retry worker. routes indexes every
// configured route by RouteKey so a retried payment can be matched back to
// its price and recipients.
func NewWorker(
	reg *registry.Registry,
	routes map[string]x402types.RouteDescriptor,
	settlers map[registry.ProviderKind]settle.Settler,
	nonces *paystore.NonceStore,
	pending *paystore.PendingSettlementStore,
	cfg *WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry: reg,
		routes:   routes,
		settlers: settlers,
		nonces:   nonces,
		pending:  pending,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background retry loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runRetryLoop(ctx)
	}()
	w.logger.Info("settlement retry worker started", "interval", w.config.RetryInterval)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("settlement retry worker stopped")
}

func (w *Worker) runRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.retryPendingSettlements(ctx)
		}
	}
}

// retryPendingSettlements sweeps every indexed pending settlement once.
func (w *Worker) retryPendingSettlements(ctx context.Context) {
	pending, err := w.pending.List(ctx)
	if err != nil {
		w.logger.Error("failed to list pending settlements", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	now := time.Now().Unix()
	for nonceKey, rec := range pending {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if rec.NextRetryAt > now {
			continue
		}
		if rec.Attempts >= w.config.MaxRetryAttempts {
			w.logger.Warn("abandoning pending settlement after max retries",
				"nonceKey", nonceKey, "attempts", rec.Attempts, "lastError", rec.LastError)
			if err := w.pending.Remove(ctx, nonceKey); err != nil {
				w.logger.Error("failed to drop abandoned pending settlement", "error", err, "nonceKey", nonceKey)
			}
			continue
		}

		w.retryOne(ctx, nonceKey, rec)
	}
}

func (w *Worker) retryOne(ctx context.Context, nonceKey string, rec paystore.PendingSettlementRecord) {
	route, ok := w.routes[rec.RouteKey]
	if !ok {
		w.logger.Warn("pending settlement references an unknown route, dropping", "nonceKey", nonceKey, "route", rec.RouteKey)
		_ = w.pending.Remove(ctx, nonceKey)
		return
	}

	env, err := x402types.DecodePaymentHeader(rec.PaymentHeader)
	if err != nil {
		w.logger.Warn("pending settlement has an undecodable payment header, dropping", "nonceKey", nonceKey, "error", err)
		_ = w.pending.Remove(ctx, nonceKey)
		return
	}

	network, ok := w.registry.Lookup(env.Network)
	if !ok {
		w.logger.Warn("pending settlement references an unknown network, dropping", "nonceKey", nonceKey, "network", env.Network)
		_ = w.pending.Remove(ctx, nonceKey)
		return
	}

	if existing, err := w.nonces.Lookup(ctx, nonceKey); err == nil && existing != nil && existing.Status == x402types.NonceStatusConfirmed {
		// A concurrent request (client retry with this same nonce) already
		// settled it. Nothing left for the worker to do.
		_ = w.pending.Remove(ctx, nonceKey)
		return
	}

	reserved, err := w.nonces.Reserve(ctx, nonceKey, x402types.NonceRecord{
		Timestamp: time.Now().Unix(),
		Network:   network.ID,
		Payer:     rec.Payer,
		Route:     route.RouteKey,
		VM:        network.VM,
	})
	if err != nil || !reserved {
		// Either a live request currently holds this nonce, or the store
		// rejected the reservation; try again next sweep.
		return
	}

	kind := registry.SelectProviderKind(network)
	settler, ok := w.settlers[kind]
	if !ok {
		w.logger.Error("no settler configured for pending settlement's provider kind", "nonceKey", nonceKey, "kind", kind)
		_ = w.nonces.Release(ctx, nonceKey)
		return
	}

	settlement, err := settler.Settle(ctx, network, route, env)
	if err != nil {
		w.logger.Warn("settlement retry failed", "nonceKey", nonceKey, "attempt", rec.Attempts+1, "error", err)
		_ = w.nonces.Release(ctx, nonceKey)
		rec.Attempts++
		rec.LastError = err.Error()
		rec.NextRetryAt = time.Now().Add(w.calculateBackoff(rec.Attempts)).Unix()
		if saveErr := w.pending.Save(ctx, nonceKey, rec); saveErr != nil {
			w.logger.Error("failed to update pending settlement after failed retry", "error", saveErr, "nonceKey", nonceKey)
		}
		return
	}

	if err := w.nonces.Confirm(ctx, nonceKey, x402types.NonceRecord{
		Timestamp:  time.Now().Unix(),
		Network:    network.ID,
		Payer:      rec.Payer,
		Route:      route.RouteKey,
		VM:         network.VM,
		Settlement: settlement,
	}); err != nil {
		w.logger.Error("failed to confirm nonce after settlement retry succeeded", "error", err, "nonceKey", nonceKey)
	}
	if err := w.pending.Remove(ctx, nonceKey); err != nil {
		w.logger.Error("failed to clear pending settlement after successful retry", "error", err, "nonceKey", nonceKey)
	}
	w.logger.Info("settlement retry succeeded", "nonceKey", nonceKey, "attempt", rec.Attempts+1, "txHash", settlement.TxHash)
}

// calculateBackoff returns the backoff duration for a given attempt number:
// exponential, 5s/10s/20s/40s/80s/160s, capped at 5 minutes.
func (w *Worker) calculateBackoff(attempts int) time.Duration {
	baseDelay := 5 * time.Second
	maxDelay := 5 * time.Minute

	delay := baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	return delay
}
