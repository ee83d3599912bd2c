// Command gateway boots the x402 payment gateway: it loads configuration,
// wires the registry/chain-client/verifier/settler/pipeline stack, and
// serves the HTTP surface described in §6.
package main

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"x402gateway/internal/chain/evm"
	"x402gateway/internal/chain/svm"
	"x402gateway/internal/config"
	"x402gateway/internal/httpapi"
	"x402gateway/internal/kv"
	"x402gateway/internal/paystore"
	"x402gateway/internal/pipeline"
	"x402gateway/internal/registry"
	"x402gateway/internal/settle"
	"x402gateway/internal/settlement"
	"x402gateway/internal/verify"
	"x402gateway/internal/x402challenge"
	"x402gateway/internal/x402types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	orch, worker, err := buildOrchestrator(cfg)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	srv := httpapi.New(cfg, orch, slog.Default())

	bgCtx, cancelBg := context.WithCancel(context.Background())
	worker.Start(bgCtx)

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")

	cancelBg()
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited")
}

// buildOrchestrator wires every CORE component (§2) from cfg: the network
// registry, the key-value store and its paystore wrappers, per-VM chain
// clients, the three verifier/settler variants, the challenge builder, and
// finally the pipeline that chains them.
func buildOrchestrator(cfg *config.Config) (*pipeline.Orchestrator, *settlement.Worker, error) {
	reg, err := registry.New(registry.Config{
		RPCURLs:               cfg.Chain.RPCURLs,
		SVMFeePayerConfigured: cfg.Chain.SVMFeePayerPrivateKeyBase58 != "",
		FacilitatorAPIKeys:    cfg.Chain.FacilitatorAPIKeys,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var settlementKey *ecdsa.PrivateKey
	if cfg.Chain.SettlementPrivateKeyHex != "" {
		settlementKey, err = crypto.HexToECDSA(trimHexPrefix(cfg.Chain.SettlementPrivateKeyHex))
		if err != nil {
			return nil, nil, err
		}
	}
	evmClients := evm.NewClientRegistry(settlementKey)

	var svmFacs *svm.FacilitatorRegistry
	if cfg.Chain.SVMFeePayerPrivateKeyBase58 != "" {
		svmFacs = svm.NewFacilitatorRegistry(cfg.Chain.SVMFeePayerPrivateKeyBase58)
	}

	nonces := paystore.NewNonceStore(store)
	idempotency := paystore.NewIdempotencyStore(store)
	credits := paystore.NewCreditStore(store)
	pending := paystore.NewPendingSettlementStore(store)

	verifiers := map[registry.ProviderKind]verify.Verifier{
		registry.ProviderLocalEVM:    verify.NewLocalEVMVerifier(reg, evmClients, nonces, verify.LocalEVMConfig{FailOpenOnBalanceReadError: true}),
		registry.ProviderExternalEVM: verify.NewExternalFacilitatorVerifier(reg),
	}
	settlers := map[registry.ProviderKind]settle.Settler{
		registry.ProviderLocalEVM:    settle.NewLocalEVMSettler(reg, evmClients),
		registry.ProviderExternalEVM: settle.NewExternalFacilitatorSettler(reg),
	}
	if svmFacs != nil {
		verifiers[registry.ProviderSVM] = verify.NewSVMVerifier(reg, svmFacs)
		settlers[registry.ProviderSVM] = settle.NewSVMSettler(reg, svmFacs)
	}

	challenges := x402challenge.NewBuilder(reg, svmFacs)

	orch := pipeline.New(pipeline.Config{
		Registry:    reg,
		Challenges:  challenges,
		Verifiers:   verifiers,
		Settlers:    settlers,
		Nonces:      nonces,
		Idempotency: idempotency,
		Credits:     credits,
		Pending:     pending,
		CreditsOn:   cfg.Credits.Enabled,
		Logger:      slog.Default(),
	})

	routesByKey := make(map[string]x402types.RouteDescriptor, len(cfg.Routes))
	for _, route := range cfg.Routes {
		routesByKey[route.RouteKey] = route
	}
	worker := settlement.NewWorker(reg, routesByKey, settlers, nonces, pending, settlement.DefaultWorkerConfig(), slog.Default())

	return orch, worker, nil
}

func buildStore(cfg *config.Config) (kv.Store, error) {
	if cfg.Environment == config.EnvTest {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(cfg.Store.RedisURL)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// setupLogging configures the global slog logger: JSON in production,
// text in development, matching the teacher's logging setup exactly.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}
