// Package config loads the gateway's process-wide configuration once at
// startup. Nothing below this package reads the environment directly — the
// core components take the values they need as constructor arguments
// (§9 REDESIGN FLAGS: avoid hidden globals in the core).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"x402gateway/internal/x402types"
)

// Environment selects which defaults/validation rules apply.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all gateway configuration.
type Config struct {
	Environment Environment
	Server      ServerConfig
	Chain       ChainConfig
	Store       StoreConfig
	Credits     CreditsConfig
	Routes      []x402types.RouteDescriptor
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TrustedProxies []string
}

// ChainConfig holds the settlement key material and per-network endpoint
// configuration the registry/chain-client packages need (§4.1, §6).
type ChainConfig struct {
	// RPCURLs maps a network's RPCURLRef (e.g. "base", "solana") to its
	// configured JSON-RPC endpoint.
	RPCURLs map[string]string
	// FacilitatorAPIKeys maps a facilitator's APIKeyRef to its bearer token.
	FacilitatorAPIKeys map[string]string
	// SettlementPrivateKeyHex signs every local-EVM settlement transaction.
	SettlementPrivateKeyHex string
	// SVMFeePayerPrivateKeyBase58 co-signs every SVM settlement transaction.
	// Its presence gates whether any SVM network can be active at all.
	SVMFeePayerPrivateKeyBase58 string
}

// StoreConfig holds the key-value store connection.
type StoreConfig struct {
	RedisURL string
}

// CreditsConfig holds the master toggle for the credit subsystem (§6).
type CreditsConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables and the route
// configuration file.
func Load() (*Config, error) {
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	routes, err := loadRoutes(getEnv("ROUTES_CONFIG_PATH", "routes.json"))
	if err != nil {
		return nil, fmt.Errorf("config: load routes: %w", err)
	}

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			TrustedProxies: getEnvSlice("TRUSTED_PROXIES", nil),
		},
		Chain: ChainConfig{
			RPCURLs:                     getEnvMap("CHAIN_RPC_URLS"),
			FacilitatorAPIKeys:          getEnvMap("FACILITATOR_API_KEYS"),
			SettlementPrivateKeyHex:     getEnv("SETTLEMENT_PRIVATE_KEY", ""),
			SVMFeePayerPrivateKeyBase58: getEnv("SVM_FEE_PAYER_PRIVATE_KEY", ""),
		},
		Store: StoreConfig{
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Credits: CreditsConfig{
			Enabled: getBool("CREDITS_ENABLED", true),
		},
		Routes: routes,
	}, nil
}

// routeFile is the on-disk shape of one route entry. Backend secrets are
// never stored here — backendKeyRef names a BACKEND_KEY_<REF> env var that
// BackendKey resolves when a request is proxied, keeping secrets out of the
// checked-in route table.
type routeFile struct {
	RouteKey            string `json:"routeKey"`
	BackendBaseURL      string `json:"backendBaseUrl"`
	BackendKeyRef       string `json:"backendKeyRef"`
	BackendKeyHeader    string `json:"backendKeyHeader"`
	PriceAtomic         int64  `json:"priceAtomic"`
	DisplayPrice        string `json:"displayPrice"`
	PayToEVM            string `json:"payToEvm"`
	PayToSVM            string `json:"payToSvm"`
	Description         string `json:"description"`
	MimeType            string `json:"mimeType"`
	CreditOnStatusCodes []int  `json:"creditOnStatusCodes"`
	MaxCreditsPerPayer  int64  `json:"maxCreditsPerPayer"`
	CreditTTLSeconds    int64  `json:"creditTtlSeconds"`
}

// loadRoutes reads the route table from path. A missing file at the default
// path is not an error — it yields an empty route table, since a gateway
// with no routes configured yet is a valid (if useless) starting state for
// local development; an explicitly configured path that is missing is.
func loadRoutes(path string) ([]x402types.RouteDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == "routes.json" {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var entries []routeFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	routes := make([]x402types.RouteDescriptor, 0, len(entries))
	for _, e := range entries {
		policy := x402types.DefaultCreditPolicy()
		if len(e.CreditOnStatusCodes) > 0 {
			policy.CreditOnStatusCodes = make(map[int]bool, len(e.CreditOnStatusCodes))
			for _, code := range e.CreditOnStatusCodes {
				policy.CreditOnStatusCodes[code] = true
			}
		}
		if e.MaxCreditsPerPayer > 0 {
			policy.MaxCreditsPerPayer = e.MaxCreditsPerPayer
		}
		if e.CreditTTLSeconds > 0 {
			policy.CreditTTLSeconds = e.CreditTTLSeconds
		}

		routes = append(routes, x402types.RouteDescriptor{
			RouteKey:         e.RouteKey,
			BackendBaseURL:   e.BackendBaseURL,
			BackendKeyRef:    e.BackendKeyRef,
			BackendKeyHeader: e.BackendKeyHeader,
			PriceAtomic:      e.PriceAtomic,
			DisplayPrice:     e.DisplayPrice,
			PayToEVM:         e.PayToEVM,
			PayToSVM:         e.PayToSVM,
			Description:      e.Description,
			MimeType:         e.MimeType,
			CreditPolicy:     policy,
		})
	}
	return routes, nil
}

// BackendKey resolves a route's backendKeyRef to its configured secret
// value, or "" if unset.
func BackendKey(ref string) string {
	if ref == "" {
		return ""
	}
	return os.Getenv("BACKEND_KEY_" + strings.ToUpper(ref))
}

// Validate checks that required production configuration is present.
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == EnvProduction {
		if c.Chain.SettlementPrivateKeyHex == "" {
			errs = append(errs, "SETTLEMENT_PRIVATE_KEY is required in production")
		}
		if len(c.Chain.RPCURLs) == 0 {
			errs = append(errs, "at least one CHAIN_RPC_URLS entry is required in production")
		}
		if c.Store.RedisURL == "" {
			errs = append(errs, "REDIS_URL is required in production")
		}
		if len(c.Routes) == 0 {
			errs = append(errs, "at least one route must be configured in production")
		}
	}

	for _, route := range c.Routes {
		if route.RouteKey == "" {
			errs = append(errs, "a route is missing routeKey")
		}
		if route.BackendBaseURL == "" {
			errs = append(errs, fmt.Sprintf("route %q is missing backendBaseUrl", route.RouteKey))
		}
		if route.PayToEVM == "" && route.PayToSVM == "" {
			errs = append(errs, fmt.Sprintf("route %q has no payToEvm or payToSvm recipient", route.RouteKey))
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// getEnvMap parses a "ref1=value1,ref2=value2" env var into a map, the same
// comma-separated idiom the teacher uses for getEnvSlice, extended with a
// key=value pair per entry since RPC URLs and facilitator keys are
// per-network, not a flat list.
func getEnvMap(key string) map[string]string {
	result := make(map[string]string)
	value := os.Getenv(key)
	if value == "" {
		return result
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" || v == "" {
			continue
		}
		result[k] = v
	}
	return result
}
