// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"github.com/roborio/roborio/internal/ledger"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger
	EscrowProgramID string
	SolanaNetwork   string // cluster name or production/staging/development alias
	SolanaRPCURL    string // optional explicit endpoint
	KeypairPath     string // solana-keygen file used by escrowctl

	// Escrow behaviour
	SolPriceUSD         float64
	PlatformFeeWallet   string // falls back to the renter when unset or invalid
	EscrowAutoClose     bool
	ConfirmTimeout      time.Duration
	AutoRefreshInterval time.Duration

	// Wallet auth
	JWTJWK                string // EC private key as JWK JSON
	JWTKid                string
	JWTPrivateKeyPEM      string // alternative to JWTJWK
	AllowedOrigins        []string
	AllowedOriginPatterns []string
	WalletAuthURL         string // where escrowctl posts signed challenges

	// Escrow mirror (PostgREST-compatible)
	MirrorRESTURL string
	MirrorAPIKey  string

	// Waitlist
	WaitlistBaseURL string

	// Observability and limits
	OTLPEndpoint string
	RateLimitRPM int
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultNetwork             = "devnet"
	DefaultSolPriceUSD         = 100.0
	DefaultConfirmTimeout      = 60 * time.Second
	DefaultAutoRefreshInterval = 20 * time.Second
	DefaultRateLimitRPM        = 60
	DefaultWaitlistBaseURL     = "https://roborio.xyz"
)

// DefaultAllowedOrigins are the production and local development origins.
var DefaultAllowedOrigins = []string{
	"https://roborio.xyz",
	"https://www.roborio.xyz",
	"http://localhost:5173",
	"http://localhost:4173",
	"http://localhost:3000",
	"http://127.0.0.1:5173",
	"http://127.0.0.1:3000",
}

// DefaultAllowedOriginPatterns match preview deployments.
var DefaultAllowedOriginPatterns = []string{`^https://roborio-.*\.vercel\.app$`}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		EscrowProgramID:       os.Getenv("ESCROW_PROGRAM_ID"),
		SolanaNetwork:         getEnv("SOLANA_NETWORK", DefaultNetwork),
		SolanaRPCURL:          os.Getenv("SOLANA_RPC_URL"),
		KeypairPath:           os.Getenv("SOLANA_KEYPAIR"),
		SolPriceUSD:           getEnvFloat("SOL_PRICE_USD", DefaultSolPriceUSD),
		PlatformFeeWallet:     os.Getenv("PLATFORM_FEE_WALLET"),
		EscrowAutoClose:       getEnvBool("ESCROW_AUTO_CLOSE", false),
		ConfirmTimeout:        getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		AutoRefreshInterval:   getEnvDuration("AUTO_REFRESH_INTERVAL", DefaultAutoRefreshInterval),
		JWTJWK:                os.Getenv("JWT_JWK"),
		JWTKid:                os.Getenv("JWT_KID"),
		JWTPrivateKeyPEM:      os.Getenv("JWT_PRIVATE_KEY_PEM"),
		AllowedOrigins:        getEnvList("ALLOWED_ORIGINS", DefaultAllowedOrigins),
		AllowedOriginPatterns: getEnvList("ALLOWED_ORIGIN_PATTERNS", DefaultAllowedOriginPatterns),
		WalletAuthURL:         os.Getenv("WALLET_AUTH_URL"),
		MirrorRESTURL:         os.Getenv("MIRROR_REST_URL"),
		MirrorAPIKey:          os.Getenv("MIRROR_API_KEY"),
		WaitlistBaseURL:       getEnv("WAITLIST_BASE_URL", DefaultWaitlistBaseURL),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := ledger.ParseCluster(c.SolanaNetwork); err != nil {
		return fmt.Errorf("SOLANA_NETWORK: %w", err)
	}

	if c.EscrowProgramID != "" {
		if _, err := solana.PublicKeyFromBase58(c.EscrowProgramID); err != nil {
			return fmt.Errorf("ESCROW_PROGRAM_ID is not a valid base58 public key: %w", err)
		}
	}

	if c.SolPriceUSD <= 0 {
		return fmt.Errorf("SOL_PRICE_USD must be greater than zero")
	}

	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}

	for _, p := range c.AllowedOriginPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("ALLOWED_ORIGIN_PATTERNS: %q: %w", p, err)
		}
	}

	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return fmt.Errorf("ALLOWED_ORIGINS must list explicit origins, not *")
		}
	}

	return nil
}

// ProgramID returns the parsed escrow program id, or the zero key if unset.
func (c *Config) ProgramID() solana.PublicKey {
	if c.EscrowProgramID == "" {
		return solana.PublicKey{}
	}
	pk, err := solana.PublicKeyFromBase58(c.EscrowProgramID)
	if err != nil {
		return solana.PublicKey{}
	}
	return pk
}

// Connection resolves the RPC endpoint for the configured network.
func (c *Config) Connection() (ledger.Connection, error) {
	return ledger.ResolveConnection(ledger.ConnectionConfig{
		Network: c.SolanaNetwork,
		RPCURL:  c.SolanaRPCURL,
	})
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
