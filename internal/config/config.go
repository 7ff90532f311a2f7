package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration read from the environment.
type Config struct {
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	PayToAddress string
	BaseNetwork  string

	FacilitatorURL    string
	FacilitatorScheme string

	RoutesFile   string
	AdminKey     string
	GatewayDomain string

	ReplayTTL       time.Duration
	RateLimitPerMin int
	SkipX402Probe   bool

	ReputationRPCURL   string
	ReputationContract string
	ReputationMinScore float64

	RedisURL string

	MaxBodyBytes int64

	RequestDeadline time.Duration

	MetricsDisabled bool

	LogLevel string
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate PAY_TO_ADDRESS — callers (cmd/gateway) perform startup
// validation and choose the exit code per spec §6.5.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	replayTTLMs := getEnvInt("REPLAY_TTL_MS", 300_000)
	deadlineSec := getEnvInt("GATEWAY_REQUEST_DEADLINE_SEC", 30)

	return &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":"+getEnv("PORT", "4402")),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		PayToAddress: getEnv("PAY_TO_ADDRESS", ""),
		BaseNetwork:  getEnv("BASE_NETWORK", "base-sepolia"),

		FacilitatorURL:    getEnv("FACILITATOR_URL", ""),
		FacilitatorScheme: getEnv("FACILITATOR_SCHEME", "exact"),

		RoutesFile:    getEnv("ROUTES_FILE", "routes.json"),
		AdminKey:      getEnv("ADMIN_KEY", ""),
		GatewayDomain: getEnv("GATEWAY_DOMAIN", ""),

		ReplayTTL:       time.Duration(replayTTLMs) * time.Millisecond,
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 100),
		SkipX402Probe:   getEnvBool("SKIP_X402_PROBE", false),

		ReputationRPCURL:   getEnv("REPUTATION_RPC_URL", ""),
		ReputationContract: getEnv("REPUTATION_CONTRACT", ""),
		ReputationMinScore: getEnvFloat("REPUTATION_MIN_SCORE", 0),

		RedisURL: getEnv("REDIS_URL", ""),

		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),

		RequestDeadline: time.Duration(deadlineSec) * time.Second,

		MetricsDisabled: getEnvBool("METRICS_DISABLED", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// AdminEnabled reports whether the admin surface should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminKey != ""
}

// ReputationEnabled reports whether the reputation oracle is configured.
func (c *Config) ReputationEnabled() bool {
	return c.ReputationRPCURL != "" && c.ReputationContract != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
