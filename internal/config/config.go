// Package config centralizes the env-driven configuration that the
// teacher repo scattered across per-package getEnv/getEnvAsInt helpers.
package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	// Round scheduler
	TBet    time.Duration
	TSettle time.Duration

	// Fairness
	HouseEdge           float64
	InstantCrashDivisor int
	MaxMultiplier       float64
	MultiplierA         float64
	MultiplierB         float64

	// Betting limits (base units)
	MinBet string
	MaxBet string

	// Cashout safety
	CashoutSafety time.Duration

	// Indexer
	Confirmations     int
	ReorgBuffer       int
	PollingInterval   time.Duration
	HotWalletAddress  string
	ChainRPCURL       string
	ChainWSURL        string

	// Event bus
	RingBufferSize int

	// Solvency
	LiabilityKillRatio float64
	SolvencyInterval   time.Duration

	// Transport
	ListenAddr      string
	AdminListenAddr string
	AdminToken      string

	// Postgres / Redis (consumed by internal/database, internal/cache)
	DBHost     string
	DBPort     string
	DBDatabase string
	DBUsername string
	DBPassword string
	DBSchema   string

	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// Load reads the environment (after godotenv/autoload has populated it
// from a .env file, if present) into a Config with spec.md §6 defaults.
func Load() *Config {
	return &Config{
		TBet:    getEnvAsDuration("T_BET_SECONDS", 6*time.Second, time.Second),
		TSettle: getEnvAsDuration("T_SETTLE_SECONDS", 3*time.Second, time.Second),

		HouseEdge:           getEnvAsFloat("HOUSE_EDGE", 0.03),
		InstantCrashDivisor: getEnvAsInt("INSTANT_CRASH_DIVISOR", 33),
		MaxMultiplier:       getEnvAsFloat("MAX_MULTIPLIER", 1000.00),
		MultiplierA:         getEnvAsFloat("MULTIPLIER_A", 1.0024),
		MultiplierB:         getEnvAsFloat("MULTIPLIER_B", 1.0718),

		MinBet: getEnv("MIN_BET", "1000000000000000"),    // 0.001 unit at 18 decimals
		MaxBet: getEnv("MAX_BET", "1000000000000000000000"), // 1000 units

		CashoutSafety: getEnvAsDuration("CASHOUT_SAFETY_MS", 50*time.Millisecond, time.Millisecond),

		Confirmations:    getEnvAsInt("CONFIRMATIONS", 12),
		ReorgBuffer:      getEnvAsInt("REORG_BUFFER", 25),
		PollingInterval:  getEnvAsDuration("POLLING_INTERVAL_MS", 5000*time.Millisecond, time.Millisecond),
		HotWalletAddress: getEnv("HOT_WALLET_ADDRESS", ""),
		ChainRPCURL:      getEnv("CHAIN_RPC_URL", ""),
		ChainWSURL:       getEnv("CHAIN_WS_URL", ""),

		RingBufferSize: getEnvAsInt("RING_BUFFER_SIZE", 1024),

		LiabilityKillRatio: getEnvAsFloat("LIABILITY_KILL_RATIO", 0.95),
		SolvencyInterval:   getEnvAsDuration("SOLVENCY_INTERVAL_SECONDS", 10*time.Second, time.Second),

		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8081"),
		AdminToken:      getEnv("ADMIN_TOKEN", "dev-admin-token"),

		DBHost:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBDatabase: getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
		DBUsername: getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		DBPassword: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvAsDuration reads an integer env var and scales it by unit.
func getEnvAsDuration(key string, defaultVal time.Duration, unit time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return time.Duration(intVal) * unit
		}
	}
	return defaultVal
}
