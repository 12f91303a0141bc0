package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mnemos-io/mnemos/internal/domain"
)

// Load reads the .env file specified by MNEMOS_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("MNEMOS_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// RedisURL returns the cache backend URL; empty selects the in-process cache.
func RedisURL() string {
	return os.Getenv("REDIS_URL")
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

// EmbeddingProvider returns the configured embedding provider.
// Defaults to "openai" if not set.
// Valid values: openai, mock
func EmbeddingProvider() string {
	p := os.Getenv("EMBEDDING_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
}

// EmbeddingAPIKey returns the API key for the configured embedding provider.
func EmbeddingAPIKey() string {
	switch EmbeddingProvider() {
	case "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// LLMProvider returns the configured LLM provider.
// Empty disables LLM-backed reflection summaries.
// Valid values: openai, mock, or empty
func LLMProvider() string {
	return os.Getenv("LLM_PROVIDER")
}

// LLMAPIKey returns the API key for the configured LLM provider.
func LLMAPIKey() string {
	switch LLMProvider() {
	case "mock", "":
		return ""
	default:
		return OpenAIAPIKey()
	}
}

// InstanceID identifies this engine instance for bandit-state persistence.
func InstanceID() string {
	id := os.Getenv("INSTANCE_ID")
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return "mnemos"
		}
		return host
	}
	return id
}

func durationEnv(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func intEnv(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

// CacheTTL is the retrieval result cache lifetime.
func CacheTTL() time.Duration {
	return durationEnv("CACHE_TTL", 300*time.Second)
}

// StrategyTimeout bounds each parallel retrieval strategy call.
func StrategyTimeout() time.Duration {
	return durationEnv("STRATEGY_TIMEOUT", 2*time.Second)
}

// ConsolidationInterval is the lifecycle pass cadence.
func ConsolidationInterval() time.Duration {
	return durationEnv("CONSOLIDATION_INTERVAL", time.Hour)
}

// ReflectionInterval is the reflection cycle cadence.
func ReflectionInterval() time.Duration {
	return durationEnv("REFLECTION_INTERVAL", 6*time.Hour)
}

// ReconcileInterval is the store-agreement pass cadence.
func ReconcileInterval() time.Duration {
	return durationEnv("RECONCILE_INTERVAL", 30*time.Minute)
}

// SyncInterval is the peer replication cadence.
func SyncInterval() time.Duration {
	return durationEnv("SYNC_INTERVAL", 10*time.Minute)
}

// SensoryCapacity bounds the sensory layer per tenant.
func SensoryCapacity() int {
	return intEnv("SENSORY_CAPACITY", 200)
}

// WorkingCapacity bounds the working layer per tenant.
func WorkingCapacity() int {
	return intEnv("WORKING_CAPACITY", 2000)
}

// ReflectiveCapacity bounds the reflective layer per tenant.
func ReflectiveCapacity() int {
	return intEnv("REFLECTIVE_CAPACITY", 1000)
}

// SensoryTTL is the default sensory expiry.
func SensoryTTL() time.Duration {
	return durationEnv("SENSORY_TTL", 5*time.Minute)
}

// ConflictStrategy selects how sync conflicts resolve.
// Valid values: last_write_wins, keep_local, keep_remote, field_merge, manual
func ConflictStrategy() string {
	s := os.Getenv("CONFLICT_STRATEGY")
	if s == "" {
		return "last_write_wins"
	}
	return s
}

// PeerRole is how this instance presents itself to sync peers.
// Valid values: primary, replica, peer
func PeerRole() string {
	r := os.Getenv("PEER_ROLE")
	if r == "" {
		return "peer"
	}
	return r
}

// SyncSharedSecret seals peer payloads when non-empty.
func SyncSharedSecret() string {
	return os.Getenv("SYNC_SHARED_SECRET")
}

// SyncPeers parses the SYNC_PEERS JSON array of peer descriptors.
func SyncPeers() ([]domain.SyncPeer, error) {
	raw := os.Getenv("SYNC_PEERS")
	if raw == "" {
		return nil, nil
	}
	var peers []domain.SyncPeer
	if err := json.Unmarshal([]byte(raw), &peers); err != nil {
		return nil, fmt.Errorf("parse SYNC_PEERS: %w", err)
	}
	for i := range peers {
		if peers[i].ProtocolVersion == 0 {
			peers[i].ProtocolVersion = domain.SyncProtocolVersion
		}
	}
	return peers, nil
}

// StrictIsolation enables per-leak warnings in the isolation guard.
func StrictIsolation() bool {
	return os.Getenv("STRICT_ISOLATION") != "false"
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
