package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harshitk-cp/coursegraph/internal/journal"
	"github.com/Harshitk-cp/coursegraph/internal/pipeline"
	"github.com/Harshitk-cp/coursegraph/internal/resolve"
	"github.com/joho/godotenv"
)

// Load reads the .env file specified by COURSEGRAPH_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("COURSEGRAPH_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func floatEnv(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func intEnv(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func durationEnv(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func ServerPort() int {
	return intEnv("SERVER_PORT", 8080)
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}

// StoreBackend returns "postgres" or "memory".
// Defaults to "postgres" if not set.
func StoreBackend() string {
	b := strings.ToLower(os.Getenv("STORE_BACKEND"))
	if b == "" {
		return "postgres"
	}
	return b
}

// APIKey is the static key clients present in the Authorization header.
// Empty disables authentication.
func APIKey() string {
	return os.Getenv("API_KEY")
}

func OpenAIAPIKey() string {
	return os.Getenv("OPENAI_API_KEY")
}

func AnthropicAPIKey() string {
	return os.Getenv("ANTHROPIC_API_KEY")
}

func GeminiAPIKey() string {
	return os.Getenv("GEMINI_API_KEY")
}

func CerebrasAPIKey() string {
	return os.Getenv("CEREBRAS_API_KEY")
}

// LLMProvider returns the configured extraction provider.
// Defaults to "openai" if not set.
// Valid values: openai, anthropic, gemini, cerebras, mock
func LLMProvider() string {
	p := os.Getenv("LLM_PROVIDER")
	if p == "" {
		return "openai"
	}
	return p
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

// LLMAPIKey returns the API key for the configured LLM provider.
func LLMAPIKey() string {
	switch LLMProvider() {
	case "anthropic":
		return AnthropicAPIKey()
	case "gemini":
		return GeminiAPIKey()
	case "cerebras":
		return CerebrasAPIKey()
	case "mock":
		return ""
	default:
		return OpenAIAPIKey()
	}
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

// SynonymsFile is the optional YAML synonym table for the normalizer.
func SynonymsFile() string {
	return os.Getenv("SYNONYMS_FILE")
}

// SimilarityThreshold returns the minimum cosine similarity for merging a
// mention into an existing entity. Defaults to 0.85; values outside (0, 1]
// fall back to the default.
func SimilarityThreshold() float64 {
	v := floatEnv("SIMILARITY_THRESHOLD", 0.85)
	if v <= 0 || v > 1 {
		return 0.85
	}
	return v
}

func TieBreakEpsilon() float64 {
	v := floatEnv("TIE_BREAK_EPSILON", 0.01)
	if v < 0 {
		return 0.01
	}
	return v
}

func EmbeddingTopK() int {
	return intEnv("EMBEDDING_TOP_K", 5)
}

func ConcurrencyLimit() int {
	return intEnv("CONCURRENCY_LIMIT", 4)
}

// ExtractionRPS returns the extraction calls allowed per second.
// Zero or negative disables the limit.
func ExtractionRPS() float64 {
	return floatEnv("EXTRACTION_RPS", 2)
}

func ExtractionBurst() int {
	return intEnv("EXTRACTION_BURST", 4)
}

func RetryCeiling() int {
	return intEnv("RETRY_CEILING", 5)
}

// RetryBackoff parses a comma-separated duration list such as
// "1s,5s,30s,2m,10m". An unparseable list falls back to the default.
func RetryBackoff() []time.Duration {
	def := []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	raw := os.Getenv("RETRY_BACKOFF")
	if raw == "" {
		return def
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			return def
		}
		out = append(out, d)
	}
	return out
}

func JournalRetryInterval() time.Duration {
	return durationEnv("JOURNAL_RETRY_INTERVAL", 10*time.Second)
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps := floatEnv("RATE_LIMIT_RPS", 100)
	if rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	return intEnv("RATE_LIMIT_BURST", 20)
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

func Resolution() resolve.Config {
	return resolve.Config{
		SimilarityThreshold: SimilarityThreshold(),
		TieBreakEpsilon:     TieBreakEpsilon(),
		TopK:                EmbeddingTopK(),
	}
}

func Journal() journal.Config {
	return journal.Config{
		RetryCeiling:  RetryCeiling(),
		Backoff:       RetryBackoff(),
		RetryInterval: JournalRetryInterval(),
	}
}

func Pipeline() pipeline.Config {
	return pipeline.Config{
		Concurrency:     ConcurrencyLimit(),
		ExtractionRPS:   ExtractionRPS(),
		ExtractionBurst: ExtractionBurst(),
		RetryCeiling:    RetryCeiling(),
		Backoff:         RetryBackoff(),
		DrainInterval:   JournalRetryInterval(),
	}
}
