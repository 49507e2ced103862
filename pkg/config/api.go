package config

import (
	"time"

	"github.com/joho/godotenv"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	StoreDriver        string
	DatabaseURL        string
	SQLitePath         string
	AutoMigrate        bool
	JWTSecret          string
	TokenTTL           time.Duration
	LogLevel           string
	TxMaxAttempts      int
	TxBaseDelay        time.Duration
	TxJitter           time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	CORSAllowedOrigins []string
	EventBuffer        int
	SeedUsers          []string
}

// LoadAPIConfig constructs an APIConfig from environment variables. A .env
// file in the working directory, when present, fills in unset variables.
func LoadAPIConfig() APIConfig {
	_ = godotenv.Load()
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		StoreDriver:        GetString("STORE_DRIVER", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://teamforge:teamforge@db:5432/teamforge?sslmode=disable"),
		SQLitePath:         GetString("SQLITE_PATH", "teamforge.db"),
		AutoMigrate:        GetBool("AUTO_MIGRATE", true),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		TokenTTL:           time.Duration(GetInt("TOKEN_TTL_HOURS", 24)) * time.Hour,
		LogLevel:           GetString("LOG_LEVEL", "info"),
		TxMaxAttempts:      GetInt("TX_MAX_ATTEMPTS", 3),
		TxBaseDelay:        time.Duration(GetInt("TX_BASE_DELAY_MS", 40)) * time.Millisecond,
		TxJitter:           time.Duration(GetInt("TX_JITTER_MS", 25)) * time.Millisecond,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		CORSAllowedOrigins: GetList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 64),
		SeedUsers:          GetList("SEED_USERS", nil),
	}
}
