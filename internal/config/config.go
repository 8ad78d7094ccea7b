package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/joho/godotenv"
)

// DefaultJWTSecret is the development-only signing secret.
const DefaultJWTSecret = "change-me"

var defaultCORSOrigins = []string{"https://localhost:3000", "https://localhost:5173"}

// Config holds application level configuration loaded from environment variables.
type Config struct {
	ServerPort  string
	DatabaseURL string
	ResetDB     bool

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisURL string

	JWTSecret          string
	JWTAlgorithm       string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	BcryptCost         int

	CORSOrigins []string
	Debug       bool
	Environment string
	LogLevel    string
	SwaggerHost string

	// Third-party keys are carried for other services; the auth API does not use them.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
}

// Load builds Config from environment with sensible defaults. A .env file in
// the working directory is read first; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "user:password@tcp(localhost:3306)/app?charset=utf8mb4&parseTime=True&loc=Local"),
		ResetDB:     getEnvBool("RESET_DB", false),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		RedisURL: os.Getenv("REDIS_URL"),

		JWTSecret:          getEnv("JWT_SECRET", DefaultJWTSecret),
		JWTAlgorithm:       getEnv("JWT_ALGORITHM", "HS256"),
		AccessTokenExpiry:  time.Duration(getEnvInt("JWT_EXPIRE_MINUTES", 30)) * time.Minute,
		RefreshTokenExpiry: time.Duration(getEnvInt("JWT_REFRESH_EXPIRE_MINUTES", 7*24*60)) * time.Minute,
		BcryptCost:         getEnvInt("BCRYPT_COST", 10),

		CORSOrigins: parseOrigins(os.Getenv("CORS_ORIGINS")),
		Debug:       getEnvBool("DEBUG", false),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SwaggerHost: os.Getenv("SWAGGER_HOST"),

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
	}
}

// Validate reports settings the server cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.Environment == "production" && c.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if _, ok := jwt.GetSigningMethod(c.JWTAlgorithm).(*jwt.SigningMethodHMAC); !ok {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q: only HS256, HS384 and HS512 are allowed", c.JWTAlgorithm)
	}
	if c.AccessTokenExpiry <= 0 || c.RefreshTokenExpiry <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

// parseOrigins accepts a JSON array (`["https://a","https://b"]`) or a comma
// separated list.
func parseOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultCORSOrigins
	}

	var origins []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &origins); err != nil {
			return defaultCORSOrigins
		}
		return origins
	}

	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return defaultCORSOrigins
	}
	return origins
}
