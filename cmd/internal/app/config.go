package app

import (
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// CORS policy for the REST surface. The websocket gateway enforces its
	// own origin policy (DESK_WS_* knobs).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is honored when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:  EnvString("DESK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("DESK_LOG_LEVEL", "info"),
		LogPretty: EnvBool("DESK_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("DESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("DESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("DESK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("DESK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DESK_DATABASE_URL", ""),
		DBSchema:    EnvString("DESK_DB_SCHEMA", "desk"),
		DBMaxConns:  EnvInt32("DESK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DESK_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("DESK_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("DESK_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("DESK_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DESK_CORS_MAX_AGE_SECONDS", 600),
	}
}
