package app

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `validate:"required"`
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Credential verification for the hello handshake. The secret is mandatory:
	// the gateway never accepts an unauthenticated session.
	JWTSecret string `validate:"required,min=32"`
	JWTIssuer string

	// TTL for the authorization gate's positive membership cache.
	GateCacheTTL time.Duration

	// WebSocket gateway tuning. The gateway itself never reads the
	// environment; everything flows through here.
	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHelloWindow       time.Duration
	WSSendQueue         int
	WSHeartbeatInterval time.Duration
	WSHeartbeatTimeout  time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	// DevSeed optionally seeds the in-memory store with one conversation,
	// formatted "conv_id:kind:user1,user2,...". Ignored when a database is
	// configured. Lets the ws-smoke tool run against a fresh dev server.
	DevSeed string
}

// LoadConfig loads Config from environment variables with defaults and
// validates the result. A missing or short PARLEY_JWT_SECRET is a startup
// failure, not a degraded mode.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr: EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("PARLEY_JWT_SECRET", ""),
		JWTIssuer: EnvString("PARLEY_JWT_ISSUER", ""),

		GateCacheTTL: EnvDuration("PARLEY_GATE_CACHE_TTL", 30*time.Second),

		WSDevInsecure:       EnvBool("PARLEY_WS_DEV_INSECURE", false),
		WSOriginRequired:    EnvBool("PARLEY_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("PARLEY_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSWriteTimeout:      EnvDuration("PARLEY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("PARLEY_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHelloWindow:       EnvDuration("PARLEY_WS_HELLO_WINDOW", 10*time.Second),
		WSSendQueue:         EnvInt("PARLEY_WS_SEND_QUEUE", 256),
		WSHeartbeatInterval: EnvDuration("PARLEY_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout:  EnvDuration("PARLEY_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:        EnvInt("PARLEY_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("PARLEY_WS_RATE_WINDOW", 10*time.Second),

		DevSeed: EnvString("PARLEY_DEV_SEED", ""),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
