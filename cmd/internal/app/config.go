package app

import (
	"net"
	"strconv"
	"time"

	"github.com/j0rgev0/chat-socket/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string
	// LogFormat is "json" (default) or "pretty".
	LogFormat string

	// StaticIndex is the entry-point document served on GET /.
	StaticIndex string

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

	// How long a disconnected session can be resumed without a history replay.
	RecoveryWindow time.Duration

	Gateway realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is applied first when present.
func LoadConfig() Config {
	LoadDotEnv()

	host := EnvString("CHAT_HTTP_HOST", "0.0.0.0")
	gw := realtime.DefaultGatewayConfig()
	port := EnvInt("PORT", 3000)

	return Config{
		HTTPAddr:  net.JoinHostPort(host, strconv.Itoa(port)),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		StaticIndex: EnvString("CHAT_STATIC_INDEX", "client/index.html"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("DATABASE_URL", ""),
		DBSchema:    EnvString("CHAT_DB_SCHEMA", "public"),
		DBMaxConns:  EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHAT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("CHAT_READINESS_REQUIRE_DB", false),

		RecoveryWindow: EnvDuration("CHAT_RECOVERY_WINDOW", realtime.DefaultRecoveryWindow),

		Gateway: realtime.GatewayConfig{
			OriginRequired: EnvBool("CHAT_WS_ORIGIN_REQUIRED", gw.OriginRequired),
			AllowedOrigins: EnvCSV("CHAT_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
			DevInsecure:    EnvBool("CHAT_WS_DEV_INSECURE", false),

			WriteTimeout:  EnvDuration("CHAT_WS_WRITE_TIMEOUT", gw.WriteTimeout),
			SendQueueSize: EnvInt("CHAT_WS_SEND_QUEUE", gw.SendQueueSize),

			HeartbeatInterval: EnvDuration("CHAT_WS_HEARTBEAT_INTERVAL", gw.HeartbeatInterval),
			HeartbeatTimeout:  EnvDuration("CHAT_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout),
		},
	}
}
