package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	// DefaultEnvFile is loaded before the YAML file when present.
	DefaultEnvFile = ".env"
	// EnvPrefix namespaces every environment override.
	EnvPrefix = "HUDDLE_"

	defaultPort        = 2333
	defaultEnv         = "development"
	defaultDBDriver    = DriverMySQL
	defaultDBHost      = "127.0.0.1"
	defaultDBUser      = "root"
	defaultDBPassword  = "password"
	defaultDBName      = "huddle"
	defaultDBCharset   = "utf8mb4"
	defaultDBLoc       = "Local"
	defaultRedisHost   = "localhost"
	defaultRedisPort   = 6379
	defaultRedisDB     = 0
	defaultRedisPrefix = "huddle"
	defaultDevSecret   = "huddle-dev-secret-change-me"

	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultReconcileInterval = 10 * time.Second
	defaultOutboxSize        = 64
	defaultPresenceStore     = StoreDatabase

	defaultClusterBus     = BusRedis
	defaultClusterChannel = "huddle:chat"

	defaultMessageRetention = 0
	defaultMaxMessageLength = 4000
	defaultRateLimit        = 50
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	StoreDatabase = "database"
	StoreRedis    = "redis"
	StoreMemory   = "memory"

	BusRedis = "redis"
	BusNATS  = "nats"
	BusNone  = "none"
)

var defaultDBPorts = map[string]int{
	DriverMySQL:    3306,
	DriverPostgres: 5432,
}
