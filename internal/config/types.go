package config

import "time"

// AppConfig holds runtime startup configuration loaded from YAML, .env and
// HUDDLE_* environment variables, in that order of precedence (last wins).
type AppConfig struct {
	Port           int                   `yaml:"port"`
	Env            string                `yaml:"env"` // "development" | "production"
	DSN            string                `yaml:"-"`   // resolved from Database
	RedisURL       string                `yaml:"-"`   // resolved from Redis
	Database       DatabaseRuntimeConfig `yaml:"database"`
	Redis          RedisRuntimeConfig    `yaml:"redis"`
	JWTSecret      string                `yaml:"jwt_secret"`
	AllowedOrigins []string              `yaml:"allowed_origins"`
	Timezone       string                `yaml:"timezone"`
	Paths          RuntimePathsConfig    `yaml:"paths"`
	Presence       PresenceConfig        `yaml:"presence"`
	Cluster        ClusterConfig         `yaml:"cluster"`
	Chat           ChatConfig            `yaml:"chat"`
	RateLimit      int                   `yaml:"rate_limit"` // anonymous requests per second per IP
}

type DatabaseRuntimeConfig struct {
	Driver       string            `yaml:"driver"`
	DSN          string            `yaml:"dsn"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port"`
	User         string            `yaml:"user"`
	Password     string            `yaml:"password"`
	Name         string            `yaml:"name"`
	Charset      string            `yaml:"charset"`
	Loc          string            `yaml:"loc"`
	SSLMode      string            `yaml:"ssl_mode"`
	Params       map[string]string `yaml:"params"`
	MaxOpenConns int               `yaml:"max_open_conns"`
	AutoMigrate  bool              `yaml:"auto_migrate"`
}

type RedisRuntimeConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
	Prefix   string `yaml:"prefix"`
}

type RuntimePathsConfig struct {
	Logs string `yaml:"logs"`
}

// PresenceConfig tunes liveness detection.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // advertised to clients
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	OutboxSize        int           `yaml:"outbox_size"`
	Store             string        `yaml:"store"` // "database" | "redis" | "memory"
}

// ClusterConfig selects how chat messages reach sockets on other nodes.
type ClusterConfig struct {
	Bus     string `yaml:"bus"` // "redis" | "nats" | "none"
	NATSURL string `yaml:"nats_url"`
	NodeID  string `yaml:"node_id"`
	Channel string `yaml:"channel"`
}

type ChatConfig struct {
	MessageRetention time.Duration `yaml:"message_retention"` // 0 keeps messages forever
	MaxMessageLength int           `yaml:"max_message_length"`
}

type rawAppConfig struct {
	Port               int               `yaml:"port"`
	Env                string            `yaml:"env"`
	DSN                string            `yaml:"dsn"`
	DatabaseURL        string            `yaml:"database_url"`
	RedisURL           string            `yaml:"redis_url"`
	Database           rawDatabaseConfig `yaml:"database"`
	Redis              rawRedisConfig    `yaml:"redis"`
	JWTSecret          string            `yaml:"jwt_secret"`
	AllowedOrigins     []string          `yaml:"allowed_origins"`
	CORSAllowedOrigins []string          `yaml:"cors_allowed_origins"`
	Timezone           string            `yaml:"timezone"`
	TZ                 string            `yaml:"tz"`
	Paths              rawPathsConfig    `yaml:"paths"`
	LogDir             string            `yaml:"log_dir"`
	Presence           rawPresenceConfig `yaml:"presence"`
	Cluster            rawClusterConfig  `yaml:"cluster"`
	Chat               rawChatConfig     `yaml:"chat"`
	RateLimit          *int              `yaml:"rate_limit"`
}

type rawDatabaseConfig struct {
	Driver       string            `yaml:"driver"`
	DSN          string            `yaml:"dsn"`
	URL          string            `yaml:"url"`
	Host         string            `yaml:"host"`
	Port         int               `yaml:"port"`
	User         string            `yaml:"user"`
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password"`
	Name         string            `yaml:"name"`
	DBName       string            `yaml:"db_name"`
	Charset      string            `yaml:"charset"`
	Loc          string            `yaml:"loc"`
	SSLMode      string            `yaml:"ssl_mode"`
	Params       map[string]string `yaml:"params"`
	MaxOpenConns int               `yaml:"max_open_conns"`
	AutoMigrate  *bool             `yaml:"auto_migrate"`
}

type rawRedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       *int   `yaml:"db"`
	TLS      *bool  `yaml:"tls"`
	Prefix   string `yaml:"prefix"`
}

type rawPathsConfig struct {
	Logs string `yaml:"logs"`
}

type rawPresenceConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	OutboxSize        int    `yaml:"outbox_size"`
	Store             string `yaml:"store"`
}

type rawClusterConfig struct {
	Bus     string `yaml:"bus"`
	NATSURL string `yaml:"nats_url"`
	NodeID  string `yaml:"node_id"`
	Channel string `yaml:"channel"`
}

type rawChatConfig struct {
	MessageRetention string `yaml:"message_retention"`
	MaxMessageLength int    `yaml:"max_message_length"`
}
