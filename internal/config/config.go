package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at configPath, then applies .env and HUDDLE_*
// overrides. A missing file is only tolerated for the default path, so a
// container can be configured from the environment alone.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DefaultEnvFile, err)
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath:
		content = nil
	default:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg, err := Parse(content, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content, applies overrides read through getenv and
// validates the result.
func Parse(content []byte, getenv func(string) string) (*AppConfig, error) {
	raw := rawAppConfig{}
	if len(bytes.TrimSpace(content)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}

	cfg := defaultAppConfig()
	if err := applyRawAppConfig(&cfg, raw); err != nil {
		return nil, err
	}
	if getenv != nil {
		if err := applyEnv(&cfg, getenv); err != nil {
			return nil, err
		}
	}
	finalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDev reports whether the server runs in development mode.
func (c *AppConfig) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Driver:      defaultDBDriver,
			Host:        defaultDBHost,
			User:        defaultDBUser,
			Password:    defaultDBPassword,
			Name:        defaultDBName,
			Charset:     defaultDBCharset,
			Loc:         defaultDBLoc,
			AutoMigrate: true,
		},
		Redis: RedisRuntimeConfig{
			Host:   defaultRedisHost,
			Port:   defaultRedisPort,
			DB:     defaultRedisDB,
			Prefix: defaultRedisPrefix,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			ReconcileInterval: defaultReconcileInterval,
			OutboxSize:        defaultOutboxSize,
			Store:             defaultPresenceStore,
		},
		Cluster: ClusterConfig{
			Bus:     defaultClusterBus,
			Channel: defaultClusterChannel,
		},
		Chat: ChatConfig{
			MessageRetention: defaultMessageRetention,
			MaxMessageLength: defaultMaxMessageLength,
		},
		RateLimit: defaultRateLimit,
	}
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) error {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = v
	}
	cfg.Database = applyRawDatabaseConfig(cfg.Database, raw)
	cfg.Redis = applyRawRedisConfig(cfg.Redis, raw)

	if v := strings.TrimSpace(raw.JWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	switch {
	case raw.AllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	case raw.CORSAllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.CORSAllowedOrigins)
	}
	if v := strings.TrimSpace(raw.Timezone); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(raw.TZ); v != "" {
		cfg.Timezone = v
	}
	if v := strings.TrimSpace(raw.Paths.Logs); v != "" {
		cfg.Paths.Logs = v
	}
	if v := strings.TrimSpace(raw.LogDir); v != "" {
		cfg.Paths.Logs = v
	}
	if raw.RateLimit != nil {
		cfg.RateLimit = *raw.RateLimit
	}

	var err error
	p := &cfg.Presence
	if p.HeartbeatInterval, err = parseDuration("presence.heartbeat_interval", raw.Presence.HeartbeatInterval, p.HeartbeatInterval); err != nil {
		return err
	}
	if p.HeartbeatTimeout, err = parseDuration("presence.heartbeat_timeout", raw.Presence.HeartbeatTimeout, p.HeartbeatTimeout); err != nil {
		return err
	}
	if p.ReconcileInterval, err = parseDuration("presence.reconcile_interval", raw.Presence.ReconcileInterval, p.ReconcileInterval); err != nil {
		return err
	}
	if raw.Presence.OutboxSize != 0 {
		p.OutboxSize = raw.Presence.OutboxSize
	}
	if v := strings.TrimSpace(raw.Presence.Store); v != "" {
		p.Store = v
	}

	if v := strings.TrimSpace(raw.Cluster.Bus); v != "" {
		cfg.Cluster.Bus = v
	}
	if v := strings.TrimSpace(raw.Cluster.NATSURL); v != "" {
		cfg.Cluster.NATSURL = v
	}
	if v := strings.TrimSpace(raw.Cluster.NodeID); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := strings.TrimSpace(raw.Cluster.Channel); v != "" {
		cfg.Cluster.Channel = v
	}

	if cfg.Chat.MessageRetention, err = parseDuration("chat.message_retention", raw.Chat.MessageRetention, cfg.Chat.MessageRetention); err != nil {
		return err
	}
	if raw.Chat.MaxMessageLength != 0 {
		cfg.Chat.MaxMessageLength = raw.Chat.MaxMessageLength
	}
	return nil
}

func applyRawDatabaseConfig(current DatabaseRuntimeConfig, raw rawAppConfig) DatabaseRuntimeConfig {
	cfg := current
	db := raw.Database

	if v := strings.TrimSpace(db.Driver); v != "" {
		cfg.Driver = v
	}
	for _, v := range []string{db.DSN, db.URL, raw.DSN, raw.DatabaseURL} {
		if v = strings.TrimSpace(v); v != "" {
			cfg.DSN = v
		}
	}
	if v := strings.TrimSpace(db.Host); v != "" {
		cfg.Host = v
	}
	if db.Port != 0 {
		cfg.Port = db.Port
	}
	if v := strings.TrimSpace(db.User); v != "" {
		cfg.User = v
	} else if v := strings.TrimSpace(db.Username); v != "" {
		cfg.User = v
	}
	if v := strings.TrimSpace(db.Password); v != "" {
		cfg.Password = v
	}
	if v := strings.TrimSpace(db.Name); v != "" {
		cfg.Name = v
	} else if v := strings.TrimSpace(db.DBName); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(db.Charset); v != "" {
		cfg.Charset = v
	}
	if v := strings.TrimSpace(db.Loc); v != "" {
		cfg.Loc = v
	}
	if v := strings.TrimSpace(db.SSLMode); v != "" {
		cfg.SSLMode = v
	}
	if db.Params != nil {
		cfg.Params = copyStringMap(db.Params)
	}
	if db.MaxOpenConns != 0 {
		cfg.MaxOpenConns = db.MaxOpenConns
	}
	if db.AutoMigrate != nil {
		cfg.AutoMigrate = *db.AutoMigrate
	}
	return cfg
}

func applyRawRedisConfig(current RedisRuntimeConfig, raw rawAppConfig) RedisRuntimeConfig {
	cfg := current
	r := raw.Redis

	if v := strings.TrimSpace(r.URL); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(raw.RedisURL); v != "" {
		cfg.URL = v
	}
	if v := strings.TrimSpace(r.Host); v != "" {
		cfg.Host = v
	}
	if r.Port != 0 {
		cfg.Port = r.Port
	}
	if v := strings.TrimSpace(r.Username); v != "" {
		cfg.Username = v
	}
	if v := strings.TrimSpace(r.Password); v != "" {
		cfg.Password = v
	}
	if r.DB != nil {
		cfg.DB = *r.DB
	}
	if r.TLS != nil {
		cfg.TLS = *r.TLS
	}
	if v := strings.TrimSpace(r.Prefix); v != "" {
		cfg.Prefix = v
	}
	return cfg
}

func finalize(cfg *AppConfig) {
	cfg.Env = normalizeEnv(cfg.Env)
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.Presence.Store = strings.ToLower(strings.TrimSpace(cfg.Presence.Store))
	cfg.Cluster.Bus = strings.ToLower(strings.TrimSpace(cfg.Cluster.Bus))
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = defaultNodeID()
	}
	if cfg.JWTSecret == "" && cfg.IsDev() {
		cfg.JWTSecret = defaultDevSecret
	}
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
}

func validate(cfg *AppConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", cfg.Port)
	}
	switch cfg.Database.Driver {
	case DriverMySQL, DriverPostgres:
		if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
			return fmt.Errorf("invalid database.port %d, expected 1-65535", cfg.Database.Port)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("invalid database.driver %q, expected mysql, postgres or sqlite", cfg.Database.Driver)
	}
	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis.port %d, expected 1-65535", cfg.Redis.Port)
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", cfg.Redis.DB)
	}
	if len(cfg.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 characters")
	}
	if !cfg.IsDev() && cfg.JWTSecret == defaultDevSecret {
		return fmt.Errorf("jwt_secret must be set outside development")
	}

	p := cfg.Presence
	if p.HeartbeatInterval <= 0 || p.HeartbeatTimeout <= 0 || p.ReconcileInterval <= 0 {
		return fmt.Errorf("presence intervals must be positive")
	}
	if p.HeartbeatTimeout < 2*p.HeartbeatInterval {
		return fmt.Errorf("presence.heartbeat_timeout %s must be at least twice heartbeat_interval %s",
			p.HeartbeatTimeout, p.HeartbeatInterval)
	}
	if p.ReconcileInterval > p.HeartbeatTimeout {
		return fmt.Errorf("presence.reconcile_interval %s must not exceed heartbeat_timeout %s",
			p.ReconcileInterval, p.HeartbeatTimeout)
	}
	if p.OutboxSize < 1 {
		return fmt.Errorf("invalid presence.outbox_size %d, expected >= 1", p.OutboxSize)
	}
	switch p.Store {
	case StoreDatabase, StoreRedis:
	case StoreMemory:
		if cfg.Cluster.Bus != BusNone {
			return fmt.Errorf("presence.store memory cannot be shared, set cluster.bus to none")
		}
	default:
		return fmt.Errorf("invalid presence.store %q, expected database, redis or memory", p.Store)
	}

	switch cfg.Cluster.Bus {
	case BusRedis, BusNone:
	case BusNATS:
		if cfg.Cluster.NATSURL == "" {
			return fmt.Errorf("cluster.nats_url is required when cluster.bus is nats")
		}
	default:
		return fmt.Errorf("invalid cluster.bus %q, expected redis, nats or none", cfg.Cluster.Bus)
	}

	if cfg.Chat.MessageRetention < 0 {
		return fmt.Errorf("chat.message_retention must not be negative")
	}
	if cfg.Chat.MaxMessageLength < 1 {
		return fmt.Errorf("invalid chat.max_message_length %d", cfg.Chat.MaxMessageLength)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("invalid rate_limit %d, expected >= 0", cfg.RateLimit)
	}
	return nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return d, nil
}

// LogDir resolves the log directory against the executable directory.
func (c *AppConfig) LogDir() string {
	return ResolveRuntimePath(c.Paths.Logs, "logs")
}
