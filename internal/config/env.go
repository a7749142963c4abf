package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// applyEnv applies HUDDLE_* overrides on top of the file configuration.
func applyEnv(cfg *AppConfig, getenv func(string) string) error {
	get := func(key string) string {
		return strings.TrimSpace(getenv(EnvPrefix + key))
	}

	var err error
	if v := get("PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, v, err)
		}
	}
	if v := get("ENV"); v != "" {
		cfg.Env = v
	}
	if v := get("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := get("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := get("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := get("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := get("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = normalizeOrigins(strings.Split(v, ","))
	}
	if v := get("LOG_DIR"); v != "" {
		cfg.Paths.Logs = v
	}
	if v := get("PRESENCE_STORE"); v != "" {
		cfg.Presence.Store = v
	}
	if cfg.Presence.HeartbeatTimeout, err = parseDuration(EnvPrefix+"HEARTBEAT_TIMEOUT", get("HEARTBEAT_TIMEOUT"), cfg.Presence.HeartbeatTimeout); err != nil {
		return err
	}
	if cfg.Presence.ReconcileInterval, err = parseDuration(EnvPrefix+"RECONCILE_INTERVAL", get("RECONCILE_INTERVAL"), cfg.Presence.ReconcileInterval); err != nil {
		return err
	}
	if v := get("CLUSTER_BUS"); v != "" {
		cfg.Cluster.Bus = v
	}
	if v := get("NATS_URL"); v != "" {
		cfg.Cluster.NATSURL = v
	}
	if v := get("NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	return nil
}

// defaultNodeID is the hostname, so a restarted process reclaims the presence
// rows it wrote before.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-" + uuid.NewString()[:8]
	}
	return host
}
