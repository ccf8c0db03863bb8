package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexus-chat/realtime/tools/errs"
	"github.com/nexus-chat/realtime/tools/ids"
)

// Bus selection for the cross-instance relay.
const (
	BusRedis = "redis"
	BusNats  = "nats"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type NatsConfig struct {
	Servers []string `yaml:"servers"`
	Name    string   `yaml:"name"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type PresenceConfig struct {
	// LivenessTTL is the presence key expiry; clients must heartbeat at
	// least every LivenessTTL/3.
	LivenessTTL time.Duration `yaml:"liveness_ttl"`
	TypingTTL   time.Duration `yaml:"typing_ttl"`
}

type OfflineConfig struct {
	Retention time.Duration `yaml:"retention"`
}

type RateLimit struct {
	Max    int64         `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type BroadcastConfig struct {
	Bus     string `yaml:"bus"`     // redis | nats
	Channel string `yaml:"channel"` // shared broadcast channel
}

type AppConfig struct {
	InstanceID string `yaml:"instance_id"` // autogenerated when empty
	NodeID     int64  `yaml:"node_id"`     // snowflake node, 0~1023
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"log_level"`

	Redis     RedisConfig          `yaml:"redis"`
	Nats      NatsConfig           `yaml:"nats"`
	Mongo     MongoConfig          `yaml:"mongo"`
	Presence  PresenceConfig       `yaml:"presence"`
	Offline   OfflineConfig        `yaml:"offline"`
	Broadcast BroadcastConfig      `yaml:"broadcast"`
	Limits    map[string]RateLimit `yaml:"limits"` // operation class -> limit
}

// Default returns the single-node development configuration; production
// deployments overlay it from YAML via Load.
func Default() AppConfig {
	return AppConfig{
		NodeID:   1,
		Port:     8080,
		LogLevel: "debug",
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", DB: 0, PoolSize: 64},
		Nats:     NatsConfig{Servers: []string{"nats://127.0.0.1:4222"}, Name: "realtime-core"},
		Mongo:    MongoConfig{URI: "mongodb://127.0.0.1:27017", Database: "nexus_chat"},
		Presence: PresenceConfig{
			LivenessTTL: 90 * time.Second,
			TypingTTL:   5 * time.Second,
		},
		Offline: OfflineConfig{Retention: 7 * 24 * time.Hour},
		Broadcast: BroadcastConfig{
			Bus:     BusRedis,
			Channel: "ws:broadcast",
		},
		Limits: map[string]RateLimit{
			"message-send":     {Max: 30, Window: 10 * time.Second},
			"typing-indicator": {Max: 5, Window: 10 * time.Second},
			"status-update":    {Max: 2, Window: 10 * time.Second},
		},
	}
}

// Load overlays the defaults with the YAML file at path. An empty path
// returns the defaults untouched.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errs.WrapMsg(err, "parse config", "path", path)
		}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ids.NewInstanceID()
	}
	return cfg, nil
}
