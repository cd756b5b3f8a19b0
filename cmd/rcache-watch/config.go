package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// config is the rcache-watch configuration. Every key can be overridden
// with an RCACHE_ environment variable, dots replaced by underscores, e.g.
// RCACHE_ORIGIN_BASE_URL.
type config struct {
	Listen             string        `mapstructure:"listen"`
	Origin             originConfig  `mapstructure:"origin"`
	Resources          []string      `mapstructure:"resources"`
	RevalidateInterval time.Duration `mapstructure:"revalidate_interval"`
	RevalidateOnRead   bool          `mapstructure:"revalidate_on_read"`
	Log                logConfig     `mapstructure:"log"`
	Redis              redisConfig   `mapstructure:"redis"`
	NATS               natsConfig    `mapstructure:"nats"`
	Kafka              kafkaConfig   `mapstructure:"kafka"`
	Tracing            bool          `mapstructure:"tracing"`
}

type originConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type logConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// redisConfig enables Redis event streaming. SyncHints additionally shares
// change hints over Redis Pub/Sub when neither NATS nor Kafka is configured.
type redisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	SyncHints bool   `mapstructure:"sync_hints"`
}

type natsConfig struct {
	URL string `mapstructure:"url"`
}

// kafkaConfig shares change hints over Kafka when no NATS URL is set.
type kafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("origin.base_url", "")
	v.SetDefault("origin.timeout", "10s")
	v.SetDefault("resources", []string{})
	v.SetDefault("revalidate_interval", "30s")
	v.SetDefault("revalidate_on_read", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.sync_hints", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "rcache.changed")
	v.SetDefault("tracing", false)
}

// loadConfig reads path, when set, on top of the defaults and the
// environment.
func loadConfig(path string) (*config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Origin.BaseURL == "" {
		return nil, errors.New("origin.base_url is required")
	}
	return &cfg, nil
}
