package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	DataAPIURL string
	ClobAPIURL string
	WSURL      string

	FollowerAddress string
	SourceAddresses []string

	PushEnabled  bool
	PollInterval time.Duration

	DedupTTL         time.Duration
	StaleEventMaxAge time.Duration
	SnapshotInterval time.Duration
	BalanceCacheTTL  time.Duration

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string

	HTTPAddr string

	DryRun   bool
	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPLICATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data-api-url", "https://data-api.polymarket.com")
	v.SetDefault("clob-api-url", "https://clob.polymarket.com")
	v.SetDefault("ws-url", "wss://ws-live-data.polymarket.com")
	v.SetDefault("push-enabled", true)
	v.SetDefault("poll-interval", 30*time.Second)
	v.SetDefault("dedup-ttl", 24*time.Hour)
	v.SetDefault("stale-event-max-age", 10*time.Minute)
	v.SetDefault("snapshot-interval", time.Minute)
	v.SetDefault("balance-cache-ttl", 30*time.Second)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("http-addr", "localhost:8080")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		DataAPIURL:       v.GetString("data-api-url"),
		ClobAPIURL:       v.GetString("clob-api-url"),
		WSURL:            v.GetString("ws-url"),
		FollowerAddress:  v.GetString("follower-address"),
		SourceAddresses:  getStringSlice(v, "source-address"),
		PushEnabled:      v.GetBool("push-enabled"),
		PollInterval:     v.GetDuration("poll-interval"),
		DedupTTL:         v.GetDuration("dedup-ttl"),
		StaleEventMaxAge: v.GetDuration("stale-event-max-age"),
		SnapshotInterval: v.GetDuration("snapshot-interval"),
		BalanceCacheTTL:  v.GetDuration("balance-cache-ttl"),
		DatabaseDSN:      v.GetString("database-dsn"),
		RedisAddr:        v.GetString("redis-addr"),
		RedisPassword:    v.GetString("redis-password"),
		HTTPAddr:         v.GetString("http-addr"),
		DryRun:           v.GetBool("dry-run"),
		LogLevel:         v.GetString("log-level"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll-interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("dedup-ttl must be positive, got %s", c.DedupTTL)
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
