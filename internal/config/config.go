// Package config loads chatlink settings: defaults, then an optional TOML
// file, then CHATLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/client"
)

// EnvPrefix 环境变量前缀；双下划线保留字面下划线，单下划线表示层级
// 例如 CHATLINK_CLIENT_PING__INTERVAL=5s -> client.ping_interval
const EnvPrefix = "CHATLINK_"

type Config struct {
	Client  ClientConfig  `koanf:"client"`
	Auth    AuthConfig    `koanf:"auth"`
	Store   StoreConfig   `koanf:"store"`
	Mirror  MirrorConfig  `koanf:"mirror"`
	Server  ServerConfig  `koanf:"server"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

type ClientConfig struct {
	URL                  string        `koanf:"url" validate:"required,url"`
	Name                 string        `koanf:"name" validate:"required"`
	Codec                string        `koanf:"codec" validate:"omitempty,oneof=json protobuf pb proto"`
	PingInterval         time.Duration `koanf:"ping_interval" validate:"gte=0"`
	PongTimeout          time.Duration `koanf:"pong_timeout" validate:"gte=0"`
	MaxConsecutiveMisses int           `koanf:"max_consecutive_misses" validate:"gte=0"`
	BaseDelay            time.Duration `koanf:"base_delay" validate:"gte=0"`
	MaxDelay             time.Duration `koanf:"max_delay" validate:"gte=0"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts" validate:"gte=0"`
	Jitter               float64       `koanf:"jitter" validate:"gte=0,lt=1"`
	AuthTimeout          time.Duration `koanf:"auth_timeout" validate:"gte=0"`
	DialTimeout          time.Duration `koanf:"dial_timeout" validate:"gte=0"`
	DrainRate            float64       `koanf:"drain_rate" validate:"gte=0"`
}

// AuthConfig: Secret mints a fresh HS256 token per connection attempt and
// wins over a static Token.
type AuthConfig struct {
	Token   string        `koanf:"token"`
	Secret  string        `koanf:"secret"`
	Subject string        `koanf:"subject"`
	TTL     time.Duration `koanf:"ttl" validate:"gte=0"`
}

type StoreConfig struct {
	Driver     string `koanf:"driver" validate:"omitempty,oneof=sqlite redis"`
	SQLitePath string `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	RedisAddr  string `koanf:"redis_addr" validate:"required_if=Driver redis"`
	RedisDB    int    `koanf:"redis_db" validate:"gte=0"`
	RedisKey   string `koanf:"redis_key"`
}

// MirrorConfig 入站消息镜像到 Redis Stream
type MirrorConfig struct {
	Enabled   bool   `koanf:"enabled"`
	RedisAddr string `koanf:"redis_addr" validate:"required_if=Enabled true"`
	RedisDB   int    `koanf:"redis_db" validate:"gte=0"`
	Stream    string `koanf:"stream" validate:"required_if=Enabled true"`
	MaxLen    int64  `koanf:"max_len" validate:"gte=0"`
}

type ServerConfig struct {
	Addr        string        `koanf:"addr" validate:"required"`
	Path        string        `koanf:"path" validate:"required,startswith=/"`
	Codec       string        `koanf:"codec" validate:"omitempty,oneof=json protobuf pb proto"`
	Secret      string        `koanf:"secret"`
	Echo        bool          `koanf:"echo"`
	AuthTimeout time.Duration `koanf:"auth_timeout" validate:"gte=0"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the metrics listener
}

type LogConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Default() *Config {
	return &Config{
		Client: ClientConfig{
			URL:                  "ws://127.0.0.1:8080/ws",
			Name:                 "chatlink",
			Codec:                "json",
			PingInterval:         15 * time.Second,
			PongTimeout:          10 * time.Second,
			MaxConsecutiveMisses: client.DefaultMaxConsecutiveMisses,
			BaseDelay:            time.Second,
			MaxDelay:             30 * time.Second,
			MaxReconnectAttempts: 5,
			AuthTimeout:          client.DefaultAuthTimeout,
			DialTimeout:          client.DefaultDialTimeout,
		},
		Auth: AuthConfig{
			Subject: "chatlink",
			TTL:     5 * time.Minute,
		},
		Store: StoreConfig{
			SQLitePath: "chatlink.db",
			RedisAddr:  "127.0.0.1:6379",
			RedisKey:   "chatlink:outbound",
		},
		Mirror: MirrorConfig{
			RedisAddr: "127.0.0.1:6379",
			Stream:    "chatlink:inbound",
			MaxLen:    10000,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			Path:        "/ws",
			Codec:       "json",
			Echo:        true,
			AuthTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load merges defaults, the TOML file at path (skipped when empty) and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(errs...)
}

// TokenProvider returns nil when no credentials are configured.
func (c *Config) TokenProvider() auth.TokenProvider {
	switch {
	case c.Auth.Secret != "":
		return auth.HS256{
			Secret:  []byte(c.Auth.Secret),
			Subject: c.Auth.Subject,
			Issuer:  "chatlink",
			TTL:     c.Auth.TTL,
		}.Provider()
	case c.Auth.Token != "":
		return auth.Static(c.Auth.Token)
	}
	return nil
}

// ClientConfig 转换为 client.Config
func (c *Config) ClientConfig() client.Config {
	cc := c.Client
	return client.Config{
		URL:                  cc.URL,
		TokenProvider:        c.TokenProvider(),
		PingInterval:         cc.PingInterval,
		PongTimeout:          cc.PongTimeout,
		MaxConsecutiveMisses: cc.MaxConsecutiveMisses,
		BaseDelay:            cc.BaseDelay,
		MaxDelay:             cc.MaxDelay,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		Jitter:               cc.Jitter,
		AuthTimeout:          cc.AuthTimeout,
		DialTimeout:          cc.DialTimeout,
		DrainRate:            cc.DrainRate,
		Codec:                cc.Codec,
	}
}
