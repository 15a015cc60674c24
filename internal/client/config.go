package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/auth"
	"github.com/hongjun500/chatlink/internal/backoff"
	"github.com/hongjun500/chatlink/internal/heartbeat"
	"github.com/hongjun500/chatlink/internal/queue"
	"github.com/hongjun500/chatlink/internal/transport"
)

const (
	DefaultMaxConsecutiveMisses = 3
	DefaultAuthTimeout          = 10 * time.Second
	DefaultDialTimeout          = 10 * time.Second

	// CloseNormal is used by Disconnect when no code is given.
	CloseNormal = 1000
	// CloseHeartbeatTimeout 心跳连续丢失时本地关闭连接使用的 code
	CloseHeartbeatTimeout = 4000
)

// Config 客户端配置，零值字段使用默认值
type Config struct {
	URL string `validate:"required,url"`

	// TokenProvider enables the auth handshake when set. It is called on
	// every connection attempt.
	TokenProvider auth.TokenProvider

	PingInterval         time.Duration `validate:"gte=0"`
	PongTimeout          time.Duration `validate:"gte=0"`
	MaxConsecutiveMisses int           `validate:"gte=0"`

	BaseDelay            time.Duration `validate:"gte=0"`
	MaxDelay             time.Duration `validate:"gte=0"`
	MaxReconnectAttempts int           `validate:"gte=0"`
	// Jitter shaves up to this fraction off each reconnect delay.
	Jitter float64 `validate:"gte=0,lt=1"`

	AuthTimeout time.Duration `validate:"gte=0"`
	DialTimeout time.Duration `validate:"gte=0"`

	// DrainRate caps queue flushing in messages per second; 0 means unpaced.
	DrainRate float64 `validate:"gte=0"`

	// Codec is only used when no Dialer option is given.
	Codec string `validate:"omitempty,oneof=json protobuf pb proto"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = heartbeat.DefaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = heartbeat.DefaultPongTimeout
	}
	if c.MaxConsecutiveMisses == 0 {
		c.MaxConsecutiveMisses = DefaultMaxConsecutiveMisses
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = backoff.DefaultBase
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = backoff.DefaultMax
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = backoff.DefaultMaxAttempts
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

func (c Config) policy() backoff.Policy {
	return backoff.Policy{
		Base:        c.BaseDelay,
		Max:         c.MaxDelay,
		MaxAttempts: c.MaxReconnectAttempts,
		Jitter:      c.Jitter,
	}
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			errs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("client config: %w", errors.Join(errs...))
		}
		return fmt.Errorf("client config: %w", err)
	}
	if err := c.withDefaults().policy().Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}
	return nil
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialer replaces the WebSocket dialer, mostly for tests.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithStore persists the undelivered queue on Disconnect and restores it on
// Connect.
func WithStore(s queue.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithName labels logs and metrics.
func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}
