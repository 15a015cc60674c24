package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hongjun500/chatlink/internal/bus/redisstream"
	"github.com/hongjun500/chatlink/internal/client"
	"github.com/hongjun500/chatlink/internal/command"
	"github.com/hongjun500/chatlink/internal/config"
	"github.com/hongjun500/chatlink/internal/observe"
	"github.com/hongjun500/chatlink/internal/queue"
	"github.com/hongjun500/chatlink/internal/queue/redisstore"
	"github.com/hongjun500/chatlink/internal/queue/sqlitestore"
	"github.com/hongjun500/chatlink/pkg/logger"
)

// loadConfig 读取配置文件/环境变量，再用显式传入的 flag 覆盖
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.cfgFile)
	if err != nil {
		return nil, err
	}
	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.Client.URL = f.url
	}
	if changed("name") {
		cfg.Client.Name = f.name
	}
	if changed("token") {
		cfg.Auth.Token = f.token
	}
	if changed("secret") {
		cfg.Auth.Secret = f.secret
	}
	if changed("codec") {
		cfg.Client.Codec = f.codec
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if changed("store") {
		cfg.Store.Driver = f.storeDriver
	}
	if changed("mirror") {
		cfg.Mirror.Enabled = f.mirror
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type closableStore interface {
	queue.Store
	Close() error
}

func openStore(cfg config.StoreConfig) (closableStore, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		return sqlitestore.Open(cfg.SQLitePath)
	case "redis":
		return redisstore.New(cfg.RedisAddr, cfg.RedisDB, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.SetLevel(cfg.Log.Level)
	defer logger.Sync()
	log := logger.Named("chatlink")

	opts := []client.Option{
		client.WithName(cfg.Client.Name),
		client.WithLogger(logger.Named("client")),
	}
	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		opts = append(opts, client.WithStore(store))
	}

	c, err := client.New(cfg.ClientConfig(), opts...)
	if err != nil {
		return err
	}
	defer c.Disconnect(client.CloseNormal, "bye")

	if cfg.Mirror.Enabled {
		b := redisstream.New(cfg.Mirror.RedisAddr, cfg.Mirror.RedisDB, cfg.Mirror.Stream, "", cfg.Mirror.MaxLen)
		defer b.Close()
		c.On(client.EventAny, b.Mirror(cfg.Client.Name, func(err error) {
			log.Sugar().Warnw("mirror_publish_failed", "stream", cfg.Mirror.Stream, "err", err)
		}))
	}
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := observe.StartHTTP(ctx, cfg.Metrics.Addr); err != nil {
				log.Sugar().Errorw("metrics_http_exit", "err", err)
			}
		}()
	}

	printEvents(c, out)
	reg := command.NewRegistry()
	if err := command.RegisterBuiltins(reg); err != nil {
		return err
	}

	log.Sugar().Infow("client_start", "url", cfg.Client.URL, "codec", cfg.Client.Codec, "store", cfg.Store.Driver)
	c.Connect()
	return repl(ctx, c, reg, in, out, log)
}

// repl 逐行读取输入直到 EOF、/quit 或 ctx 结束
func repl(ctx context.Context, c command.Controller, reg *command.Registry, in io.Reader, out io.Writer, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
			log.Sugar().Warnw("stdin_read_error", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || ctx.Err() != nil {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cctx := &command.Context{Client: c, Out: out, Quit: cancel}
			handled, err := reg.Execute(line, cctx)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			if handled {
				continue
			}
			if _, err := c.Send(line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func printEvents(c *client.Client, out io.Writer) {
	c.On(client.EventState, func(ev client.Event) {
		fmt.Fprintf(out, "* %s -> %s\n", ev.From, ev.State)
	})
	c.On(client.EventMessage, func(ev client.Event) {
		fmt.Fprintf(out, "< %s\n", ev.Payload)
	})
	c.On(client.EventReconnecting, func(ev client.Event) {
		fmt.Fprintf(out, "* reconnecting in %s (attempt %d): %v\n", ev.Delay, ev.Attempt, ev.Err)
	})
	c.On(client.EventFatal, func(ev client.Event) {
		fmt.Fprintf(out, "! %v (use /reconnect to try again)\n", ev.Err)
	})
	c.On(client.EventError, func(ev client.Event) {
		fmt.Fprintf(out, "! %s %v\n", ev.Reason, ev.Err)
	})
	c.On(client.EventClearMessages, func(client.Event) {
		fmt.Fprintln(out, "* messages cleared")
	})
}
