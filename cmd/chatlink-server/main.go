// Command chatlink-server runs the loopback realtime server used for local
// development and demos.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hongjun500/chatlink/internal/config"
	"github.com/hongjun500/chatlink/internal/harness"
	"github.com/hongjun500/chatlink/internal/observe"
	"github.com/hongjun500/chatlink/internal/protocol"
	"github.com/hongjun500/chatlink/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		addr        string
		secret      string
		codec       string
		metricsAddr string
		noEcho      bool
	)
	cmd := &cobra.Command{
		Use:           "chatlink-server",
		Short:         "Loopback chatlink WebSocket server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			if changed("addr") {
				cfg.Server.Addr = addr
			}
			if changed("secret") {
				cfg.Server.Secret = secret
			}
			if changed("codec") {
				cfg.Server.Codec = codec
			}
			if changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if noEcho {
				cfg.Server.Echo = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&cfgFile, "config", "c", "", "TOML config file")
	fs.StringVar(&addr, "addr", "", "listen address")
	fs.StringVar(&secret, "secret", "", "require HS256 tokens signed with this secret")
	fs.StringVar(&codec, "codec", "", "wire codec: json|protobuf")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	fs.BoolVar(&noEcho, "no-echo", false, "do not echo messages back")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.SetLevel(cfg.Log.Level)
	defer logger.Sync()
	log := logger.Named("server")

	codec, err := protocol.NewCodec(cfg.Server.Codec)
	if err != nil {
		return err
	}
	srv := harness.New(harness.Options{
		Codec:       codec,
		Path:        cfg.Server.Path,
		Secret:      []byte(cfg.Server.Secret),
		AuthTimeout: cfg.Server.AuthTimeout,
		Echo:        cfg.Server.Echo,
		Logger:      log,
	})

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := observe.StartHTTP(ctx, cfg.Metrics.Addr); err != nil {
				log.Sugar().Errorw("metrics_http_exit", "err", err)
			}
		}()
	}
	return srv.Start(ctx, cfg.Server.Addr)
}
