// Command peek tails the Redis stream that chatlink mirrors inbound messages
// into.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hongjun500/chatlink/internal/bus/redisstream"
	"github.com/hongjun500/chatlink/internal/config"
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
		cfgFile  string
		group    string
		consumer string
		maxShow  int
	)
	cmd := &cobra.Command{
		Use:           "peek",
		Short:         "Tail messages mirrored to the chatlink Redis stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if consumer == "" {
				consumer = "peek-" + uuid.NewString()[:8]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := cfg.Mirror
			b := redisstream.New(m.RedisAddr, m.RedisDB, m.Stream, group, 0)
			defer b.Close()
			if err := b.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			logger.Named("peek").Sugar().Infow("peek_start", "stream", m.Stream, "group", group, "consumer", consumer)

			out := cmd.OutOrStdout()
			err = b.Consume(ctx, consumer, func(_ context.Context, msg *redisstream.Message) error {
				printMessage(out, msg, maxShow)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&cfgFile, "config", "c", "", "TOML config file")
	fs.StringVar(&group, "group", "peek", "consumer group")
	fs.StringVar(&consumer, "consumer", "", "consumer name (random by default)")
	fs.IntVar(&maxShow, "max", 200, "truncate payloads longer than this many bytes")
	return cmd
}

func printMessage(w io.Writer, m *redisstream.Message, max int) {
	payload := string(m.Payload)
	switch {
	case len(m.Payload) == 0:
		payload = "<empty>"
	case !utf8.Valid(m.Payload):
		payload = fmt.Sprintf("<%d bytes binary>", len(m.Payload))
	case max > 0 && len(payload) > max:
		payload = payload[:max] + "..."
	}
	fmt.Fprintf(w, "%s [%s] %s %s id=%s\n  %s\n",
		m.When.Format("15:04:05.000"), m.StreamID, m.Client, m.Type, m.ID, payload)
}
