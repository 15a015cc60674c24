// Command chatlink is an interactive client: plain lines are sent as
// messages, lines starting with "/" are commands (see /help).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type flags struct {
	cfgFile     string
	url         string
	name        string
	token       string
	secret      string
	codec       string
	metricsAddr string
	storeDriver string
	mirror      bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "chatlink",
		Short:         "Resilient realtime messaging client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.cfgFile, "config", "c", "", "TOML config file")
	fs.StringVar(&f.url, "url", "", "server WebSocket URL")
	fs.StringVar(&f.name, "name", "", "client name used in logs and metrics")
	fs.StringVar(&f.token, "token", "", "static auth token")
	fs.StringVar(&f.secret, "secret", "", "HS256 secret to mint auth tokens")
	fs.StringVar(&f.codec, "codec", "", "wire codec: json|protobuf")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	fs.StringVar(&f.storeDriver, "store", "", "persist undelivered messages: sqlite|redis")
	fs.BoolVar(&f.mirror, "mirror", false, "mirror inbound messages to a Redis stream")
	return cmd
}
