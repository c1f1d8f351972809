// Command signald runs a signaling server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signal-rpc/config"
	"signal-rpc/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "signald",
	Short: "signald - signaling RPC server",
	Long: `signald accepts signaling connections, answers presence calls
(ping, Login, Logout, ListOnlineUsers) and pushes UserConnectionUpdate
notifications to connected peers.

Settings come from the TOML file given with --config, then .env, then
SIGNAL_* environment variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	},
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		a.closeBackends()
		return err
	}
	var adminLn net.Listener
	if cfg.Admin.Listen != "" {
		if adminLn, err = net.Listen("tcp", cfg.Admin.Listen); err != nil {
			ln.Close()
			a.closeBackends()
			return err
		}
	}

	log.Info("signald starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("codec", cfg.Server.Codec),
		zap.String("registry", cfg.Registry.Backend),
		zap.String("presence", cfg.Presence.Backend))
	err = a.serve(ctx, ln, adminLn)
	log.Info("signald stopped", zap.Error(err))
	return err
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to a TOML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
