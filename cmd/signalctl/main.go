// Command signalctl talks to a signaling server from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signal-rpc/client"
	"signal-rpc/codec"
	"signal-rpc/loadbalance"
	"signal-rpc/presence"
	"signal-rpc/registry"
	"signal-rpc/transport"
)

// global flags
var (
	addr      string
	endpoints string // etcd endpoints; when set the server is discovered
	service   string
	balancer  string
	codecName string
	token     string
	timeout   time.Duration
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "signalctl",
	Short: "signalctl - signaling RPC command line client",
	Long: `signalctl connects to a signaling server, either directly with --addr
or through etcd discovery with --etcd, and issues calls on it.

Commands that need a logged-in session take --token; create one with
"signalctl token".`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&addr, "addr", "a", "127.0.0.1:7400", "server address")
	pf.StringVar(&endpoints, "etcd", "", "comma separated etcd endpoints for discovery")
	pf.StringVar(&service, "service", "signal", "service name to discover")
	pf.StringVar(&balancer, "balancer", "round_robin", "round_robin, weighted_random or consistent_hash")
	pf.StringVar(&codecName, "codec", "json", "payload codec")
	pf.StringVarP(&token, "token", "t", os.Getenv("SIGNAL_TOKEN"), "session token for Login")
	pf.DurationVar(&timeout, "timeout", 5*time.Second, "per call timeout")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log transport events to stderr")
}

// dial builds a client from the global flags. With a token it logs in on
// every (re)connect.
func dial(cmd *cobra.Command, reconnect bool) (*client.Client, error) {
	c, err := codec.ByName(codecName)
	if err != nil {
		return nil, err
	}
	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	topts := transport.DefaultOptions()
	topts.CallTimeout = timeout
	opts := client.Options{
		Addr:      addr,
		Codec:     c,
		Transport: topts,
		Reconnect: reconnect,
		Logger:    log,
	}

	if endpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), timeout, log)
		if err != nil {
			return nil, err
		}
		bal, err := loadbalance.New(balancer)
		if err != nil {
			reg.Close()
			return nil, err
		}
		opts.Registry = reg
		opts.Service = service
		opts.Balancer = bal
		cobra.OnFinalize(func() { reg.Close() })
	}

	if token != "" {
		opts.OnConnect = func(ctx context.Context, s *transport.Session) {
			body, err := c.Encode(presence.LoginArgs{Token: token})
			if err == nil {
				_, err = s.Call(ctx, presence.KeyLogin, body)
			}
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "login failed:", err)
			}
		}
	}

	cl, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if _, err := cl.Session(ctx); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

func callContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
