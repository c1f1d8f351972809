package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"signal-rpc/auth"
	"signal-rpc/presence"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server answers and print the round trip time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cl, err := dial(cmd, false)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callContext(cmd)
		defer cancel()
		start := time.Now()
		body, err := cl.Call(ctx, presence.KeyPing, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s in %s\n", body, time.Since(start).Round(time.Microsecond))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token for a user",
	Long: `Issue a session token signed with the server's secret. The secret is
read from --secret or SIGNAL_JWT_SECRET.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			secret = os.Getenv("SIGNAL_JWT_SECRET")
		}

		iss, err := auth.NewIssuer(secret, issuer, ttl)
		if err != nil {
			return err
		}
		tok, err := iss.Issue(user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List online users (needs --token)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if token == "" {
			return errors.New("--token is required")
		}
		cl, err := dial(cmd, false)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callContext(cmd)
		defer cancel()
		var out presence.OnlineUsers
		if err := cl.Invoke(ctx, presence.KeyListOnlineUsers, nil, &out); err != nil {
			return err
		}
		for _, u := range out.Users {
			fmt.Fprintln(cmd.OutOrStdout(), u)
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call KEY [BODY]",
	Short: "Issue a tagged call and print the reply payload",
	Long: `Issue a tagged call with a raw body, for example

  signalctl call ListOnlineUsers '{}' --token $TOKEN

With --fire the message is sent untagged and nothing is printed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fire, _ := cmd.Flags().GetBool("fire")
		var body []byte
		if len(args) == 2 {
			body = []byte(args[1])
		}

		cl, err := dial(cmd, false)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callContext(cmd)
		defer cancel()
		if fire {
			return cl.Fire(ctx, args[0], body)
		}
		reply, err := cl.Call(ctx, args[0], body)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(reply))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print presence updates until interrupted (needs --token)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if token == "" {
			return errors.New("--token is required")
		}
		cl, err := dial(cmd, true)
		if err != nil {
			return err
		}
		defer cl.Close()

		updates, unsubscribe := cl.Subscribe(presence.KeyUserConnectionUpdate, 64)
		defer unsubscribe()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-updates:
				if !ok {
					return nil
				}
				var u presence.UserConnectionUpdate
				if err := cl.Decode(n, &u); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "bad update:", err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", u.User, strings.TrimPrefix(u.Message, "User"))
			}
		}
	},
}

func init() {
	tokenCmd.Flags().StringP("user", "u", "", "user name (required)")
	tokenCmd.Flags().String("secret", "", "signing secret")
	tokenCmd.Flags().String("issuer", "signal-rpc", "token issuer")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("user")

	callCmd.Flags().Bool("fire", false, "send untagged, without waiting for a reply")

	rootCmd.AddCommand(pingCmd, tokenCmd, onlineCmd, callCmd, watchCmd)
}
