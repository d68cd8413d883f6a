package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chat-core/internal/auth"
	"chat-core/internal/config"
)

const serviceName = "chat-core"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chat-core",
		Short: "Real-time room and direct messaging service",
		Long: `chat-core fans out community room messages and privacy-gated direct
messages to connected websocket clients.

Commands:
  serve    run the websocket, history and ops servers
  connect  open an interactive console session against a running server
  token    sign a development token for a user id`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default ./chat.yaml)")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newConnectCmd(&configPath))
	rootCmd.AddCommand(newTokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Sign a token with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := config.Load(*configPath, nil)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				color.Yellow("auth.jwt_secret is empty: the server trusts X-User-ID and needs no token")
				return nil
			}
			token, err := auth.IssueToken(cfg.Auth.JWTSecret, userID, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
