package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chat-core/internal/auth"
	"chat-core/internal/client"
	"chat-core/internal/config"
	"chat-core/internal/models"
)

func newConnectCmd(configPath *string) *cobra.Command {
	var (
		userID    int64
		serverURL string
		secret    string
		rooms     []int64
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive console session",
		Long: `Connect to a running server as --user and read commands from stdin:

  /join N          join community room N
  /leave N         leave community room N
  /say N TEXT      send TEXT to room N
  /dm USER TEXT    send a direct message to USER
  /quit            disconnect and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, nil)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Client.ServerURL = serverURL
			}
			token := cfg.Client.Token
			if token == "" && secret != "" {
				if token, err = auth.IssueToken(secret, userID, 24*time.Hour); err != nil {
					return fmt.Errorf("sign token: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsole(ctx, cfg, token, userID, rooms, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to connect as")
	cmd.Flags().StringVar(&serverURL, "server", "", "websocket URL (overrides client.server_url)")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "sign a token locally with this secret (development only)")
	cmd.Flags().Int64SliceVar(&rooms, "room", nil, "rooms to join on connect (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runConsole(ctx context.Context, cfg *config.Config, token string, userID int64, rooms []int64, in io.Reader, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	incoming := color.New(color.FgCyan)
	direct := color.New(color.FgMagenta, color.Bold)
	failure := color.New(color.FgRed)
	status := color.New(color.FgYellow)

	dialer := &client.WebSocketDialer{
		URL:          cfg.Client.ServerURL,
		Token:        token,
		WriteTimeout: cfg.WS.WriteTimeout,
	}
	manager := client.NewConnectionManager(dialer, client.Options{
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
		ReconnectDelay:    cfg.Client.ReconnectDelay,
		Logger:            logger,
		OnStateChange: func(s client.State, err error) {
			if errors.Is(err, client.ErrConnectionUnavailable) {
				failure.Fprintln(out, "connection unavailable, falling back to history only")
				return
			}
			status.Fprintf(out, "[%s]\n", s)
		},
	})

	manager.OnMessage(func(m models.Message) {
		who := m.SenderUsername
		if who == "" {
			who = strconv.FormatInt(m.SenderID, 10)
		}
		at := m.CreatedAt.Local().Format("15:04:05")
		if m.Kind == models.KindDirect {
			direct.Fprintf(out, "%s [dm] %s: %s\n", at, who, m.Content)
			return
		}
		incoming.Fprintf(out, "%s [room %d] %s: %s\n", at, derefID(m.RoomID), who, m.Content)
	})
	manager.OnError(func(p models.ErrorPayload) {
		if p.ReasonCode != "" {
			failure.Fprintf(out, "error %s (%s): %s\n", p.Code, p.ReasonCode, p.Message)
			return
		}
		failure.Fprintf(out, "error %s: %s\n", p.Code, p.Message)
	})
	for _, id := range rooms {
		_ = manager.JoinRoom(id)
	}

	if err := manager.Connect(ctx, userID); err != nil {
		return err
	}
	defer manager.Disconnect()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				failure.Fprintln(out, err)
				continue
			}
			if cmd.name == "quit" {
				return nil
			}
			if err := cmd.apply(manager); err != nil {
				failure.Fprintln(out, err)
			}
		}
	}
}

type consoleCommand struct {
	name string
	id   int64
	text string
}

func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return consoleCommand{}, fmt.Errorf("commands start with /, try /join N")
	}
	name := strings.TrimPrefix(fields[0], "/")

	switch name {
	case "quit":
		return consoleCommand{name: name}, nil
	case "join", "leave":
		if len(fields) != 2 {
			return consoleCommand{}, fmt.Errorf("usage: /%s ROOM_ID", name)
		}
		id, err := parseID(fields[1])
		if err != nil {
			return consoleCommand{}, err
		}
		return consoleCommand{name: name, id: id}, nil
	case "say", "dm":
		if len(fields) < 3 {
			return consoleCommand{}, fmt.Errorf("usage: /%s ID TEXT", name)
		}
		id, err := parseID(fields[1])
		if err != nil {
			return consoleCommand{}, err
		}
		// Keep the text exactly as typed after the id.
		rest := strings.TrimSpace(line)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		rest = strings.TrimSpace(rest[len(fields[1]):])
		return consoleCommand{name: name, id: id, text: rest}, nil
	}
	return consoleCommand{}, fmt.Errorf("unknown command /%s", name)
}

func (c consoleCommand) apply(m *client.ConnectionManager) error {
	switch c.name {
	case "join":
		return m.JoinRoom(c.id)
	case "leave":
		return m.LeaveRoom(c.id)
	case "say":
		return m.SendRoomMessage(c.id, c.text)
	case "dm":
		return m.SendDirectMessage(c.id, c.text)
	}
	return fmt.Errorf("unknown command /%s", c.name)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
