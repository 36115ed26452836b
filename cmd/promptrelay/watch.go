package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agent-command/promptrelay/internal/logging"
	"github.com/agent-command/promptrelay/internal/store"
	"github.com/agent-command/promptrelay/internal/ws"
)

func newWatchCmd() *cobra.Command {
	var (
		url      string
		key      string
		caFile   string
		asJSON   bool
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a room's permission requests live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("PROMPTRELAY_ROOM_KEY")
			}
			if !store.ValidRoomKey(key) {
				return errors.New("a room key of 8-128 characters is required (--key or PROMPTRELAY_ROOM_KEY)")
			}

			client := ws.NewClient(url, key, ws.DefaultBackoff)
			client.SetLogger(logging.New(logLevel, true))
			if caFile != "" {
				dialer, err := dialerWithCA(caFile)
				if err != nil {
					return err
				}
				client.SetDialer(dialer)
			}

			out := cmd.OutOrStdout()
			client.SetOnConnect(func() {
				fmt.Fprintf(out, "connected to %s\n", url)
			})
			client.SetUpdateHandler(func(u ws.Update) {
				if asJSON {
					_ = json.NewEncoder(out).Encode(u)
					return
				}
				printUpdate(out, u)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := client.Run(ctx)
			if errors.Is(err, ws.ErrUnauthorized) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:3939/ws", "relay WebSocket URL")
	cmd.Flags().StringVar(&key, "key", "", "room key (default $PROMPTRELAY_ROOM_KEY)")
	cmd.Flags().StringVar(&caFile, "ca", "", "trust this CA certificate for wss:// URLs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw update messages")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}

func dialerWithCA(path string) (*websocket.Dialer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%s: no certificates found", path)
	}
	return &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}, nil
}

func printUpdate(w io.Writer, u ws.Update) {
	pending := 0
	for _, r := range u.Requests {
		if r.Response == nil {
			pending++
		}
	}
	fmt.Fprintf(w, "[%s] %d requests, %d pending\n", time.Now().Format("15:04:05"), len(u.Requests), pending)
	for _, r := range u.Requests {
		state := store.StatePending
		if r.Response != nil {
			state = *r.Response
		}
		line, _, _ := strings.Cut(r.Message, "\n")
		fmt.Fprintf(w, "  %-9s %-10s %-12s %s\n", state, logging.Truncate(r.ID, 10), r.ToolName, line)
		if r.Response == nil && len(r.Choices) > 0 {
			opts := make([]string, len(r.Choices))
			for i, c := range r.Choices {
				opts[i] = fmt.Sprintf("%d.%s", c.Number, c.Text)
			}
			fmt.Fprintf(w, "            %s\n", strings.Join(opts, " | "))
		}
	}
}
