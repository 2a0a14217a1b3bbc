// Command line client of the livesync server.
//
//	livesync-cli whoami
//	livesync-cli call docs:create -d '{"title":"Plan"}'
//	livesync-cli watch docs:<id>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tinode/livesync/client"
	"github.com/tinode/livesync/server/store/types"
)

// Set via ldflags during build.
var buildstamp = "dev"

var (
	serverURL string
	token     string
	timeout   time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "livesync-cli",
	Short:         "Command line client of the livesync server",
	Version:       buildstamp,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "ws://localhost:6070/v0/channels", "Websocket endpoint of the server")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("LIVESYNC_TOKEN"), "Security token or JWT (default $LIVESYNC_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "Request timeout")

	callCmd.Flags().StringP("data", "d", "", "Request payload, JSON")

	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(watchCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the identity the server assigned to the connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()
		return printJSON(cmd.OutOrStdout(), conn.AuthInfo())
	},
}

var callCmd = &cobra.Command{
	Use:   "call SERVICE:METHOD",
	Short: "Call a method and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		payload, err := parsePayload(data)
		if err != nil {
			return err
		}

		conn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		var result json.RawMessage
		if err := conn.Call(cmd.Context(), args[0], payload, &result); err != nil {
			return err
		}
		if len(result) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch SERVICE:ID",
	Short: "Print the entity after every change until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, id, err := parseTarget(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		release, err := conn.Observe(ctx, service, id, func(ent types.Entity) {
			if ent == nil {
				fmt.Fprintln(out, "deleted")
				return
			}
			printJSON(out, ent)
		})
		if err != nil {
			return err
		}
		defer release()

		unsubscribed := make(chan struct{}, 1)
		off := conn.On(service+":unsubscribed:"+id, func(json.RawMessage) {
			select {
			case unsubscribed <- struct{}{}:
			default:
			}
		})
		defer off()

		select {
		case <-ctx.Done():
		case <-unsubscribed:
			return errors.New("unsubscribed by the server")
		case <-conn.Done():
			return errors.New("connection closed by the server")
		}
		return nil
	},
}

func connect(ctx context.Context) (*client.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Dial(dialCtx, serverURL, &client.Options{Token: token, Timeout: timeout})
}

// parseTarget splits "service:id". The id may contain colons.
func parseTarget(arg string) (string, string, error) {
	service, id, ok := strings.Cut(arg, ":")
	if !ok || service == "" || id == "" {
		return "", "", errors.New("expected SERVICE:ID, got '" + arg + "'")
	}
	return service, id, nil
}

func parsePayload(data string) (any, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if !json.Valid([]byte(data)) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}
