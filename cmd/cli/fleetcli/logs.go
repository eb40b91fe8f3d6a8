package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/core-tools/hsu-fleet/pkg/logstream"
)

var (
	logsAddress string
	logsLines   int
)

var logsCmd = &cobra.Command{
	Use:   "logs <server>",
	Short: "Follow the console output of a server",
	Long: `Follow the console output of a server through the fleet log stream endpoint.

The most recent lines are printed first, then new lines as they arrive.
Restarts of the server are shown inline. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return followLogs(ctx, cmd.OutOrStdout(), logsAddress, args[0], logsLines)
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsAddress, "address", logstream.DefaultConfig().Address, "log stream endpoint of the fleet")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 0, "history lines to print first, 0 uses the fleet default")
	rootCmd.AddCommand(logsCmd)
}

func logsURL(address, server string, lines int) string {
	u := url.URL{Scheme: "ws", Host: address, Path: "/logs/" + server, RawPath: "/logs/" + url.PathEscape(server)}
	if lines > 0 {
		u.RawQuery = url.Values{"lines": []string{strconv.Itoa(lines)}}.Encode()
	}
	return u.String()
}

func followLogs(ctx context.Context, w io.Writer, address, server string, lines int) error {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, logsURL(address, server, lines), nil)
	if err != nil {
		if response != nil {
			return fmt.Errorf("log stream refused: %s", response.Status)
		}
		return fmt.Errorf("failed to connect to log stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var message logstream.Message
		if err := conn.ReadJSON(&message); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Text != "" {
					fmt.Fprintln(w, text.FgHiBlack.Sprint("-- "+closeErr.Text))
				}
				return nil
			}
			return err
		}

		switch message.Type {
		case logstream.MessageTypeEvent:
			fmt.Fprintln(w, text.FgYellow.Sprintf("-- %s: %s", message.ServerID, message.Event))
		default:
			fmt.Fprintln(w, message.Line)
		}
	}
}
