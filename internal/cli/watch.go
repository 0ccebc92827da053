package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/prudhvinik1/orderrelay/internal/models"
)

type WatchOptions struct {
	URL         string
	Token       string
	DialTimeout time.Duration
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream order changes from a relay",
		Long: `Connect to the relay's WebSocket endpoint and print every message.

The first message summarises the current orders; after that each change is
printed as it arrives. Stops on Ctrl-C or when the relay closes the stream.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, rootOpts.Format, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.URL, "url", "u", "ws://localhost:8080/ws", "relay WebSocket URL")
	cmd.Flags().StringVarP(&opts.Token, "token", "t", "", "subscriber token, if the relay requires one")
	cmd.Flags().DurationVar(&opts.DialTimeout, "dial-timeout", 10*time.Second, "connection timeout")

	return cmd
}

type wireMessage struct {
	Type models.MessageType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

func runWatch(ctx context.Context, opts *WatchOptions, format string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %s", opts.URL, resp.Status)
		}
		return fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the command is interrupted.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if format == "text" {
		fmt.Fprintf(out, "Connected to %s\n", opts.URL)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		if format == "json" {
			fmt.Fprintf(out, "%s\n", raw)
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			fmt.Fprintf(out, "Unreadable message: %v\n", err)
			continue
		}
		if err := renderMessage(out, msg); err != nil {
			fmt.Fprintf(out, "Unreadable %s message: %v\n", msg.Type, err)
		}
	}
}

func renderMessage(out io.Writer, msg wireMessage) error {
	switch msg.Type {
	case models.MessageInitialData:
		var orders []models.Order
		if err := json.Unmarshal(msg.Data, &orders); err != nil {
			return err
		}
		fmt.Fprintf(out, "Received %d orders\n", len(orders))
		renderCounts(out, orders)

	case models.MessageOrderUpdate:
		var update models.OrderUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			return err
		}
		fmt.Fprintf(out, "[%s] Order #%d\n", update.Operation, update.ID)
		fmt.Fprintf(out, "   Customer: %s\n", update.CustomerName)
		fmt.Fprintf(out, "   Product:  %s\n", update.ProductName)
		fmt.Fprintf(out, "   Status:   %s\n", update.Status)
		fmt.Fprintf(out, "   Updated:  %s\n", update.UpdatedAt.UTC().Format(time.DateTime))

	case models.MessageOrdersRefresh:
		var orders []models.Order
		if err := json.Unmarshal(msg.Data, &orders); err != nil {
			return err
		}
		fmt.Fprintf(out, "Orders refreshed: %d orders\n", len(orders))
		renderCounts(out, orders)

	default:
		return errors.New("unknown message type")
	}
	return nil
}

func renderCounts(out io.Writer, orders []models.Order) {
	counts := map[models.OrderStatus]int{}
	for _, o := range orders {
		counts[o.Status]++
	}
	for _, s := range []models.OrderStatus{models.StatusPending, models.StatusShipped, models.StatusDelivered} {
		fmt.Fprintf(out, "   %-9s %d\n", s+":", counts[s])
	}
}
