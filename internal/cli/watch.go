package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/device"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		path      string
		types     []string
		send      []string
		noPing    bool
		listenFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected to the device dashboard and print its messages",
		Long: `Watch keeps a WebSocket connection to the device dashboard open with ping/pong
keepalive, reconnecting after failures, and prints every inbound message as
"<type> <json>". Pong replies are consumed by the keepalive and not printed.`,
		Example: `  espdeploy watch --host esp32.local --type status --type log
  espdeploy watch --send '{"type":"get_status"}' --for 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, msg := range send {
				if !json.Valid([]byte(msg)) {
					return withExitCode(ExitUsage, fmt.Errorf("--send value is not valid JSON: %s", msg))
				}
			}

			ctx := cmd.Context()
			if listenFor > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, listenFor)
				defer cancel()
			}

			rt, err := opts.initRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			host, err := requireHost(rt)
			if err != nil {
				return err
			}
			if strings.TrimSpace(path) == "" {
				path = rt.CurrentConfig().Dashboard.Path
			}

			stop := startRenderer(ctx, rt, cmd)
			defer stop()

			printer := &messagePrinter{out: cmd.OutOrStdout()}
			client := rt.NewDashboardClient()
			if len(types) > 0 {
				for _, typ := range types {
					unsubscribe := client.OnMessageType(typ, printer.handler(typ))
					defer unsubscribe()
				}
			} else {
				sub := rt.Bus.Subscribe(connectors.TopicDashboardMessage)
				defer rt.Bus.Unsubscribe(sub, connectors.TopicDashboardMessage)
				go printDashboardMessages(ctx, sub, printer)
			}

			client.Start(ctx)
			client.SetPingPaused(noPing)
			url := dashboardURL(host, path)
			rt.Logger("cli").Info("connecting to dashboard", "url", url)
			if err := client.Connect(url); err != nil {
				return err
			}
			for _, msg := range send {
				if err := client.Send(json.RawMessage(msg)); err != nil {
					return err
				}
			}

			<-client.Done()

			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "dashboard WebSocket path (default dashboard.path)")
	cmd.Flags().StringArrayVarP(&types, "type", "t", nil, "only print messages of this type (repeatable)")
	cmd.Flags().StringArrayVar(&send, "send", nil, "JSON message to send once connected (repeatable)")
	cmd.Flags().BoolVar(&noPing, "no-ping", false, "do not send keepalive pings")
	cmd.Flags().DurationVar(&listenFor, "for", 0, "stop after this long, e.g. 30s")

	return cmd
}

type messagePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *messagePrinter) handler(typ string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		p.print(typ, raw)
	}
}

func (p *messagePrinter) print(typ string, raw json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", colorHeading(typ), strings.TrimSpace(string(raw)))
}

// dashboardURL maps the device host to its WebSocket endpoint; https hosts use wss.
func dashboardURL(host, path string) string {
	base := device.BaseURL(host)
	switch {
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return base + path
}

// printDashboardMessages prints bus dashboard messages until ctx ends or sub is closed.
func printDashboardMessages(ctx context.Context, sub bus.Subscription, printer *messagePrinter) {
	bus.Listen(ctx, sub, func(msg connectors.DashboardMessage) {
		printer.print(msg.Type, msg.Raw)
	})
}
