package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
)

func TestPrintDashboardMessagesStopsWhenSubscriptionCloses(t *testing.T) {
	var out bytes.Buffer
	printer := &messagePrinter{out: &out}

	sub := make(bus.Subscription, 2)
	sub <- connectors.DashboardMessage{Type: "telemetry", Raw: json.RawMessage(`{"type":"telemetry","rpm":1200}`)}
	sub <- "not a dashboard message"
	close(sub)

	done := make(chan struct{})
	go func() {
		printDashboardMessages(context.Background(), sub, printer)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("printer did not stop after the subscription closed")
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one printed line, got %q", out.String())
	}
	if !strings.Contains(lines[0], "telemetry") || !strings.Contains(lines[0], `"rpm":1200`) {
		t.Fatalf("expected telemetry line, got %q", lines[0])
	}
}
