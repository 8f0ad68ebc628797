package domain

import (
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/connectors"
)

func TestSessionFromStatus(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	status := connectors.SessionStatus{
		Token:      "abcd",
		Kind:       connectors.SessionKindFirmware,
		Host:       "esp32.local",
		StartedAt:  started,
		FinishedAt: started.Add(40 * time.Second),
		Planned:    1,
		Succeeded:  1,
		Files: []connectors.TransferOutcome{
			{File: "firmware.bin", Index: 1, Count: 1, Succeeded: true, StatusCode: 200},
		},
		Restart: &connectors.RestartStatus{Restarted: true, SawOffline: true, Attempts: 7, Elapsed: 12 * time.Second, Total: 15 * time.Second},
	}

	s := SessionFromStatus(status)
	if s.Token != "abcd" || s.Host != "esp32.local" || s.Planned != 1 {
		t.Fatalf("unexpected session header %+v", s)
	}
	if len(s.Files) != 1 || s.Files[0].Name != "firmware.bin" || s.Files[0].StatusCode != 200 {
		t.Fatalf("unexpected files %+v", s.Files)
	}
	if s.Restart == nil || !s.Restart.Restarted || s.Restart.Elapsed != 12*time.Second || s.Restart.Total != 15*time.Second {
		t.Fatalf("unexpected restart record %+v", s.Restart)
	}
	if s.Duration() != 40*time.Second {
		t.Fatalf("expected 40s duration, got %s", s.Duration())
	}
}

func TestDeploySessionOutcome(t *testing.T) {
	tests := []struct {
		name    string
		session DeploySession
		want    DeployOutcome
	}{
		{name: "empty", session: DeploySession{}, want: DeployOutcomeEmpty},
		{name: "complete", session: DeploySession{Planned: 3, Succeeded: 3}, want: DeployOutcomeComplete},
		{name: "partial", session: DeploySession{Planned: 3, Succeeded: 2, Failed: 1}, want: DeployOutcomePartial},
		{name: "failed", session: DeploySession{Planned: 2, Failed: 2}, want: DeployOutcomeFailed},
		{name: "aborted", session: DeploySession{Planned: 3, Succeeded: 1, Failed: 1, Aborted: true}, want: DeployOutcomeAborted},
		{name: "cancelled midway", session: DeploySession{Planned: 3, Succeeded: 1, ErrorText: "context canceled"}, want: DeployOutcomePartial},
		{name: "cancelled before start", session: DeploySession{Planned: 3, ErrorText: "context canceled"}, want: DeployOutcomeFailed},
	}

	for _, tc := range tests {
		if got := tc.session.Outcome(); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
