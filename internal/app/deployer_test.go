package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/device"
	"github.com/skobkin/espdeploy/internal/upload"
)

type scriptedRunner struct {
	mu       sync.Mutex
	requests []upload.Request
	results  map[connectors.SessionKind]upload.Result
}

func (r *scriptedRunner) Run(_ context.Context, req upload.Request) upload.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if res, ok := r.results[req.Kind]; ok {
		res.Kind = req.Kind
		res.Planned = len(req.Files)

		return res
	}

	return upload.Result{Kind: req.Kind, Planned: len(req.Files), Succeeded: len(req.Files)}
}

func deployFixture(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	firmware := filepath.Join(dir, "firmware.bin")
	if err := os.WriteFile(firmware, []byte("image"), 0o600); err != nil {
		t.Fatalf("write firmware: %v", err)
	}
	data := filepath.Join(dir, "data")
	if err := os.MkdirAll(filepath.Join(data, "assets"), 0o750); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	for _, name := range []string{"index.html", "assets/app.js"} {
		if err := os.WriteFile(filepath.Join(data, name), []byte(name), 0o600); err != nil {
			t.Fatalf("write data file: %v", err)
		}
	}

	return firmware, data
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeployRunsFirmwareThenData(t *testing.T) {
	firmware, data := deployFixture(t)
	runner := &scriptedRunner{results: map[connectors.SessionKind]upload.Result{
		connectors.SessionKindFirmware: {Succeeded: 1, Restart: &device.RestartOutcome{Restarted: true}},
	}}

	res, err := NewDeployer(quietLogger(), runner).Deploy(context.Background(), DeployRequest{
		Host:         " esp32.local ",
		Credential:   "pw",
		FirmwarePath: firmware,
		DataDir:      data,
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(runner.requests))
	}
	if runner.requests[0].Kind != connectors.SessionKindFirmware || runner.requests[1].Kind != connectors.SessionKindData {
		t.Fatalf("expected firmware then data, got %s then %s", runner.requests[0].Kind, runner.requests[1].Kind)
	}
	fw := runner.requests[0]
	if fw.Host != "esp32.local" || fw.Credential != "pw" || len(fw.Files) != 1 || fw.Files[0].Name != "firmware.bin" {
		t.Fatalf("unexpected firmware request %+v", fw)
	}
	if got := len(runner.requests[1].Files); got != 2 {
		t.Fatalf("expected 2 data files, got %d", got)
	}
	if res.Deployment() != DeploymentFull {
		t.Fatalf("expected full deployment, got %s", res.Deployment())
	}
	if !res.FirmwareRestarted() {
		t.Fatalf("expected restart to be reported")
	}
}

func TestDeployOutcomes(t *testing.T) {
	firmware, data := deployFixture(t)

	tests := []struct {
		name         string
		firmware     upload.Result
		wantSessions int
		wantDeploy   Deployment
		wantSkipped  bool
	}{
		{
			name:         "firmware transfer failure still uploads data",
			firmware:     upload.Result{Failed: 1},
			wantSessions: 2,
			wantDeploy:   DeploymentPartial,
		},
		{
			name:         "credential rejection skips data",
			firmware:     upload.Result{Failed: 1, Aborted: true},
			wantSessions: 1,
			wantDeploy:   DeploymentNone,
			wantSkipped:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptedRunner{results: map[connectors.SessionKind]upload.Result{
				connectors.SessionKindFirmware: tc.firmware,
			}}
			res, err := NewDeployer(quietLogger(), runner).Deploy(context.Background(), DeployRequest{
				Host:         "esp32.local",
				FirmwarePath: firmware,
				DataDir:      data,
			})
			if err != nil {
				t.Fatalf("deploy: %v", err)
			}
			if len(runner.requests) != tc.wantSessions {
				t.Fatalf("expected %d sessions, got %d", tc.wantSessions, len(runner.requests))
			}
			if res.Deployment() != tc.wantDeploy {
				t.Fatalf("expected %s deployment, got %s", tc.wantDeploy, res.Deployment())
			}
			if (res.DataSkipped != "") != tc.wantSkipped {
				t.Fatalf("unexpected data skip reason %q", res.DataSkipped)
			}
		})
	}
}

func TestDeployEmptyDataDirIsSuccessful(t *testing.T) {
	runner := &scriptedRunner{}
	res, err := NewDeployer(quietLogger(), runner).Deploy(context.Background(), DeployRequest{
		Host:    "esp32.local",
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.Data == nil || res.Data.Planned != 0 {
		t.Fatalf("expected an empty data session, got %+v", res.Data)
	}
	if res.Deployment() != DeploymentFull {
		t.Fatalf("expected full deployment for an empty job, got %s", res.Deployment())
	}
}

func TestDeployValidatesInputsBeforeUploading(t *testing.T) {
	firmware, _ := deployFixture(t)

	tests := []struct {
		name    string
		req     DeployRequest
		wantErr error
	}{
		{name: "missing host", req: DeployRequest{FirmwarePath: firmware}},
		{name: "nothing requested", req: DeployRequest{Host: "esp32.local"}, wantErr: ErrNothingToDeploy},
		{name: "missing firmware", req: DeployRequest{Host: "esp32.local", FirmwarePath: filepath.Join(t.TempDir(), "nope.bin")}, wantErr: os.ErrNotExist},
		{name: "firmware is a directory", req: DeployRequest{Host: "esp32.local", FirmwarePath: t.TempDir()}},
		{name: "missing data dir", req: DeployRequest{Host: "esp32.local", FirmwarePath: firmware, DataDir: filepath.Join(t.TempDir(), "nope")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptedRunner{}
			_, err := NewDeployer(quietLogger(), runner).Deploy(context.Background(), tc.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(runner.requests) != 0 {
				t.Fatalf("expected no sessions on invalid input, got %d", len(runner.requests))
			}
		})
	}
}
