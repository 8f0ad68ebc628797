package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/config"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/persistence"
)

func TestRuntimeStoresSessionsBeforeClose(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))

	sender := newCollectingSender()
	rt, err := Initialize(context.Background(), Options{
		Override: func(cfg *config.AppConfig) {
			cfg.Device.Host = "esp32.local"
			cfg.Notifications.Enabled = true
		},
		Sender: sender,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	started := time.Now().Add(-time.Second)
	rt.Bus.Publish(connectors.TopicSessionStatus, connectors.SessionStatus{
		Token:      "abc",
		Kind:       connectors.SessionKindFirmware,
		Host:       "esp32.local",
		StartedAt:  started,
		FinishedAt: started.Add(500 * time.Millisecond),
		Planned:    1,
		Succeeded:  1,
		Files: []connectors.TransferOutcome{
			{Token: "abc", Kind: connectors.SessionKindFirmware, File: "firmware.bin", Count: 1, Succeeded: true, StatusCode: 200},
		},
	})
	if got := sender.next(t); got.Title != "Firmware uploaded" {
		t.Fatalf("unexpected notification %+v", got)
	}
	dbFile := rt.Paths.DBFile
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := persistence.Open(context.Background(), dbFile)
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer func() { _ = db.Close() }()

	sessions, err := persistence.NewDeployRepo(db).ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 stored session, got %d", len(sessions))
	}
	if sessions[0].Token != "abc" || len(sessions[0].Files) != 1 || sessions[0].Files[0].Name != "firmware.bin" {
		t.Fatalf("unexpected stored session %+v", sessions[0])
	}
}

func TestRuntimeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	configFile := filepath.Join(t.TempDir(), "espdeploy.json")
	if err := os.WriteFile(configFile, []byte(`{"dashboard":{"path":"ws"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Initialize(context.Background(), Options{ConfigFile: configFile, NoHistory: true, Sender: newCollectingSender()})
	if err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestRuntimeWithoutHistory(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))

	rt, err := Initialize(context.Background(), Options{NoHistory: true, Sender: newCollectingSender()})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer func() { _ = rt.Close() }()

	if _, err := rt.History(context.Background(), 5); err == nil {
		t.Fatalf("expected history to be unavailable")
	}
	if _, err := os.Stat(rt.Paths.DBFile); !os.IsNotExist(err) {
		t.Fatalf("expected no history database, got %v", err)
	}
}

func TestRestartOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Restart
	opts := RestartOptionsFromConfig(cfg)

	if opts.Budget != config.Millis(cfg.BudgetMS) {
		t.Fatalf("expected budget %s, got %s", config.Millis(cfg.BudgetMS), opts.Budget)
	}
	if opts.OfflineAttempts != cfg.OfflineAttempts {
		t.Fatalf("expected %d offline attempts, got %d", cfg.OfflineAttempts, opts.OfflineAttempts)
	}
	if opts.OfflineTimeout != config.Millis(cfg.OfflineProbeTimeoutMS) || opts.OnlineTimeout != config.Millis(cfg.ProbeTimeoutMS) {
		t.Fatalf("unexpected probe timeouts %+v", opts)
	}
}
