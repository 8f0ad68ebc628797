package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/domain"
)

func TestDeployRepoSaveAndListRecent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := NewDeployRepo(db)
	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	firmware := domain.DeploySession{
		Token:             "0011223344556677",
		Kind:              connectors.SessionKindFirmware,
		Host:              "esp32.local",
		StartedAt:         started,
		FinishedAt:        started.Add(30 * time.Second),
		Planned:           1,
		Succeeded:         1,
		ProgressAvailable: true,
		Files:             []domain.DeployFile{{Index: 1, Name: "firmware.bin", Succeeded: true, StatusCode: 200}},
		Restart: &domain.RestartRecord{
			Restarted:  true,
			SawOffline: true,
			Attempts:   6,
			Elapsed:    8 * time.Second,
			Total:      11 * time.Second,
		},
	}
	data := domain.DeploySession{
		Token:      "8899aabbccddeeff",
		Kind:       connectors.SessionKindData,
		Host:       "esp32.local",
		StartedAt:  started.Add(40 * time.Second),
		FinishedAt: started.Add(45 * time.Second),
		Planned:    3,
		Succeeded:  1,
		Failed:     1,
		Aborted:    true,
		Files: []domain.DeployFile{
			{Index: 1, Name: "index.html", Succeeded: true, StatusCode: 200},
			{Index: 2, Name: "app.js", StatusCode: 401, ErrorText: "status 401 - denied"},
		},
	}
	empty := domain.DeploySession{
		Kind:       connectors.SessionKindData,
		Host:       "esp32.local",
		StartedAt:  started.Add(50 * time.Second),
		FinishedAt: started.Add(50 * time.Second),
	}

	for _, s := range []domain.DeploySession{firmware, data, empty} {
		if err := repo.SaveSession(ctx, s); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}

	got, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].Outcome() != domain.DeployOutcomeEmpty || got[0].Token != "" {
		t.Fatalf("expected newest empty session first, got %+v", got[0])
	}
	if got[1].Token != data.Token || !got[1].Aborted || got[1].Restart != nil {
		t.Fatalf("unexpected data session %+v", got[1])
	}
	if len(got[1].Files) != 2 || got[1].Files[1].StatusCode != 401 || got[1].Files[1].ErrorText == "" {
		t.Fatalf("unexpected data files %+v", got[1].Files)
	}

	all, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	fw := all[2]
	if !fw.StartedAt.Equal(firmware.StartedAt) || !fw.FinishedAt.Equal(firmware.FinishedAt) {
		t.Fatalf("expected timestamps to round trip, got %s - %s", fw.StartedAt, fw.FinishedAt)
	}
	if fw.Restart == nil || *fw.Restart != *firmware.Restart {
		t.Fatalf("expected restart %+v, got %+v", firmware.Restart, fw.Restart)
	}
	if !fw.ProgressAvailable || fw.Files[0].Name != "firmware.bin" {
		t.Fatalf("unexpected firmware session %+v", fw)
	}
}

func TestDeployRepoListRecentZeroLimit(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	got, err := NewDeployRepo(db).ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no sessions, got %d", len(got))
	}
}

func TestOpenMigratesToCurrentSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_ = db.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	var version int
	if err := reopened.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != SchemaVersion() {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion(), version)
	}
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	var foreignKeys int
	if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys;`).Scan(&foreignKeys); err != nil {
		t.Fatalf("read foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign keys enabled, got %d", foreignKeys)
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
}
