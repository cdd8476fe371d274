package kernel

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"conductor/pkg/config"
	"conductor/pkg/persistence"
	"conductor/pkg/proto"
	"conductor/pkg/workflow"
)

// setupProject loads a fresh default config rooted in a temp directory and
// resets the archive singleton so each test gets its own database.
func setupProject(t *testing.T) {
	t.Helper()

	if err := persistence.Reset(); err != nil {
		t.Fatalf("Failed to reset persistence: %v", err)
	}

	dir := t.TempDir()
	if err := config.LoadConfig(dir); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// The Prometheus recorder registers collectors globally, so tests run
	// with metrics disabled.
	cfg, err := config.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Metrics.Enabled = false
	config.SetConfigForTesting(&cfg)

	t.Cleanup(func() {
		config.SetConfigForTesting(nil)
		_ = persistence.Reset()
	})
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()

	k, err := New(context.Background(), Options{Mock: true, AutoApprove: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewAssemblesServices(t *testing.T) {
	setupProject(t)
	k := newTestKernel(t)

	if k.Store == nil || k.Dispatcher == nil || k.Monitor == nil || k.Engine == nil {
		t.Fatal("kernel services missing after New")
	}
	if k.EventLog == nil || k.Gates == nil || k.Collector == nil {
		t.Fatal("ambient services missing after New")
	}
	if !persistence.IsInitialized() {
		t.Error("archive database should be initialized")
	}
}

func TestNewRequiresLoadedConfig(t *testing.T) {
	config.SetConfigForTesting(nil)
	if _, err := New(context.Background(), Options{Mock: true, AutoApprove: true}); err == nil {
		t.Error("Expected error when config is not loaded")
	}
}

func TestLifecycle(t *testing.T) {
	setupProject(t)
	k := newTestKernel(t)

	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := k.Start(); err == nil {
		t.Error("double Start should fail")
	}
	if err := k.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := k.Stop(); err != nil {
		t.Errorf("Stop should be safe to repeat: %v", err)
	}
}

func TestMockRunArchivesSession(t *testing.T) {
	setupProject(t)
	k := newTestKernel(t)
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sessionID, err := k.Engine.Start(&workflow.Request{
		Title:   "Archive check",
		Content: "Validate the api endpoint against the database schema.",
	}, workflow.EntryValidateOnly)
	if err != nil {
		t.Fatalf("Engine.Start failed: %v", err)
	}
	if err := k.Engine.Run(context.Background(), sessionID); err != nil {
		t.Fatalf("Engine.Run failed: %v", err)
	}

	session, err := k.Store.Load(sessionID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if session.Status != proto.SessionCompleted {
		t.Fatalf("Status = %s, want completed", session.Status)
	}

	// The summary read goes through the worker queue, so it is ordered
	// behind every archive write the run produced.
	summary, err := k.SessionSummary(sessionID)
	if err != nil {
		t.Fatalf("SessionSummary failed: %v", err)
	}
	if summary.TotalTasks == 0 {
		t.Error("archived run should have task history")
	}
	if summary.GateDecisions == 0 {
		t.Error("archived run should have gate decisions")
	}
	if summary.FailedTasks != 0 {
		t.Errorf("mock run archived %d failed task(s)", summary.FailedTasks)
	}

	archived, err := persistence.GetSession(persistence.GetDB(), sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if archived.Status != persistence.StatusCompleted {
		t.Errorf("archived status = %s, want completed", archived.Status)
	}
	if archived.ConfigSnapshot == "" {
		t.Error("archived session should carry a config snapshot")
	}
}

func TestStartMarksStaleSessionsCrashed(t *testing.T) {
	setupProject(t)

	// Seed a session left active by a previous run that never shut down.
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		t.Fatal(err)
	}
	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to seed database: %v", err)
	}
	if err := persistence.CreateSession(db, "session-stale", "mixed", "{}"); err != nil {
		t.Fatalf("Failed to create stale session: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	k := newTestKernel(t)
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	archived, err := persistence.GetSession(persistence.GetDB(), "session-stale")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if archived.Status != persistence.StatusCrashed {
		t.Errorf("stale session status = %s, want crashed", archived.Status)
	}
}
