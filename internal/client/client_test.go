package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/control"
	"github.com/wardenlabs/warden/internal/state"
)

type stubHooks struct {
	spawnResult control.SpawnResult
	stopResult  bool
}

func (h *stubHooks) SpawnSession(directory, sessionID string) control.SpawnResult {
	return h.spawnResult
}
func (h *stubHooks) StopSession(sessionID string) bool { return h.stopResult }
func (h *stubHooks) SessionStarted(control.Session)    {}
func (h *stubHooks) RequestShutdown()                  {}

// startDaemonLike plants state and token files describing a live control
// server, the way a running wardend would.
func startDaemonLike(t *testing.T, hooks control.Hooks) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Daemon.StateDir = t.TempDir()

	mgr := state.NewManager(cfg.Daemon.StateDir)
	token, err := mgr.EnsureToken()
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}

	srv := control.NewServer(control.Config{Token: token}, hooks, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start control server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	err = mgr.Write(context.Background(), &state.DaemonState{
		PID:           os.Getpid(),
		HTTPPort:      srv.Port(),
		StartTime:     time.Now(),
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		t.Fatalf("write daemon state: %v", err)
	}
	return cfg
}

func TestNewWithoutStateFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Daemon.StateDir = t.TempDir()

	_, err := New(cfg)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestNewRemovesStaleState(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Daemon.StateDir = t.TempDir()
	cfg.Daemon.StaleAfter = time.Minute

	mgr := state.NewManager(cfg.Daemon.StateDir)
	err := mgr.Write(context.Background(), &state.DaemonState{
		PID:           1,
		HTTPPort:      1,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("write state: %v", err)
	}

	if _, err := New(cfg); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for stale state, got %v", err)
	}

	st, err := mgr.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st != nil {
		t.Error("stale state file should have been removed")
	}
}

func TestHealthRoundTrip(t *testing.T) {
	cfg := startDaemonLike(t, &stubHooks{})

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	hr, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if hr.Status == "" {
		t.Error("expected a health status")
	}
}

func TestSpawnOutcomes(t *testing.T) {
	hooks := &stubHooks{}
	cfg := startDaemonLike(t, hooks)

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	t.Run("Started", func(t *testing.T) {
		hooks.spawnResult = control.SpawnResult{SessionID: "sess-1", PID: 100}
		reply, err := c.Spawn(ctx, "/tmp/proj", "")
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		if reply.SessionID != "sess-1" || reply.RequiresUserApproval {
			t.Errorf("unexpected reply: %+v", reply)
		}
	})

	t.Run("NeedsApproval", func(t *testing.T) {
		hooks.spawnResult = control.SpawnResult{NeedsApproval: true}
		reply, err := c.Spawn(ctx, "/tmp/missing", "")
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		if !reply.RequiresUserApproval {
			t.Error("expected RequiresUserApproval")
		}
		if reply.Directory != "/tmp/missing" {
			t.Errorf("expected directory echoed back, got %q", reply.Directory)
		}
	})

	t.Run("Error", func(t *testing.T) {
		hooks.spawnResult = control.SpawnResult{Err: errors.New("boom")}
		if _, err := c.Spawn(ctx, "/tmp/proj", ""); err == nil {
			t.Error("expected error from failed spawn")
		}
	})
}

func TestListAndStopSession(t *testing.T) {
	hooks := &stubHooks{stopResult: true}
	cfg := startDaemonLike(t, hooks)

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	hooks.spawnResult = control.SpawnResult{SessionID: "sess-1", PID: 100}
	if _, err := c.Spawn(ctx, "/tmp/proj", ""); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	sessions, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "sess-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	ok, err := c.StopSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("stop session: %v", err)
	}
	if !ok {
		t.Error("expected success true")
	}
}

func TestUnauthorizedToken(t *testing.T) {
	cfg := startDaemonLike(t, &stubHooks{})

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.token = "not-the-real-token"

	if _, err := c.Health(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
