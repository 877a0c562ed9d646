package agent

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wardenlabs/warden/internal/config"
)

// sleepCfg runs a long sleep so tests control when the process exits.
func sleepCfg() config.AgentsConfig {
	return config.AgentsConfig{
		Command:   "sleep",
		Args:      []string{"30"},
		StopGrace: time.Second,
	}
}

func TestSpawnMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	t.Run("NeedsApproval", func(t *testing.T) {
		s := NewSpawner(sleepCfg(), nil)
		res := s.Spawn(missing, "")
		if res.Outcome != OutcomeNeedsApproval {
			t.Fatalf("expected OutcomeNeedsApproval, got %v (err %v)", res.Outcome, res.Err)
		}
		if _, err := os.Stat(missing); !os.IsNotExist(err) {
			t.Error("directory must not be created without approval")
		}
	})

	t.Run("AutoCreate", func(t *testing.T) {
		cfg := sleepCfg()
		cfg.AutoCreateDirs = true
		s := NewSpawner(cfg, nil)
		defer s.StopAll(2 * time.Second)

		res := s.Spawn(missing, "")
		if res.Outcome != OutcomeStarted {
			t.Fatalf("expected OutcomeStarted, got %v (err %v)", res.Outcome, res.Err)
		}
		if _, err := os.Stat(missing); err != nil {
			t.Errorf("directory not created: %v", err)
		}
	})
}

func TestSpawnAndStop(t *testing.T) {
	var mu sync.Mutex
	var exited []string
	onExit := func(sessionID string, pid int, err error) {
		mu.Lock()
		exited = append(exited, sessionID)
		mu.Unlock()
	}

	s := NewSpawner(sleepCfg(), onExit)
	defer s.StopAll(2 * time.Second)

	res := s.Spawn(t.TempDir(), "sess-fixed")
	if res.Outcome != OutcomeStarted {
		t.Fatalf("spawn failed: %v (err %v)", res.Outcome, res.Err)
	}
	if res.SessionID != "sess-fixed" {
		t.Errorf("expected provided session id to be kept, got %q", res.SessionID)
	}
	if res.PID <= 0 {
		t.Errorf("expected a live pid, got %d", res.PID)
	}

	mp, ok := s.Get("sess-fixed")
	if !ok || mp.PID != res.PID {
		t.Fatalf("process not tracked: %v %+v", ok, mp)
	}
	if got := s.Running(); len(got) != 1 {
		t.Fatalf("expected 1 running session, got %v", got)
	}

	if !s.Stop("sess-fixed") {
		t.Fatal("stop returned false for a live session")
	}

	select {
	case <-mp.done:
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit after stop")
	}

	// reap runs after done closes; give it a beat to update state.
	deadline := time.After(time.Second)
	for len(s.Running()) != 0 {
		select {
		case <-deadline:
			t.Fatal("session still tracked after exit")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exited) != 1 || exited[0] != "sess-fixed" {
		t.Errorf("exit callback mismatch: %v", exited)
	}
}

func TestStopUnknownSession(t *testing.T) {
	s := NewSpawner(sleepCfg(), nil)
	if s.Stop("nope") {
		t.Error("stop must return false for unknown sessions")
	}
}

func TestSpawnGeneratesSessionID(t *testing.T) {
	s := NewSpawner(sleepCfg(), nil)
	defer s.StopAll(2 * time.Second)

	res := s.Spawn(t.TempDir(), "")
	if res.Outcome != OutcomeStarted {
		t.Fatalf("spawn failed: %v (err %v)", res.Outcome, res.Err)
	}
	if res.SessionID == "" {
		t.Error("expected a generated session id")
	}
}

func TestStopAll(t *testing.T) {
	s := NewSpawner(sleepCfg(), nil)

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if res := s.Spawn(dir, ""); res.Outcome != OutcomeStarted {
			t.Fatalf("spawn %d failed: %v (err %v)", i, res.Outcome, res.Err)
		}
	}

	s.StopAll(3 * time.Second)

	deadline := time.After(time.Second)
	for len(s.Running()) != 0 {
		select {
		case <-deadline:
			t.Fatalf("sessions still tracked after StopAll: %v", s.Running())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
