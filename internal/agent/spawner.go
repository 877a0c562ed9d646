// Package agent handles agent session process lifecycle management.
package agent

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/executil"
	"github.com/wardenlabs/warden/internal/logging"
)

// Outcome classifies a spawn attempt.
type Outcome int

const (
	// OutcomeStarted means the agent process is running.
	OutcomeStarted Outcome = iota
	// OutcomeNeedsApproval means the target directory does not exist and
	// creating it requires user approval.
	OutcomeNeedsApproval
	// OutcomeError means the process could not be started.
	OutcomeError
)

// SpawnResult reports a spawn attempt.
type SpawnResult struct {
	Outcome   Outcome
	SessionID string
	PID       int
	Err       error
}

// ManagedProcess wraps a running agent session process.
type ManagedProcess struct {
	SessionID string
	PID       int
	Directory string

	proc *os.Process
	done chan struct{}
}

// ExitFunc is notified when a managed process exits.
type ExitFunc func(sessionID string, pid int, err error)

// Spawner launches and tracks agent CLI child processes.
type Spawner struct {
	cfg    config.AgentsConfig
	onExit ExitFunc

	mu        sync.RWMutex
	processes map[string]*ManagedProcess
}

// NewSpawner creates a spawner. onExit may be nil.
func NewSpawner(cfg config.AgentsConfig, onExit ExitFunc) *Spawner {
	return &Spawner{
		cfg:       cfg,
		onExit:    onExit,
		processes: make(map[string]*ManagedProcess),
	}
}

// SetAutoCreateDirs toggles directory auto-creation, e.g. on config reload.
func (s *Spawner) SetAutoCreateDirs(enabled bool) {
	s.mu.Lock()
	s.cfg.AutoCreateDirs = enabled
	s.mu.Unlock()
}

func (s *Spawner) autoCreateDirs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoCreateDirs
}

// Spawn starts the configured agent CLI detached in directory. A missing
// directory yields OutcomeNeedsApproval unless auto-creation is enabled.
// sessionID is generated when empty.
func (s *Spawner) Spawn(directory, sessionID string) SpawnResult {
	if _, err := os.Stat(directory); os.IsNotExist(err) {
		if !s.autoCreateDirs() {
			return SpawnResult{Outcome: OutcomeNeedsApproval}
		}
		if err := os.MkdirAll(directory, 0755); err != nil {
			return SpawnResult{Outcome: OutcomeError, Err: fmt.Errorf("create directory: %w", err)}
		}
	} else if err != nil {
		return SpawnResult{Outcome: OutcomeError, Err: fmt.Errorf("stat directory: %w", err)}
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cmd, err := executil.Command(s.cfg.Command, s.cfg.Args...)
	if err != nil {
		return SpawnResult{Outcome: OutcomeError, Err: err}
	}
	cmd.Dir = directory
	cmd.Env = append(cmd.Env, "WARDEN_SESSION_ID="+sessionID)
	// Detach into its own session so daemon signals don't propagate.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return SpawnResult{Outcome: OutcomeError, Err: fmt.Errorf("start agent process: %w", err)}
	}

	mp := &ManagedProcess{
		SessionID: sessionID,
		PID:       cmd.Process.Pid,
		Directory: directory,
		proc:      cmd.Process,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.processes[sessionID] = mp
	s.mu.Unlock()

	go s.reap(mp, cmd)

	logging.Info("spawned agent session", "session_id", sessionID, "pid", mp.PID, "directory", directory)
	return SpawnResult{Outcome: OutcomeStarted, SessionID: sessionID, PID: mp.PID}
}

func (s *Spawner) reap(mp *ManagedProcess, cmd *exec.Cmd) {
	err := cmd.Wait()
	close(mp.done)

	s.mu.Lock()
	if cur, ok := s.processes[mp.SessionID]; ok && cur == mp {
		delete(s.processes, mp.SessionID)
	}
	s.mu.Unlock()

	if err != nil {
		logging.Warn("agent session exited with error", "session_id", mp.SessionID, "pid", mp.PID, "error", err)
	} else {
		logging.Info("agent session exited", "session_id", mp.SessionID, "pid", mp.PID)
	}
	if s.onExit != nil {
		s.onExit(mp.SessionID, mp.PID, err)
	}
}

// Stop terminates a session with SIGTERM, escalating to SIGKILL after the
// configured grace period. Returns false when the session is unknown or
// already stopped.
func (s *Spawner) Stop(sessionID string) bool {
	s.mu.RLock()
	mp, ok := s.processes[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if err := mp.proc.Signal(syscall.SIGTERM); err != nil {
		logging.Debug("SIGTERM failed", "session_id", sessionID, "error", err)
		return false
	}

	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	go func() {
		select {
		case <-mp.done:
		case <-time.After(grace):
			logging.Warn("agent session ignored SIGTERM, killing", "session_id", sessionID, "pid", mp.PID)
			mp.proc.Kill()
		}
	}()

	return true
}

// StopAll terminates every tracked session and waits for exits up to timeout.
func (s *Spawner) StopAll(timeout time.Duration) {
	s.mu.RLock()
	procs := make([]*ManagedProcess, 0, len(s.processes))
	for _, mp := range s.processes {
		procs = append(procs, mp)
	}
	s.mu.RUnlock()

	for _, mp := range procs {
		s.Stop(mp.SessionID)
	}

	deadline := time.After(timeout)
	for _, mp := range procs {
		select {
		case <-mp.done:
		case <-deadline:
			return
		}
	}
}

// Get returns the managed process for sessionID.
func (s *Spawner) Get(sessionID string) (*ManagedProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.processes[sessionID]
	return mp, ok
}

// Running returns the tracked session ids.
func (s *Spawner) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.processes))
	for id := range s.processes {
		ids = append(ids, id)
	}
	return ids
}
