// Package state persists daemon liveness state and the shared auth token.
// The state file is how the CLI discovers a running daemon: its heartbeat
// age decides whether the recorded pid/port are still trustworthy.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenlabs/warden/internal/atomicfile"
)

// DaemonState is written by the daemon at startup and on each heartbeat and
// read by the CLI to determine liveness.
type DaemonState struct {
	PID                int       `json:"pid"`
	HTTPPort           int       `json:"httpPort"`
	StartTime          time.Time `json:"startTime"`
	StartedWithVersion string    `json:"startedWithVersion"`
	LastHeartbeat      time.Time `json:"lastHeartbeat"`
	LogPath            string    `json:"logPath"`
}

// Manager owns the daemon state file, the settings file, and the sibling
// token file.
type Manager struct {
	store     *atomicfile.Store
	settings  *atomicfile.Store
	tokenPath string
}

// NewManager creates a manager rooted at stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{
		store:     atomicfile.NewStore(filepath.Join(stateDir, "daemon.json")),
		settings:  atomicfile.NewStore(filepath.Join(stateDir, "settings.json")),
		tokenPath: filepath.Join(stateDir, "daemon.token"),
	}
}

// Path returns the state file path.
func (m *Manager) Path() string { return m.store.Path() }

// Load reads the persisted state. Returns nil when no state file exists.
func (m *Manager) Load() (*DaemonState, error) {
	data, err := m.store.Read()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse daemon state: %w", err)
	}
	return &st, nil
}

// Write replaces the persisted state.
func (m *Manager) Write(ctx context.Context, st *DaemonState) error {
	if err := os.MkdirAll(filepath.Dir(m.store.Path()), 0755); err != nil {
		return err
	}
	return m.store.Update(ctx, func([]byte) ([]byte, error) {
		return json.MarshalIndent(st, "", "  ")
	})
}

// Heartbeat bumps LastHeartbeat on the persisted state.
func (m *Manager) Heartbeat(ctx context.Context) error {
	return m.store.Update(ctx, func(current []byte) ([]byte, error) {
		var st DaemonState
		if current != nil {
			if err := json.Unmarshal(current, &st); err != nil {
				return nil, fmt.Errorf("parse daemon state: %w", err)
			}
		}
		st.LastHeartbeat = time.Now()
		return json.MarshalIndent(&st, "", "  ")
	})
}

// Fresh reports whether the state's heartbeat is younger than maxAge.
func (st *DaemonState) Fresh(maxAge time.Duration) bool {
	if st == nil {
		return false
	}
	return time.Since(st.LastHeartbeat) <= maxAge
}

// Remove deletes the state file. The CLI calls this when it finds a stale
// heartbeat; the daemon calls it on clean shutdown.
func (m *Manager) Remove() error {
	err := os.Remove(m.store.Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// EnsureToken returns the shared-secret auth token, generating and
// persisting a fresh one when none exists. The token file is user-only.
func (m *Manager) EnsureToken() (string, error) {
	if data, err := os.ReadFile(m.tokenPath); err == nil && len(data) > 0 {
		return string(data), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(m.tokenPath), 0755); err != nil {
		return "", err
	}
	if err := atomicfile.WriteFile(m.tokenPath, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// Token reads the persisted auth token.
func (m *Manager) Token() (string, error) {
	data, err := os.ReadFile(m.tokenPath)
	if err != nil {
		return "", fmt.Errorf("read token (is the daemon running?): %w", err)
	}
	return string(data), nil
}
