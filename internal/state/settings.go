package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Settings are user-adjustable knobs shared between the CLI and the daemon.
// The CLI mutates them while the daemon is running, so every write goes
// through the locked atomic store.
type Settings struct {
	// ApprovedDirectories lists directories the daemon may create on spawn
	// without further approval.
	ApprovedDirectories []string `json:"approvedDirectories,omitempty"`
}

// DirectoryApproved reports whether dir (after cleaning) is approved.
func (s *Settings) DirectoryApproved(dir string) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.ApprovedDirectories, filepath.Clean(dir))
}

// Approve adds dir to the approved list. Returns false when already present.
func (s *Settings) Approve(dir string) bool {
	dir = filepath.Clean(dir)
	if slices.Contains(s.ApprovedDirectories, dir) {
		return false
	}
	s.ApprovedDirectories = append(s.ApprovedDirectories, dir)
	return true
}

// LoadSettings reads the settings file. A missing file yields zero settings.
func (m *Manager) LoadSettings() (*Settings, error) {
	data, err := m.settings.Read()
	if err != nil {
		return nil, err
	}
	s := &Settings{}
	if data == nil {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// UpdateSettings applies mutate to the current settings under the file lock
// and persists the result atomically. Concurrent updates from other
// processes serialize.
func (m *Manager) UpdateSettings(ctx context.Context, mutate func(*Settings) error) error {
	if err := os.MkdirAll(filepath.Dir(m.settings.Path()), 0755); err != nil {
		return err
	}
	return m.settings.Update(ctx, func(current []byte) ([]byte, error) {
		s := &Settings{}
		if current != nil {
			if err := json.Unmarshal(current, s); err != nil {
				return nil, fmt.Errorf("parse settings: %w", err)
			}
		}
		if err := mutate(s); err != nil {
			return nil, err
		}
		return json.MarshalIndent(s, "", "  ")
	})
}
