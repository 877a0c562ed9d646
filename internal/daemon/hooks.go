package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/control"
	"github.com/wardenlabs/warden/internal/eventlog"
	"github.com/wardenlabs/warden/internal/logging"
)

// The daemon supplies the control server's capability set: the server owns
// the registry and HTTP surface, the daemon owns processes and persistence.

// SpawnSession implements control.Hooks. Concurrent requests targeting the
// same directory collapse into a single spawn; all callers get its result.
func (d *Daemon) SpawnSession(directory, sessionID string) control.SpawnResult {
	res, _ := d.spawnDedupe.Request(directory, func() (control.SpawnResult, error) {
		return d.spawnSession(directory, sessionID), nil
	})
	return res
}

func (d *Daemon) spawnSession(directory, sessionID string) control.SpawnResult {
	res := d.spawner.Spawn(directory, sessionID)
	if res.Outcome == agent.OutcomeNeedsApproval && d.directoryApproved(directory) {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return control.SpawnResult{Err: fmt.Errorf("create approved directory: %w", err)}
		}
		res = d.spawner.Spawn(directory, sessionID)
	}
	switch res.Outcome {
	case agent.OutcomeNeedsApproval:
		return control.SpawnResult{NeedsApproval: true}
	case agent.OutcomeError:
		logging.Error("spawn failed", "directory", directory, "error", res.Err)
		return control.SpawnResult{Err: res.Err}
	}

	d.appendEvent(eventlog.Event{SessionID: res.SessionID, Type: eventlog.TypeSessionSpawned, Detail: directory})
	return control.SpawnResult{SessionID: res.SessionID, PID: res.PID}
}

// StopSession implements control.Hooks.
func (d *Daemon) StopSession(sessionID string) bool {
	stopped := d.spawner.Stop(sessionID)
	if stopped {
		d.appendEvent(eventlog.Event{SessionID: sessionID, Type: eventlog.TypeSessionStopped})
	}
	return stopped
}

// SessionStarted implements control.Hooks. The server has already updated
// its registry; this is the notification side effect.
func (d *Daemon) SessionStarted(sess control.Session) {
	logging.Info("session reported startup", "session_id", sess.SessionID, "pid", sess.PID, "started_by", sess.StartedBy)
	d.appendEvent(eventlog.Event{SessionID: sess.SessionID, Type: eventlog.TypeSessionStarted, Detail: string(sess.StartedBy)})
	d.stateSync.Invalidate()
}

// RequestShutdown implements control.Hooks.
func (d *Daemon) RequestShutdown() {
	d.requestOnce.Do(func() { close(d.shutdownReq) })
}

// directoryApproved checks the shared settings file, which the CLI may have
// updated since the daemon started.
func (d *Daemon) directoryApproved(directory string) bool {
	settings, err := d.stateMgr.LoadSettings()
	if err != nil {
		logging.Warn("settings load failed", "error", err)
		return false
	}
	return settings.DirectoryApproved(directory)
}

func (d *Daemon) appendEvent(ev eventlog.Event) {
	if _, err := d.events.Append(context.Background(), ev); err != nil {
		logging.Debug("event log append failed", "type", ev.Type, "error", err)
	}
}
