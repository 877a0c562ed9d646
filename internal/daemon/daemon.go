// Package daemon implements the wardend background service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/control"
	"github.com/wardenlabs/warden/internal/dedupe"
	"github.com/wardenlabs/warden/internal/eventlog"
	"github.com/wardenlabs/warden/internal/logging"
	"github.com/wardenlabs/warden/internal/state"
	"github.com/wardenlabs/warden/internal/syncer"
)

// ShutdownTimeout is how long to wait for graceful shutdown.
const ShutdownTimeout = 15 * time.Second

// Daemon is the control-plane service supervising agent sessions.
type Daemon struct {
	config  *config.Config
	version string

	stateMgr *state.Manager
	events   *eventlog.Log
	spawner  *agent.Spawner
	server   *control.Server

	// stateSync coalesces heartbeat writes triggered by the periodic tick
	// and by bursts of session activity into serialized state-file updates.
	stateSync *syncer.InvalidateSync
	// spawnDedupe collapses concurrent spawn requests for the same directory.
	spawnDedupe *dedupe.Deduplicator[control.SpawnResult]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cfgMu guards the config fields mutated by SIGHUP reload.
	cfgMu sync.Mutex
	// reloadCh wakes the heartbeat loop so it picks up a new interval.
	reloadCh chan struct{}

	shutdownReq  chan struct{}
	requestOnce  sync.Once
	shutdownOnce sync.Once
}

// New creates a new daemon instance.
func New(cfg *config.Config, version string) (*Daemon, error) {
	events, err := eventlog.Open(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:      cfg,
		version:     version,
		stateMgr:    state.NewManager(cfg.Daemon.StateDir),
		events:      events,
		ctx:         ctx,
		cancel:      cancel,
		reloadCh:    make(chan struct{}, 1),
		shutdownReq: make(chan struct{}),
	}
	d.spawner = agent.NewSpawner(cfg.Agents, d.onSessionExit)

	d.stateSync = syncer.New(d.stateMgr.Heartbeat, backoff.Options{
		MinDelay:    50 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxFailures: 5,
	})

	d.spawnDedupe = dedupe.New[control.SpawnResult]()
	d.spawnDedupe.OnDeduplicated = func(key string) {
		logging.Info("coalesced concurrent spawn request", "directory", key)
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	token, err := d.stateMgr.EnsureToken()
	if err != nil {
		return fmt.Errorf("auth token: %w", err)
	}

	d.server = control.NewServer(control.Config{
		Token:           token,
		RateLimitWindow: d.config.Daemon.RateLimit.Window,
		RateLimitMax:    d.config.Daemon.RateLimit.MaxRequests,
		ShutdownDelay:   d.config.Daemon.ShutdownDelay,
	}, d, d.events)

	if err := d.server.Start(); err != nil {
		return err
	}
	logging.Info("control server listening", "port", d.server.Port())

	now := time.Now()
	if err := d.stateMgr.Write(d.ctx, &state.DaemonState{
		PID:                os.Getpid(),
		HTTPPort:           d.server.Port(),
		StartTime:          now,
		StartedWithVersion: d.version,
		LastHeartbeat:      now,
		LogPath:            d.config.Daemon.LogFile,
	}); err != nil {
		d.server.Stop(context.Background())
		return fmt.Errorf("write daemon state: %w", err)
	}

	if _, err := d.events.Append(d.ctx, eventlog.Event{Type: eventlog.TypeDaemonStarted}); err != nil {
		logging.Warn("event log append failed", "error", err)
	}

	d.wg.Add(1)
	go d.safeLoop("heartbeat-loop", d.heartbeatLoop)

	sigCh := make(chan os.Signal, 2) // buffer for a second, forcing signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	return d.waitLoop(sigCh)
}

// waitLoop blocks on signals and shutdown requests from the control API.
func (d *Daemon) waitLoop(sigCh <-chan os.Signal) error {
	for {
		select {
		case <-d.shutdownReq:
			logging.Info("shutdown requested via control API")
			d.gracefulShutdown()
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("received SIGHUP, reloading config")
				if err := d.reloadConfig(); err != nil {
					logging.Error("config reload failed", "error", err)
				}

			case syscall.SIGINT, syscall.SIGTERM:
				logging.Info("received shutdown signal", "signal", sig.String())

				shutdownDone := make(chan struct{})
				go func() {
					d.gracefulShutdown()
					close(shutdownDone)
				}()

				select {
				case <-shutdownDone:
					logging.Info("graceful shutdown complete")
					return nil
				case sig2 := <-sigCh:
					logging.Warn("received second signal, forcing shutdown", "signal", sig2.String())
					d.forceShutdown()
					return fmt.Errorf("forced shutdown by signal: %s", sig2)
				}
			}
		}
	}
}

func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		if _, err := d.events.Append(context.Background(), eventlog.Event{Type: eventlog.TypeDaemonStopping}); err != nil {
			logging.Debug("event log append failed", "error", err)
		}

		d.stateSync.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := d.server.Stop(ctx); err != nil {
			logging.Warn("control server shutdown error", "error", err)
		}

		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ShutdownTimeout):
			logging.Warn("shutdown timeout exceeded waiting for workers")
		}

		d.spawner.StopAll(ShutdownTimeout)

		if err := d.stateMgr.Remove(); err != nil {
			logging.Warn("failed to remove daemon state", "error", err)
		}
		if err := d.events.Close(); err != nil {
			logging.Warn("error closing event log", "error", err)
		}

		logging.Flush(2 * time.Second)
	})
}

func (d *Daemon) forceShutdown() {
	d.stateSync.Stop()
	d.spawner.StopAll(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.server.Stop(ctx)
	d.stateMgr.Remove()
	d.events.Close()
	logging.Flush(500 * time.Millisecond)
}

// reloadConfig handles SIGHUP, updating only fields that are safe to change
// while running: the heartbeat cadence and directory auto-creation.
func (d *Daemon) reloadConfig() error {
	newCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d.cfgMu.Lock()
	d.config.Daemon.HeartbeatInterval = newCfg.Daemon.HeartbeatInterval
	d.cfgMu.Unlock()

	d.spawner.SetAutoCreateDirs(newCfg.Agents.AutoCreateDirs)

	// Nudge the heartbeat loop to reset its ticker.
	select {
	case d.reloadCh <- struct{}{}:
	default:
	}

	logging.Info("config reloaded",
		"heartbeat_interval", newCfg.Daemon.HeartbeatInterval,
		"auto_create_dirs", newCfg.Agents.AutoCreateDirs)
	return nil
}

func (d *Daemon) heartbeatInterval() time.Duration {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.config.Daemon.HeartbeatInterval
}

// safeLoop wraps a loop function with panic recovery. A panicking loop is
// reported to Sentry and tears the daemon down rather than limping on.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
			d.cancel()
		}
	}()
	fn()
}

func (d *Daemon) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.reloadCh:
			ticker.Reset(d.heartbeatInterval())
		case <-ticker.C:
			d.stateSync.Invalidate()
		}
	}
}

func (d *Daemon) onSessionExit(sessionID string, pid int, exitErr error) {
	if d.server != nil {
		d.server.Untrack(pid)
	}
	d.stateSync.Invalidate()
	detail := ""
	if exitErr != nil {
		detail = exitErr.Error()
	}
	if _, err := d.events.Append(context.Background(), eventlog.Event{
		SessionID: sessionID,
		Type:      eventlog.TypeSessionExited,
		Detail:    detail,
	}); err != nil {
		logging.Debug("event log append failed", "error", err)
	}
}
