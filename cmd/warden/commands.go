package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/wardenlabs/warden/internal/cli"
	"github.com/wardenlabs/warden/internal/client"
	"github.com/wardenlabs/warden/internal/state"
)

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the warden daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon if it is not already running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.EnsureRunning(ctx, cfg)
		if err != nil {
			return err
		}
		hr, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("daemon %s (%d sessions, up %s)\n",
			cli.Paint(cli.StatusColor(hr.Status), hr.Status),
			hr.SessionCount,
			time.Duration(hr.UptimeSeconds*float64(time.Second)).Round(time.Second))
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.New(cfg)
		if err != nil {
			if errors.Is(err, client.ErrNotRunning) {
				fmt.Println("daemon is not running")
				return nil
			}
			return err
		}
		if err := c.StopDaemon(ctx); err != nil {
			return err
		}
		fmt.Println("daemon stopping")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon liveness and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.New(cfg)
		if err != nil {
			if errors.Is(err, client.ErrNotRunning) {
				fmt.Println(cli.Paint(cli.Gray, "daemon is not running"))
				return nil
			}
			return err
		}
		return printHealth(ctx, c)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show daemon health details",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		return printHealth(ctx, c)
	},
}

func printHealth(ctx context.Context, c *client.Client) error {
	hr, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status:        %s\n", cli.Paint(cli.StatusColor(hr.Status), hr.Status))
	fmt.Printf("uptime:        %s\n", time.Duration(hr.UptimeSeconds*float64(time.Second)).Round(time.Second))
	fmt.Printf("sessions:      %d\n", hr.SessionCount)
	fmt.Printf("heap:          %.1f%% of %s\n", hr.Memory.HeapUtilization*100, humanBytes(hr.Memory.HeapSysBytes))
	fmt.Printf("requests:      %d total, %d rate-limited, %d window resets\n",
		hr.RateLimit.TotalRequests, hr.RateLimit.RateLimitedRequests, hr.RateLimit.WindowResets)
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.EnsureRunning(ctx, cfg)
		if err != nil {
			return err
		}
		sessions, err := c.List(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println(cli.Paint(cli.Gray, "no active sessions"))
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  pid %d\n",
				cli.Paint(cli.Cyan, s.SessionID),
				cli.Paint(cli.Gray, string(s.StartedBy)),
				s.PID)
		}
		return nil
	},
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <directory>",
	Short: "Launch an agent session in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		sessionID, _ := cmd.Flags().GetString("session-id")

		// The daemon resolves paths relative to its own working directory.
		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		c, err := client.EnsureRunning(ctx, cfg)
		if err != nil {
			return err
		}
		reply, err := c.Spawn(ctx, dir, sessionID)
		if err != nil {
			return err
		}
		if reply.RequiresUserApproval {
			return fmt.Errorf("directory %s does not exist; run 'warden approve %s' first or enable agents.auto_create_dirs", dir, args[0])
		}
		fmt.Printf("spawned session %s\n", cli.Paint(cli.Green, reply.SessionID))
		return nil
	},
}

var stopSessionCmd = &cobra.Command{
	Use:   "stop-session <session-id>",
	Short: "Stop a tracked agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		stopped, err := c.StopSession(ctx, args[0])
		if err != nil {
			return err
		}
		if !stopped {
			fmt.Println(cli.Paint(cli.Yellow, "session unknown or already stopped"))
			return nil
		}
		fmt.Println("session stopping")
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [session-id]",
	Short: "Show recent session lifecycle events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		sessionID := ""
		if len(args) == 1 {
			sessionID = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		events, err := c.Events(ctx, sessionID, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-16s", ev.Timestamp.Local().Format("15:04:05"), ev.Type)
			if ev.SessionID != "" {
				line += "  " + cli.Paint(cli.Cyan, ev.SessionID)
			}
			if ev.Detail != "" {
				line += "  " + cli.Paint(cli.Gray, ev.Detail)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <directory>",
	Short: "Approve a directory for agent session creation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		dir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		added := false
		mgr := state.NewManager(cfg.Daemon.StateDir)
		err = mgr.UpdateSettings(ctx, func(s *state.Settings) error {
			added = s.Approve(dir)
			return nil
		})
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("%s already approved\n", dir)
			return nil
		}
		fmt.Printf("approved %s\n", cli.Paint(cli.Green, dir))
		return nil
	},
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	spawnCmd.Flags().String("session-id", "", "use a pre-assigned session id")
	eventsCmd.Flags().Int("limit", 50, "maximum events to show")
}
