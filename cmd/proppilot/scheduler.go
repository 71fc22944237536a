package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pearcec/proppilot/internal/app"
	"github.com/pearcec/proppilot/internal/config"
	"github.com/pearcec/proppilot/internal/logging"
	"github.com/pearcec/proppilot/internal/scheduler"
	"github.com/pearcec/proppilot/internal/syncer"
)

func (c *cli) schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Manage the PropPilot scheduler daemon",
		Long: `The scheduler polls every property's calendar on an interval, sends
cleaner notices and queues timed guest messages.

Commands:
  start     Start the scheduler daemon
  stop      Stop the running daemon
  status    Check daemon status
  reload    Reload configuration without restart
  list      List scheduled jobs
  run       Run a job immediately
  logs      View daemon logs`,
	}
	cmd.AddCommand(
		c.schedulerStartCmd(),
		c.schedulerStopCmd(),
		c.schedulerStatusCmd(),
		c.schedulerReloadCmd(),
		c.schedulerListCmd(),
		c.schedulerRunCmd(),
		c.schedulerLogsCmd(),
	)
	return cmd
}

func (c *cli) schedulerStartCmd() *cobra.Command {
	var daemonize bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler daemon",
		Long: `Start the scheduler. By default runs in foreground.
Use --daemon to run in background.

Examples:
  proppilot scheduler start           # Run in foreground
  proppilot scheduler start --daemon  # Run in background`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if pid, err := readPID(cfg.PIDFile); err == nil && isProcessRunning(pid) {
				return fmt.Errorf("scheduler already running (PID %d)", pid)
			}
			if daemonize {
				return c.forkDaemon(cmd, cfg)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			d, err := c.startDaemon(cmd, cfg)
			if err != nil {
				return err
			}
			return d.wait(cmd.Context(), sigCh)
		},
	}
	cmd.Flags().BoolVar(&daemonize, "daemon", false, "Run in background as daemon")
	return cmd
}

func (c *cli) forkDaemon(cmd *cobra.Command, cfg *config.Config) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Without --daemon so the child runs in the foreground.
	args := []string{"scheduler", "start"}
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}

	logPath := logPathFor(cfg)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(execPath, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Stdin = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduler started in background (PID %d)\n", child.Process.Pid)
	fmt.Fprintf(cmd.OutOrStdout(), "Log: %s\n", logPath)
	return nil
}

// daemon is a running scheduler with its App and optional status server.
type daemon struct {
	c       *cli
	cmd     *cobra.Command
	pidPath string
	app     *app.App
	sched   *scheduler.Scheduler
	log     *logging.Logger

	stopStatus func()
}

// startDaemon writes the PID file, runs one sync cycle and starts the jobs.
func (c *cli) startDaemon(cmd *cobra.Command, cfg *config.Config) (*daemon, error) {
	if err := writePID(cfg.PIDFile, os.Getpid()); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}

	a, err := c.newApp(cmd, cfg)
	if err != nil {
		_ = removePID(cfg.PIDFile)
		return nil, err
	}
	d := &daemon{
		c:       c,
		cmd:     cmd,
		pidPath: cfg.PIDFile,
		app:     a,
		log:     a.Logger.Component("daemon"),
	}
	d.log.Info("scheduler starting", "pid", os.Getpid(), "config", cfg.Path, "properties", len(a.Props.Enabled()))

	if err := syncer.Failed(a.SyncAll(cmd.Context())); err != nil {
		d.log.Warn("initial sync incomplete", "error", err)
	}

	d.sched = scheduler.New(a.Logger, scheduler.WithJobTimeout(cfg.Sync.Interval))
	if err := d.sched.Start(cmd.Context(), a.Jobs()); err != nil {
		_ = a.Close()
		_ = removePID(cfg.PIDFile)
		return nil, err
	}
	d.startStatus()
	d.log.Info("scheduler running", "jobs", len(d.sched.JobNames()))
	return d, nil
}

func (d *daemon) startStatus() {
	addr := d.app.Config.Status.Addr
	if addr == "" {
		d.stopStatus = func() {}
		return
	}
	ctx, cancel := context.WithCancel(d.cmd.Context())
	done := make(chan struct{})
	srv := d.app.Status
	go func() {
		defer close(done)
		if err := srv.Run(ctx, addr); err != nil {
			d.log.Error("status server stopped", "addr", addr, "error", err)
		}
	}()
	d.stopStatus = func() {
		cancel()
		<-done
	}
}

// reload re-reads the configuration and swaps in a new App and job set.
// On failure the running configuration stays in place.
func (d *daemon) reload() error {
	cfg, err := d.c.loadConfig()
	if err != nil {
		return err
	}
	next, err := d.c.newApp(d.cmd, cfg, app.Inherit(d.app))
	if err != nil {
		return err
	}
	if err := d.sched.Reload(next.Jobs()); err != nil {
		next.Detach()
		_ = next.Close()
		return err
	}

	d.stopStatus()
	prev := d.app
	d.app = next
	prev.Detach()
	_ = prev.Close()
	d.startStatus()
	d.log.Info("reload complete", "jobs", len(d.sched.JobNames()))
	return nil
}

func (d *daemon) shutdown() {
	d.sched.Stop()
	d.stopStatus()
	if err := d.app.Close(); err != nil {
		d.log.Error("close failed", "error", err)
	}
	_ = removePID(d.pidPath)
	d.log.Info("scheduler stopped")
}

// wait handles signals until shutdown is requested or ctx ends.
func (d *daemon) wait(ctx context.Context, sigs <-chan os.Signal) error {
	defer d.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				d.log.Info("received SIGHUP, reloading config")
				if err := d.reload(); err != nil {
					d.log.Error("reload failed", "error", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				d.log.Info("received shutdown signal", "signal", sig.String())
				return nil
			}
		}
	}
}

func (c *cli) schedulerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the scheduler daemon",
		Long:  `Stop the running scheduler daemon by sending SIGTERM.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			pid, err := signalDaemon(cfg.PIDFile, syscall.SIGTERM)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler stopped (PID %d)\n", pid)
			return nil
		},
	}
}

func (c *cli) schedulerReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration without restart",
		Long:  `Hot reload the scheduler configuration by sending SIGHUP to the daemon.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if _, err := signalDaemon(cfg.PIDFile, syscall.SIGHUP); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reload signal sent to scheduler")
			return nil
		},
	}
}

func (c *cli) schedulerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check scheduler daemon status",
		Long:  `Check if the scheduler daemon is running and show its PID.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			pid, err := readPID(cfg.PIDFile)
			running := err == nil && isProcessRunning(pid)
			if err == nil && !running {
				_ = removePID(cfg.PIDFile)
			}

			if c.jsonOut {
				out := map[string]any{"running": running}
				if running {
					out["pid"] = pid
				}
				return c.printJSON(cmd, out)
			}
			switch {
			case running:
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduler is running (PID %d)\n", pid)
			case err == nil:
				fmt.Fprintln(cmd.OutOrStdout(), "Scheduler is not running (stale PID file removed)")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "Scheduler is not running")
			}
			return nil
		},
	}
}

type jobInfo struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
}

func (c *cli) schedulerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Long: `List the jobs the scheduler runs for the current configuration.

Example:
  proppilot scheduler list
  proppilot scheduler list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var jobs []jobInfo
			for _, j := range a.Jobs() {
				jobs = append(jobs, jobInfo{Name: j.Name, Spec: j.Spec})
			}
			if c.jsonOut {
				return c.printJSON(cmd, jobs)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Scheduled jobs:")
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", j.Name, j.Spec)
			}
			return nil
		},
	}
}

func (c *cli) schedulerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job immediately",
		Long: `Run a scheduled job once, outside the daemon.

Examples:
  proppilot scheduler run messages
  proppilot scheduler run poll:cabin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s := scheduler.New(a.Logger, scheduler.WithJobTimeout(a.Config.Sync.Interval))
			if err := s.Start(cmd.Context(), a.Jobs()); err != nil {
				return err
			}
			defer s.Stop()

			start := time.Now()
			if err := s.RunNow(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s completed in %v\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func (c *cli) schedulerLogsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View scheduler logs",
		Long: `View the log written by a daemonized scheduler.

Examples:
  proppilot scheduler logs           # Show last 50 lines
  proppilot scheduler logs --tail=100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			lines, err := tailFile(logPathFor(cfg), tail)
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No log file found yet.")
				return nil
			}
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 50, "Number of lines to show")
	return cmd
}

// logPathFor places the daemon log next to its PID file.
func logPathFor(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.PIDFile), "scheduler.log")
}

func tailFile(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	if start := len(lines) - n; start > 0 {
		lines = lines[start:]
	}
	return lines, nil
}

// PID file management

func writePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID(path string) error {
	return os.Remove(path)
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks existence.
	return process.Signal(syscall.Signal(0)) == nil
}

// signalDaemon sends sig to the daemon recorded in the PID file.
func signalDaemon(pidPath string, sig syscall.Signal) (int, error) {
	pid, err := readPID(pidPath)
	if err != nil {
		return 0, fmt.Errorf("scheduler not running (no PID file)")
	}
	if !isProcessRunning(pid) {
		_ = removePID(pidPath)
		return 0, fmt.Errorf("scheduler not running (stale PID file removed)")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return 0, fmt.Errorf("failed to signal scheduler: %w", err)
	}
	return pid, nil
}
