// Command procwatchd is the supervisor daemon: it loads manager.yaml and
// progs.yaml from a data directory, reattaches to whatever it finds still
// running, serves the JSON/metrics HTTP surface, and drives the monitor loop
// until SIGINT/SIGTERM. A handful of one-shot subcommands (status/start/
// stop/restart) talk to a running daemon's own API instead of duplicating
// its state, grounded on the teacher's cmd/provisr cobra-tree-over-facade
// pattern generalized from an in-process Manager to an HTTP-backed one.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/procwatch/procwatch/internal/config"
	"github.com/procwatch/procwatch/internal/control"
	"github.com/procwatch/procwatch/internal/cpusampler"
	"github.com/procwatch/procwatch/internal/env"
	"github.com/procwatch/procwatch/internal/httpapi"
	"github.com/procwatch/procwatch/internal/installer"
	"github.com/procwatch/procwatch/internal/logger"
	"github.com/procwatch/procwatch/internal/logmgr"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/persist"
	"github.com/procwatch/procwatch/internal/registry"
	"github.com/procwatch/procwatch/internal/spawn"
	"github.com/procwatch/procwatch/internal/supervisor"
)

const (
	exitOK           = 0
	exitStartupError = 1
	exitPortInUse    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dataDir string
		apiBase string
	)

	root := &cobra.Command{Use: "procwatchd", SilenceUsage: true}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", ".", "directory holding manager.yaml, progs.yaml and runtime state")
	root.PersistentFlags().StringVar(&apiBase, "api", "", "base URL of a running daemon's API, for status/start/stop/restart (default http://<web_ui host:port> from manager.yaml)")

	root.AddCommand(newServeCmd(&dataDir))
	root.AddCommand(newStatusCmd(&dataDir, &apiBase))
	root.AddCommand(newStartCmd(&dataDir, &apiBase))
	root.AddCommand(newStopCmd(&dataDir, &apiBase))
	root.AddCommand(newRestartCmd(&dataDir, &apiBase))

	if err := root.Execute(); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			return se.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitStartupError
	}
	return exitOK
}

// startupError carries a specific process exit code out through cobra's
// plain error-returning RunE.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func newServeCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*dataDir)
		},
	}
}

func serve(dataDir string) error {
	paths := layout(dataDir)

	settings, err := config.Load(paths.managerYAML)
	if err != nil {
		return &startupError{exitStartupError, fmt.Errorf("load %s: %w", paths.managerYAML, err)}
	}

	log, closer := logger.New(logger.Config{
		FilePath:  paths.supervisorLog,
		Level:     slog.LevelInfo,
		MaxSizeMB: settings.Logging.MaxSizeMB,
		Console:   true,
	})
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	slog.SetDefault(log)

	for _, dir := range []string{paths.logDir, paths.uploadRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &startupError{exitStartupError, fmt.Errorf("create %s: %w", dir, err)}
		}
	}

	// env.Env always merges the daemon's own OS environment as its base layer
	// (internal/env.Env.ensureBase), so no explicit opt-in is needed here.
	globalEnv := env.New()
	if settings.Venv != "" {
		globalEnv = globalEnv.WithSet("VIRTUAL_ENV", settings.Venv)
	}

	lm := logmgr.New(paths.logDir, logmgr.Options{MaxSizeBytes: int64(settings.Logging.MaxSizeMB) * 1024 * 1024})
	store := persist.New(paths.pidsJSON)

	var ledger *persist.Ledger
	if settings.Store.DSN != "" {
		ledger, err = persist.OpenLedger(settings.Store.DSN)
		if err != nil {
			return &startupError{exitStartupError, fmt.Errorf("open history ledger: %w", err)}
		}
		defer func() { _ = ledger.Close() }()
	}

	cpu := cpusampler.New(2*time.Second, 120)
	if err := cpu.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("cpu sampler metrics registration failed", "err", err)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}

	reg, err := registry.Load(paths.progsYAML, nil)
	if err != nil {
		return &startupError{exitStartupError, fmt.Errorf("load %s: %w", paths.progsYAML, err)}
	}

	spawnOpt := spawn.Options{
		GlobalVenv:    settings.Venv,
		GlobalNode:    settings.Node,
		GlobalWorkDir: settings.Cwd,
		ConfigDir:     dataDir,
	}

	sup := supervisor.New(supervisor.Config{
		DelaySeconds:           settings.Restart.DelaySeconds,
		MaxConsecutiveFailures: settings.Restart.MaxConsecutiveFailures,
		FailureResetSeconds:    settings.Restart.FailureResetSeconds,
	}, reg, lm, store, ledger, cpu, globalEnv, spawnOpt, log)
	reg.SetIsRunning(sup.IsRunning)

	installPool := installer.NewPool(installer.Options{
		UploadRoot: paths.uploadRoot,
	}, lm, 4)

	ctrl := control.New(reg, sup, installPool, paths.logDir, paths.uploadRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Reattach()
	sup.BootStart()

	addr := net.JoinHostPort(settings.WebUI.Host, fmt.Sprintf("%d", settings.WebUI.Port))
	srv := httpapi.NewServer(addr, ctrl)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "title", settings.WebUI.Title)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	monitorDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(monitorDone)
	}()

	select {
	case err := <-serveErr:
		stop()
		cpu.Stop()
		<-monitorDone
		sup.Shutdown()
		if err != nil {
			if isAddrInUse(err) {
				return &startupError{exitPortInUse, fmt.Errorf("listen %s: %w", addr, err)}
			}
			return &startupError{exitStartupError, fmt.Errorf("serve: %w", err)}
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		cpu.Stop()
		<-monitorDone
		sup.Shutdown()
		return nil
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return false
}

type paths struct {
	managerYAML   string
	progsYAML     string
	pidsJSON      string
	supervisorLog string
	logDir        string
	uploadRoot    string
}

func layout(dataDir string) paths {
	return paths{
		managerYAML:   filepath.Join(dataDir, "manager.yaml"),
		progsYAML:     filepath.Join(dataDir, "progs.yaml"),
		pidsJSON:      filepath.Join(dataDir, "pids.json"),
		supervisorLog: filepath.Join(dataDir, "supervisor.log"),
		logDir:        filepath.Join(dataDir, "log"),
		uploadRoot:    filepath.Join(dataDir, "uploaded_programs"),
	}
}

// ---- one-shot CLI commands talking to a running daemon's HTTP surface ----

func resolveAPIBase(dataDir, apiBase string) (string, error) {
	if apiBase != "" {
		return apiBase, nil
	}
	settings, err := config.Load(layout(dataDir).managerYAML)
	if err != nil {
		return "", err
	}
	host := settings.WebUI.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", settings.WebUI.Port))), nil
}

func apiGet(base, path string, out any) error {
	resp, err := http.Get(base + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiPost(base, path string) error {
	resp, err := http.Post(base+path, "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("%s", resp.Status)
}

type statusRow struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	PID                 int       `json:"pid"`
	StartedAt           time.Time `json:"started_at"`
	UptimeSeconds       int64     `json:"uptime_s"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Kind                string    `json:"kind"`
	Enabled             bool      `json:"enabled"`
	Uploaded            bool      `json:"uploaded"`
	Comment             string    `json:"comment"`
}

func newStatusCmd(dataDir, apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show program status",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveAPIBase(*dataDir, *apiBase)
			if err != nil {
				return err
			}
			var rows []statusRow
			if err := apiGet(base, "/api/status", &rows); err != nil {
				return err
			}
			filter := ""
			if len(args) > 0 {
				filter = args[0]
			}
			for _, r := range rows {
				if filter != "" && r.Name != filter {
					continue
				}
				printStatusRow(r)
			}
			return nil
		},
	}
}

func printStatusRow(r statusRow) {
	var colorize func(a ...any) string
	switch r.State {
	case "running":
		colorize = color.New(color.FgGreen).SprintFunc()
	case "broken", "error":
		colorize = color.New(color.FgRed).SprintFunc()
	case "restarting", "starting", "stopping", "installing":
		colorize = color.New(color.FgYellow).SprintFunc()
	default:
		colorize = color.New(color.FgWhite).SprintFunc()
	}
	fmt.Printf("%-20s %-12s pid=%-8d uptime=%-6ds failures=%d\n",
		r.Name, colorize(r.State), r.PID, r.UptimeSeconds, r.ConsecutiveFailures)
}

func newStartCmd(dataDir, apiBase *string) *cobra.Command {
	return actionCmd("start", "Start a program", dataDir, apiBase)
}

func newStopCmd(dataDir, apiBase *string) *cobra.Command {
	return actionCmd("stop", "Stop a program", dataDir, apiBase)
}

func newRestartCmd(dataDir, apiBase *string) *cobra.Command {
	return actionCmd("restart", "Restart a program", dataDir, apiBase)
}

func actionCmd(verb, short string, dataDir, apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveAPIBase(*dataDir, *apiBase)
			if err != nil {
				return err
			}
			if err := apiPost(base, "/api/"+verb+"/"+args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: %s requested\n", args[0], verb)
			return nil
		},
	}
}

