package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mwhitt/warden/internal/api"
	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/config"
	"github.com/mwhitt/warden/internal/connector"
	"github.com/mwhitt/warden/internal/loop"
	"github.com/mwhitt/warden/internal/orchestrator"
	"github.com/mwhitt/warden/internal/retry"
	"github.com/mwhitt/warden/internal/state"
	"github.com/mwhitt/warden/internal/store"
	"github.com/mwhitt/warden/internal/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warden daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running warden daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show warden daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "warden.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "warden version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("warden is already running (PID %d)", pid)
		}
		return fmt.Errorf("warden is already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the record store.
	recordStore, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			slog.Error("closing record store", "error", err)
		}
	}()

	auditLog, err := audit.NewLogger(filepath.Join(cfg.Storage.DataDir, "audit"))
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}

	machine := state.NewMachine(recordStore, auditLog)

	// Connector registry from config.
	registry := connector.NewRegistry()
	registry.Register("webhook", connector.NewWebhook(cfg.Orchestrator.ConnectorTimeout, cfg.Connectors.WebhookTokenEnv))
	if len(cfg.Connectors.ScriptCommand) > 0 {
		script, err := connector.NewScript(cfg.Connectors.ScriptCommand, cfg.Connectors.ScriptTimeout)
		if err != nil {
			return fmt.Errorf("configuring script connector: %w", err)
		}
		registry.Register("script", script)
	}
	slog.Info("connectors registered", "actions", registry.Actions())

	// Orchestrator.
	orch := orchestrator.New(recordStore, registry, auditLog, orchestrator.Options{
		PollInterval:     cfg.Orchestrator.PollInterval,
		Workers:          cfg.Orchestrator.Workers,
		ConnectorTimeout: cfg.Orchestrator.ConnectorTimeout,
		Policy: retry.Policy{
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			BaseDelay:   cfg.Orchestrator.RetryBaseDelay,
			Multiplier:  cfg.Orchestrator.RetryMultiplier,
		},
	})
	go orch.Run(ctx)

	// Approval expiry sweeper shares the orchestrator cadence.
	go runExpirySweeper(ctx, machine, cfg.Orchestrator.PollInterval)

	// Watchdog, if a roster is configured.
	var dog *watchdog.Watchdog
	if cfg.Watchdog.RosterPath != "" {
		roster, err := watchdog.LoadRoster(cfg.Watchdog.RosterPath)
		if err != nil {
			return fmt.Errorf("loading watchdog roster: %w", err)
		}
		healthState, err := watchdog.OpenStateFile(filepath.Join(cfg.Storage.DataDir, "watchdog-state.json"))
		if err != nil {
			return fmt.Errorf("opening watchdog state: %w", err)
		}
		dog = watchdog.New(roster, healthState, auditLog, watchdog.Options{
			Interval:  cfg.Watchdog.Interval,
			Window:    cfg.Watchdog.Window,
			Threshold: cfg.Watchdog.Threshold,
		})
		go dog.Run(ctx)
		slog.Info("watchdog supervising", "components", len(roster.Components))
	}

	// Autonomous loop controller. Without a reasoner command the daemon
	// still tracks loop state for host runtimes driving the step boundary.
	var reasoner loop.Reasoner
	if len(cfg.Loop.ReasonerCommand) > 0 {
		reasoner, err = loop.NewCommandReasoner(cfg.Loop.ReasonerCommand)
		if err != nil {
			return fmt.Errorf("configuring reasoner: %w", err)
		}
	}
	loops, err := loop.NewController(machine, reasoner, auditLog, filepath.Join(cfg.Storage.DataDir, "loops"))
	if err != nil {
		return fmt.Errorf("configuring loop controller: %w", err)
	}

	// Management API.
	token, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	handler := api.NewHandler(api.Deps{
		Store:             recordStore,
		Machine:           machine,
		Audit:             auditLog,
		Watchdog:          dog,
		Loops:             loops,
		Token:             token,
		LoopCtx:           ctx,
		LoopMaxIterations: cfg.Loop.MaxIterations,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server for the reasoning agent (stdio transport).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: recordStore, Machine: machine})
	stdioSrv := mcpserver.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("warden listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.OpenSQLite(cfg.DataDir)
	default:
		return store.OpenFS(filepath.Join(cfg.DataDir, "records"))
	}
}

// runExpirySweeper advances stale pending approvals to expired on the same
// cadence as the orchestrator poll.
func runExpirySweeper(ctx context.Context, machine *state.Machine, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		expired, err := machine.ExpireStale(ctx)
		if err != nil {
			slog.Error("expiry sweep failed", "error", err)
			continue
		}
		for _, id := range expired {
			slog.Info("approval request expired", "item_id", id)
		}
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("warden is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop warden (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to warden (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Daemon", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Daemon", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Store", "%s (%s)", cfg.Storage.Backend, cfg.Storage.DataDir)
	if cfg.Watchdog.RosterPath != "" {
		printStatus("Roster", "%s", cfg.Watchdog.RosterPath)
	}

	if running {
		apiClient, err := newAPIClient()
		if err != nil {
			return nil
		}
		for _, st := range []string{"pending_approval", "approved", "executing", "failed"} {
			var items []map[string]any
			resp, err := apiClient.get(context.Background(), "/items?state="+st)
			if err != nil {
				continue
			}
			if decodeJSON(resp, &items) == nil {
				printStatus(st, "%d", len(items))
			}
		}
	}
	return nil
}
