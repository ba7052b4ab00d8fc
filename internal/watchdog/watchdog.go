// Package watchdog keeps a fixed roster of long-running components alive.
// Dead components are restarted; components that crash repeatedly within a
// sliding window are parked behind a persistent alert until a human clears
// it.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mwhitt/warden/internal/audit"
)

// CheckType selects how liveness is determined for a component.
type CheckType string

const (
	CheckPID     CheckType = "pid"     // pidfile at Target, process signal 0
	CheckHTTP    CheckType = "http"    // GET Target, any 2xx
	CheckCommand CheckType = "command" // run Target, exit 0
)

// Check describes a component's liveness probe.
type Check struct {
	Type   CheckType `yaml:"type"`
	Target string    `yaml:"target"`
}

// Component is one roster entry. A disabled component is skipped entirely:
// never probed, never restarted, never counted toward crash-loop detection.
type Component struct {
	Name    string   `yaml:"name"`
	Check   Check    `yaml:"check"`
	Start   []string `yaml:"start"`
	Enabled bool     `yaml:"enabled"`
}

// Roster is the supervised component list, loaded once at startup. Changes
// require a restart.
type Roster struct {
	Components []Component `yaml:"components"`
}

// LoadRoster reads and validates a YAML roster file.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("reading roster: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("parsing roster: %w", err)
	}
	seen := make(map[string]bool)
	for _, c := range r.Components {
		if c.Name == "" {
			return Roster{}, fmt.Errorf("roster entry missing name")
		}
		if seen[c.Name] {
			return Roster{}, fmt.Errorf("duplicate roster entry %q", c.Name)
		}
		seen[c.Name] = true
		switch c.Check.Type {
		case CheckPID, CheckHTTP, CheckCommand:
		default:
			return Roster{}, fmt.Errorf("roster entry %q has unknown check type %q", c.Name, c.Check.Type)
		}
		if c.Enabled && len(c.Start) == 0 {
			return Roster{}, fmt.Errorf("roster entry %q has no start command", c.Name)
		}
	}
	return r, nil
}

// Options tune the watchdog. Zero values fall back to defaults.
type Options struct {
	Interval  time.Duration // health-check cycle, default 60s
	Window    time.Duration // crash-loop sliding window, default 5m
	Threshold int           // restarts within the window before alerting, default 3
}

// Watchdog supervises the roster. Health records persist across watchdog
// restarts so crash-loop counters are never silently reset.
type Watchdog struct {
	roster    []Component
	state     *StateFile
	auditLog  *audit.Logger
	logger    *slog.Logger
	interval  time.Duration
	window    time.Duration
	threshold int
	now       func() time.Time

	probe   func(ctx context.Context, c Component) bool
	restart func(c Component) error
}

// New builds a watchdog over the roster, resuming any persisted restart
// history from the state file.
func New(roster Roster, state *StateFile, auditLog *audit.Logger, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	w := &Watchdog{
		roster:    roster.Components,
		state:     state,
		auditLog:  auditLog,
		logger:    slog.Default(),
		interval:  opts.Interval,
		window:    opts.Window,
		threshold: opts.Threshold,
		now:       time.Now,
	}
	w.probe = w.checkLiveness
	w.restart = startComponent
	return w
}

// Run cycles until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		if err := w.Cycle(ctx); err != nil {
			w.logger.Error("health-check cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// Cycle performs one health-check pass over the roster and persists the
// resulting health records.
func (w *Watchdog) Cycle(ctx context.Context) error {
	now := w.now().UTC()

	for _, c := range w.roster {
		if !c.Enabled {
			continue
		}
		rec := w.state.Record(c.Name)
		rec.ExpectedRunning = true

		if w.probe(ctx, c) {
			rec.LastSeenAlive = now
			w.state.Update(rec)
			continue
		}

		if rec.Alerted {
			// Already parked: one alert per condition, not one per crash.
			w.state.Update(rec)
			continue
		}

		if w.withinWindow(rec.Restarts, now) >= w.threshold {
			rec.Alerted = true
			rec.AlertedAt = now
			w.state.Update(rec)
			w.logger.Error("crash loop detected, restarts suspended", "component", c.Name)
			if err := w.auditLog.Log(audit.Entry{
				Event:   "crash_loop_detected",
				Actor:   audit.ActorSystem,
				Params:  map[string]string{"component": c.Name},
				Outcome: "restarts_suspended",
			}); err != nil {
				w.logger.Error("audit write failed", "component", c.Name, "error", err)
			}
			continue
		}

		w.logger.Warn("component dead, restarting", "component", c.Name)
		if err := w.restart(c); err != nil {
			w.logger.Error("restart failed", "component", c.Name, "error", err)
		}
		rec.Restarts = append(w.trimWindow(rec.Restarts, now), now)
		rec.RestartCount++
		w.state.Update(rec)
	}

	if err := w.state.Save(); err != nil {
		return fmt.Errorf("persisting health records: %w", err)
	}
	return nil
}

// ClearAlert lifts a crash-loop condition so the component becomes eligible
// for restarts again. Manual intervention only.
func (w *Watchdog) ClearAlert(name string) error {
	rec, ok := w.state.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown component %q", name)
	}
	rec.Alerted = false
	rec.AlertedAt = time.Time{}
	rec.Restarts = nil
	w.state.Update(rec)
	if err := w.state.Save(); err != nil {
		return fmt.Errorf("persisting health records: %w", err)
	}
	if err := w.auditLog.Log(audit.Entry{
		Event:   "crash_loop_cleared",
		Actor:   audit.ActorHuman,
		Params:  map[string]string{"component": name},
		Outcome: "restarts_resumed",
	}); err != nil {
		w.logger.Error("audit write failed", "component", name, "error", err)
	}
	return nil
}

// Records returns a snapshot of all known health records.
func (w *Watchdog) Records() []HealthRecord {
	return w.state.All()
}

func (w *Watchdog) withinWindow(restarts []time.Time, now time.Time) int {
	return len(w.trimWindow(restarts, now))
}

func (w *Watchdog) trimWindow(restarts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	var kept []time.Time
	for _, t := range restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (w *Watchdog) checkLiveness(ctx context.Context, c Component) bool {
	switch c.Check.Type {
	case CheckPID:
		return pidAlive(c.Check.Target)
	case CheckHTTP:
		return httpAlive(ctx, c.Check.Target)
	case CheckCommand:
		return commandAlive(ctx, c.Check.Target)
	}
	return false
}

func pidAlive(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func httpAlive(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func commandAlive(ctx context.Context, command string) bool {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(probeCtx, argv[0], argv[1:]...).Run() == nil
}

// startComponent launches the component's start command detached; the
// component is expected to daemonize or keep itself alive.
func startComponent(c Component) error {
	cmd := exec.Command(c.Start[0], c.Start[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Name, err)
	}
	return cmd.Process.Release()
}
