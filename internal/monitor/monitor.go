// Package monitor logs a periodic fleet status report: connection counts,
// club occupancy, pending auth prompts, and the progress of any running
// task. The report keeps long unattended runs observable from the log file
// alone.
package monitor

import (
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clubfleet/internal/fleet"
	"github.com/basket/clubfleet/internal/tasks"
)

// Config holds the monitor's dependencies and its cron schedule.
type Config struct {
	Schedule string // standard 5-field cron expression
	Registry *fleet.Registry
	Tasks    *tasks.Engine
	Logger   *slog.Logger
}

// Monitor drives the status report on a cron schedule.
type Monitor struct {
	cron   *cronlib.Cron
	reg    *fleet.Registry
	tasks  *tasks.Engine
	logger *slog.Logger
}

// New parses the schedule and prepares the monitor. Start must be called to
// begin reporting.
func New(cfg Config) (*Monitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cron:   cronlib.New(),
		reg:    cfg.Registry,
		tasks:  cfg.Tasks,
		logger: logger.With("component", "monitor"),
	}
	if _, err := m.cron.AddFunc(cfg.Schedule, m.report); err != nil {
		return nil, fmt.Errorf("parse monitor schedule %q: %w", cfg.Schedule, err)
	}
	return m, nil
}

// Start begins the schedule in its own goroutine.
func (m *Monitor) Start() {
	m.cron.Start()
	m.logger.Info("fleet monitor started")
}

// Stop halts the schedule and waits for an in-flight report to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("fleet monitor stopped")
}

func (m *Monitor) report() {
	stats := m.reg.Stats()
	m.logger.Info("fleet status",
		"total_bots", stats.TotalBots,
		"connected", stats.Connected,
		"in_club", stats.InClub,
		"pending_prompts", len(m.reg.Prompts().List()),
		"club_code", m.reg.ClubCodeInt(),
	)
	for _, st := range m.tasks.StatusAll() {
		if !st.Running {
			continue
		}
		m.logger.Info("task progress",
			"task", st.Kind,
			"run_id", st.RunID,
			"completed", st.Completed,
			"failed", st.Failed,
			"total", st.Total,
			"stop_requested", st.StopRequested,
		)
	}
}
