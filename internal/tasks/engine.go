// Package tasks runs fleet-wide campaigns over connected bots: membership
// probing, message flooding, and mic-slot acquisition. At most one run per
// task kind is active at a time; runs stop cooperatively at iteration
// boundaries and persist their results to the roster on completion.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/fleet"
	"github.com/basket/clubfleet/internal/otel"
	"github.com/basket/clubfleet/internal/roster"
)

var (
	// ErrAlreadyRunning means a run of this kind is still in progress.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrNoBots means no bot has a live connection to run against.
	ErrNoBots = errors.New("no connected bots available")
)

// Kind names a task family. One run per kind may be active.
type Kind string

const (
	KindMembership Kind = "membership"
	KindMessage    Kind = "message"
	KindMic        Kind = "mic"
)

// Kinds lists every task family in reporting order.
func Kinds() []Kind { return []Kind{KindMembership, KindMessage, KindMic} }

// State is a point-in-time view of one task kind's latest run.
type State struct {
	Kind          Kind      `json:"kind"`
	RunID         string    `json:"runId,omitempty"`
	Running       bool      `json:"running"`
	StopRequested bool      `json:"stopRequested"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	StartedAt     time.Time `json:"startedAt,omitzero"`
	FinishedAt    time.Time `json:"finishedAt,omitzero"`
}

type run struct {
	state State
}

// Engine owns the three task runners and their shared dependencies.
type Engine struct {
	cfg     *config.Config
	reg     *fleet.Registry
	store   *roster.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu   sync.Mutex
	runs map[Kind]*run
	wg   sync.WaitGroup
}

// NewEngine wires a task engine over the fleet registry.
func NewEngine(cfg *config.Config, reg *fleet.Registry, store *roster.Store, b *bus.Bus,
	logger *slog.Logger, metrics *otel.Metrics) *Engine {
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		bus:     b,
		logger:  logger.With("component", "tasks"),
		metrics: metrics,
		runs:    make(map[Kind]*run),
	}
}

// begin claims the runner for one kind and snapshots the target bot set.
// An explicit bot id list wins; an empty one targets every connected bot.
// The claim is atomic: a second starter observes ErrAlreadyRunning until
// the active run finishes.
func (e *Engine) begin(kind Kind, botIDs []string) (string, []string, error) {
	ids := make([]string, 0, len(botIDs))
	for _, id := range botIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = e.reg.ConnectedIDs()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[kind]; ok && r.state.Running {
		return "", nil, ErrAlreadyRunning
	}
	if len(ids) == 0 {
		return "", nil, ErrNoBots
	}

	runID := uuid.NewString()
	e.runs[kind] = &run{state: State{
		Kind:      kind,
		RunID:     runID,
		Running:   true,
		Total:     len(ids),
		StartedAt: time.Now(),
	}}
	e.bus.Publish(bus.TopicTaskStarted, bus.TaskRunEvent{
		Kind:  string(kind),
		RunID: runID,
		Total: len(ids),
	})
	e.logger.Info("task started", "task", kind, "run_id", runID, "bots", len(ids))
	return runID, ids, nil
}

// record tallies one bot's outcome. Per-bot failures never abort the run.
func (e *Engine) record(kind Kind, botID string, err error) {
	e.mu.Lock()
	r := e.runs[kind]
	if err != nil {
		r.state.Failed++
	} else {
		r.state.Completed++
	}
	e.mu.Unlock()

	if err != nil {
		e.metrics.TaskBotsFailed.Add(context.Background(), 1)
		e.logger.Warn("task bot failed", "task", kind, "bot_id", botID, "error", err)
	} else {
		e.metrics.TaskBotsCompleted.Add(context.Background(), 1)
	}
}

// finish closes out the run, persists roster results, and publishes the
// completion event.
func (e *Engine) finish(kind Kind) {
	e.mu.Lock()
	r := e.runs[kind]
	r.state.Running = false
	r.state.FinishedAt = time.Now()
	state := r.state
	e.mu.Unlock()

	e.metrics.TaskDuration.Record(context.Background(),
		state.FinishedAt.Sub(state.StartedAt).Seconds())

	if err := e.store.Save(e.reg.Bots()); err != nil {
		e.logger.Error("persist roster after task", "task", kind, "error", err)
	}
	if kind == KindMembership {
		if err := e.store.SaveMembers(e.reg.Bots()); err != nil {
			e.logger.Error("persist members file", "task", kind, "error", err)
		}
	}

	e.bus.Publish(bus.TopicTaskCompleted, bus.TaskRunEvent{
		Kind:      string(kind),
		RunID:     state.RunID,
		Total:     state.Total,
		Completed: state.Completed,
		Failed:    state.Failed,
	})
	e.logger.Info("task finished", "task", kind, "run_id", state.RunID,
		"completed", state.Completed, "failed", state.Failed, "total", state.Total)
}

// Stop requests a cooperative stop: sequential runs break at the next bot
// boundary, the mic run at the next batch boundary. Work already in flight
// completes and is counted. Returns false when nothing is running.
func (e *Engine) Stop(kind Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[kind]
	if !ok || !r.state.Running {
		return false
	}
	r.state.StopRequested = true
	e.logger.Info("task stop requested", "task", kind, "run_id", r.state.RunID)
	return true
}

// StopAll requests a stop on every running task.
func (e *Engine) StopAll() {
	for _, kind := range Kinds() {
		e.Stop(kind)
	}
}

func (e *Engine) stopRequested(kind Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[kind]
	return ok && r.state.StopRequested
}

// Status reports the latest run of one kind. The zero State is returned
// before the first run.
func (e *Engine) Status(kind Kind) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[kind]; ok {
		return r.state
	}
	return State{Kind: kind}
}

// StatusAll reports every task kind.
func (e *Engine) StatusAll() []State {
	out := make([]State, 0, len(Kinds()))
	for _, kind := range Kinds() {
		out = append(out, e.Status(kind))
	}
	return out
}

// Wait blocks until every spawned run goroutine has returned. Used on
// shutdown after StopAll.
func (e *Engine) Wait() { e.wg.Wait() }

// ensureInClub joins the target club when the session is not already in one,
// then lets the join settle before further club traffic.
func (e *Engine) ensureInClub(conn *fleet.Conn, club string) error {
	if conn.IsInClub() {
		return nil
	}
	if err := conn.JoinClub(club); err != nil {
		return err
	}
	time.Sleep(e.cfg.Delays.JoinSettle())
	return nil
}

// probeMembership sends the permission query and waits for the correlated
// membership event on the bus.
func (e *Engine) probeMembership(ctx context.Context, conn *fleet.Conn) (bus.MembershipEvent, error) {
	w := fleet.NewEventWaiter(e.bus, conn.BotID())
	defer w.Close()
	if err := conn.CheckMembership(""); err != nil {
		return bus.MembershipEvent{}, err
	}
	return fleet.WaitFor[bus.MembershipEvent](ctx, w, e.cfg.Timeouts.MembershipCheck())
}

// applyProbe writes a probe outcome into the bot's roster record.
func (e *Engine) applyProbe(botID string, ev bus.MembershipEvent) {
	member := ev.Member
	canMessage := ev.CanMessage
	canMic := ev.CanMic
	e.reg.UpdateRecord(botID, fleet.RecordUpdate{
		Membership:  &member,
		CanMessage:  &canMessage,
		CanMic:      &canMic,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	})
}

// pause sleeps unless the context ends first.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
