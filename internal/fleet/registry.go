package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/otel"
	"github.com/basket/clubfleet/internal/roster"
)

// ErrConnectionLimit means the fleet is at its configured connection cap.
var ErrConnectionLimit = errors.New("connection limit reached")

// Registry is the single source of truth for which bots exist and which
// have a live session. It enforces at most one connection per bot id.
type Registry struct {
	cfg     *config.Config
	store   *roster.Store
	bus     *bus.Bus
	relay   *PromptRelay
	logger  *slog.Logger
	metrics *otel.Metrics
	dial    Dialer

	mu       sync.RWMutex
	bots     map[string]*roster.Bot
	order    []string
	conns    map[string]*Conn
	clubCode int
}

// NewRegistry wires a registry. A nil dialer uses the real WebSocket dialer.
func NewRegistry(cfg *config.Config, store *roster.Store, b *bus.Bus, relay *PromptRelay,
	logger *slog.Logger, metrics *otel.Metrics, dial Dialer) *Registry {
	if dial == nil {
		dial = DialWebSocket
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		bus:      b,
		relay:    relay,
		logger:   logger,
		metrics:  metrics,
		dial:     dial,
		bots:     make(map[string]*roster.Bot),
		conns:    make(map[string]*Conn),
		clubCode: cfg.ClubCode,
	}
}

// Load populates bot records from the roster store.
func (r *Registry) Load() error {
	bots, err := r.store.Load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots = make(map[string]*roster.Bot, len(bots))
	r.order = r.order[:0]
	for i := range bots {
		bot := bots[i]
		r.bots[bot.ID()] = &bot
		r.order = append(r.order, bot.ID())
	}
	return nil
}

// Reload re-reads the roster, preserving each bot's mutable task-result
// fields when the freshly loaded record omits or zeroes them: the incoming
// value wins only when truthy.
func (r *Registry) Reload() (int, error) {
	bots, err := r.store.Load()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.bots
	r.bots = make(map[string]*roster.Bot, len(bots))
	r.order = r.order[:0]
	for i := range bots {
		bot := bots[i]
		if old, ok := previous[bot.ID()]; ok {
			bot.Membership = bot.Membership || old.Membership
			bot.CanMessage = bot.CanMessage || old.CanMessage
			bot.CanMic = bot.CanMic || old.CanMic
			if bot.LastChecked == "" {
				bot.LastChecked = old.LastChecked
			}
		}
		r.bots[bot.ID()] = &bot
		r.order = append(r.order, bot.ID())
	}
	r.logger.Info("roster reloaded", "bots", len(r.bots))
	return len(r.bots), nil
}

// Connect returns the existing connection for the bot when one is live;
// otherwise it creates one, registers it before awaiting the handshake so a
// mid-handshake auth challenge can be correlated back, and awaits the
// handshake. On failure the registration is removed and the error returned.
func (r *Registry) Connect(ctx context.Context, botID string) (*Conn, error) {
	r.mu.Lock()
	if c, ok := r.conns[botID]; ok {
		r.mu.Unlock()
		// Share the in-flight (or completed) handshake outcome.
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	bot, ok := r.bots[botID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBot, botID)
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		return nil, ErrConnectionLimit
	}

	c := newConn(*bot, ConnConfig{
		URL:         r.cfg.WebSocketURL,
		Origin:      r.cfg.WebSocketOrigin,
		Timeouts:    r.cfg.Timeouts,
		Keepalive:   r.cfg.Delays.Keepalive(),
		DefaultClub: r.ClubCode,
	}, r.dial, r.bus, r.relay, r.logger, r.metrics, r.removeConn)
	r.conns[botID] = c
	r.mu.Unlock()
	r.metrics.ActiveConnections.Add(ctx, 1)

	if err := c.Connect(ctx); err != nil {
		r.dropConn(botID, c)
		return nil, err
	}
	r.logger.Info("bot connected", "bot_id", botID)
	return c, nil
}

// BulkConnect connects each bot in turn with a fixed spacing delay so the
// platform never sees a burst. Failures are logged and skipped.
func (r *Registry) BulkConnect(ctx context.Context, botIDs []string) {
	for _, id := range botIDs {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Connect(ctx, id); err != nil {
			r.logger.Warn("bulk connect failed", "bot_id", id, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.Delays.BulkConnect()):
		}
	}
}

// Disconnect tears down the bot's session. Returns false when the bot had
// no live connection.
func (r *Registry) Disconnect(botID string) bool {
	r.mu.RLock()
	c, ok := r.conns[botID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.Disconnect()
	return true
}

// DisconnectAll forcibly terminates every live session. In-flight task work
// relying on those sessions surfaces as failures, by contract.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Disconnect()
	}
	r.logger.Info("all bots disconnected", "count", len(conns))
}

// removeConn is the connection close callback.
func (r *Registry) removeConn(botID string, unexpected bool) {
	r.mu.Lock()
	c, ok := r.conns[botID]
	if ok {
		delete(r.conns, botID)
	}
	r.mu.Unlock()
	if ok && c != nil {
		r.metrics.ActiveConnections.Add(context.Background(), -1)
	}
	// A disconnect supersedes any challenge still waiting for a token.
	r.relay.Remove(botID)
	if unexpected {
		r.logger.Warn("bot dropped", "bot_id", botID)
	}
}

// dropConn removes a registration after a failed handshake, tolerating the
// close callback having removed it already.
func (r *Registry) dropConn(botID string, c *Conn) {
	r.mu.Lock()
	cur, ok := r.conns[botID]
	if ok && cur == c {
		delete(r.conns, botID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.metrics.ActiveConnections.Add(context.Background(), -1)
	}
}

// Connection returns the live connection for the bot, or nil.
func (r *Registry) Connection(botID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[botID]
}

// ConnectedIDs lists bot ids with a live session, in roster order.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for _, id := range r.order {
		if _, ok := r.conns[id]; ok {
			out = append(out, id)
		}
	}
	// Connections for bots that fell out of the roster on reload.
	for id := range r.conns {
		if _, known := r.bots[id]; !known {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarizes the fleet.
type Stats struct {
	TotalBots int `json:"totalBots"`
	Connected int `json:"connected"`
	InClub    int `json:"inClub"`
}

// Stats computes fleet-wide counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{TotalBots: len(r.bots), Connected: len(r.conns)}
	for _, c := range r.conns {
		if c.IsInClub() {
			s.InClub++
		}
	}
	return s
}

// BotStatus merges a bot record with its connection's transient state.
type BotStatus struct {
	BotID         string `json:"botId"`
	Name          string `json:"name"`
	GroupContext  string `json:"gc"`
	Connected     bool   `json:"connected"`
	InClub        bool   `json:"inClub"`
	ClubCode      string `json:"clubCode,omitempty"`
	Status        Status `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Membership    bool   `json:"membership"`
	CanMessage    bool   `json:"message"`
	CanMic        bool   `json:"micTime"`
	LastChecked   string `json:"lastChecked,omitempty"`
}

// ListWithStatus snapshots every bot for external reporting.
func (r *Registry) ListWithStatus() []BotStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BotStatus, 0, len(r.order))
	for _, id := range r.order {
		bot := r.bots[id]
		st := BotStatus{
			BotID:        id,
			Name:         bot.Name,
			GroupContext: bot.GroupContext,
			Status:       StatusDisconnected,
			Membership:   bot.Membership,
			CanMessage:   bot.CanMessage,
			CanMic:       bot.CanMic,
			LastChecked:  bot.LastChecked,
		}
		if c, ok := r.conns[id]; ok {
			snap := c.Snapshot()
			st.Connected = true
			st.InClub = snap.InClub
			st.ClubCode = snap.ClubCode
			st.Status = snap.Status
			st.UptimeSeconds = int64(snap.Uptime / time.Second)
		}
		out = append(out, st)
	}
	return out
}

// RecordUpdate carries partial task-result fields for one bot.
type RecordUpdate struct {
	Membership  *bool
	CanMessage  *bool
	CanMic      *bool
	LastChecked string
}

// UpdateRecord merges probe/action outcomes into a bot record.
func (r *Registry) UpdateRecord(botID string, upd RecordUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bot, ok := r.bots[botID]
	if !ok {
		return
	}
	if upd.Membership != nil {
		bot.Membership = *upd.Membership
	}
	if upd.CanMessage != nil {
		bot.CanMessage = *upd.CanMessage
	}
	if upd.CanMic != nil {
		bot.CanMic = *upd.CanMic
	}
	if upd.LastChecked != "" {
		bot.LastChecked = upd.LastChecked
	}
}

// Bots snapshots every record in roster order, for persistence.
func (r *Registry) Bots() []roster.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]roster.Bot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.bots[id])
	}
	return out
}

// Bot returns the record for one bot id.
func (r *Registry) Bot(botID string) (roster.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bot, ok := r.bots[botID]
	if !ok {
		return roster.Bot{}, false
	}
	return *bot, true
}

// ClubCode returns the current target club code as the string the protocol
// wants.
func (r *Registry) ClubCode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strconv.Itoa(r.clubCode)
}

// ClubCodeInt returns the numeric club code for reporting.
func (r *Registry) ClubCodeInt() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clubCode
}

// SetClubCode changes the target club for subsequent joins.
func (r *Registry) SetClubCode(code int) {
	r.mu.Lock()
	r.clubCode = code
	r.mu.Unlock()
	r.logger.Info("club code updated", "club_code", code)
}

// AnswerPrompt forwards a human-supplied token verbatim to the bot and
// removes the pending prompt. When the bot has no live connection the
// prompt stays registered so the caller can retry after reconnecting.
func (r *Registry) AnswerPrompt(botID, token string) error {
	c := r.Connection(botID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, botID)
	}
	if err := c.SendRaw(token); err != nil {
		return err
	}
	r.relay.Remove(botID)
	return nil
}

// Prompts exposes the relay for listing.
func (r *Registry) Prompts() *PromptRelay { return r.relay }
