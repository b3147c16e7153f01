package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/otel"
	"github.com/basket/clubfleet/internal/protocol"
	"github.com/basket/clubfleet/internal/roster"
)

// Status is the connection phase. Club membership is a session attribute on
// top of StatusConnected, not a phase of its own.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusAwaitingAuth Status = "awaiting-auth"
	StatusConnected    Status = "connected"
)

const (
	writeTimeout = 10 * time.Second
	// The platform tags the first client-sequenced message with 2.
	initialSequence = 2
)

// ConnConfig carries the per-connection knobs resolved by the registry.
type ConnConfig struct {
	URL         string
	Origin      string
	Timeouts    config.TimeoutConfig
	Keepalive   time.Duration
	DefaultClub func() string
}

// Conn owns exactly one transport session for one bot. All sends are
// serialized on the connection's mutex, so sequence numbers are strictly
// increasing and frames leave in call order.
type Conn struct {
	bot     roster.Bot
	id      string
	cfg     ConnConfig
	dial    Dialer
	bus     *bus.Bus
	relay   *PromptRelay
	logger  *slog.Logger
	metrics *otel.Metrics
	onClose func(botID string, unexpected bool)

	gotInbound atomic.Bool

	connectOnce sync.Once
	ready       chan struct{}
	connectErr  error

	mu            sync.Mutex
	tr            Transport
	status        Status
	authenticated bool
	inClub        bool
	clubCode      string
	seq           int
	createdAt     time.Time
	closed        bool
	heartbeatOn   bool
	joinTimer     *time.Timer
	cancel        context.CancelFunc
}

func newConn(bot roster.Bot, cfg ConnConfig, dial Dialer, b *bus.Bus, relay *PromptRelay,
	logger *slog.Logger, metrics *otel.Metrics, onClose func(string, bool)) *Conn {
	return &Conn{
		bot:     bot,
		id:      bot.ID(),
		cfg:     cfg,
		dial:    dial,
		bus:     b,
		relay:   relay,
		logger:  logger.With("bot_id", bot.ID(), "bot", bot.Name),
		metrics: metrics,
		onClose: onClose,
		ready:   make(chan struct{}),
		status:  StatusDisconnected,
		seq:     initialSequence,
	}
}

// BotID returns the owning bot id.
func (c *Conn) BotID() string { return c.id }

// Connect opens the transport, sends the authenticate envelope, and waits
// for authentication to succeed. An authentication challenge observed while
// waiting parks the session in StatusAwaitingAuth and registers a prompt on
// the relay; the wait keeps running until auth succeeds or the overall
// connection window elapses. Connect is idempotent: concurrent callers share
// one handshake and observe the same outcome.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectOnce.Do(func() {
		c.connectErr = c.runHandshake(ctx)
		close(c.ready)
	})
	select {
	case <-c.ready:
		return c.connectErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) runHandshake(ctx context.Context) error {
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.Timeouts.Connect())
	defer cancelDial()
	tr, err := c.dial(dialCtx, c.cfg.URL, c.cfg.Origin)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.tr = tr
	c.cancel = cancel
	c.createdAt = time.Now()
	c.mu.Unlock()

	// Subscribe before the first send so no classified event can be missed.
	sub := c.bus.Subscribe(bus.ConnPrefix(c.id))
	defer c.bus.Unsubscribe(sub)

	go c.readLoop(loopCtx, tr)

	if err := c.send(protocol.NewAuth(c.bot.Key, c.bot.Endpoint)); err != nil {
		c.teardown(false)
		return fmt.Errorf("send auth: %w", err)
	}

	authTimer := time.NewTimer(c.cfg.Timeouts.AuthResponse())
	defer authTimer.Stop()
	overall := time.NewTimer(c.cfg.Timeouts.Connect())
	defer overall.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardown(false)
			return ctx.Err()
		case <-authTimer.C:
			// The short window only fires when the platform stayed silent.
			// Any inbound traffic, including a challenge, extends the wait
			// to the overall connection window.
			if !c.gotInbound.Load() {
				c.teardown(false)
				return ErrAuthTimeout
			}
		case <-overall.C:
			c.teardown(false)
			return ErrConnectTimeout
		case ev, ok := <-sub.Ch():
			if !ok {
				c.teardown(false)
				return ErrConnectionClosed
			}
			switch ev.Payload.(type) {
			case bus.AuthenticatedEvent:
				return nil
			case bus.DisconnectedEvent:
				return ErrConnectionClosed
			}
		}
	}
}

// readLoop classifies every inbound frame and publishes the corresponding
// typed event. It exits when the transport closes.
func (c *Conn) readLoop(ctx context.Context, tr Transport) {
	for {
		data, err := tr.Read(ctx)
		if err != nil {
			c.handleTransportClosed()
			return
		}
		c.gotInbound.Store(true)

		msg := protocol.DecodeFrame(data)
		if msg.Empty() {
			// Malformed frames never propagate; the session keeps running.
			c.metrics.DecodeFailures.Add(ctx, 1)
			c.logger.Debug("undecodable frame dropped", "bytes", len(data))
			continue
		}
		c.metrics.FramesDecoded.Add(ctx, 1)
		c.handleMessage(msg)
	}
}

func (c *Conn) handleMessage(msg protocol.Message) {
	switch protocol.Classify(msg) {
	case protocol.KindAuthChallenge:
		c.mu.Lock()
		c.status = StatusAwaitingAuth
		c.mu.Unlock()
		c.logger.Info("authentication challenge received, waiting for token")
		c.relay.Register(Prompt{
			BotID:     c.id,
			BotName:   c.bot.Name,
			Challenge: msg.PY,
			CreatedAt: time.Now(),
		})
		c.bus.Publish(bus.ConnTopic(c.id, bus.KindAuthPrompt), bus.AuthPromptEvent{BotID: c.id, BotName: c.bot.Name})

	case protocol.KindAuthSuccess:
		c.mu.Lock()
		c.authenticated = true
		c.status = StatusConnected
		start := !c.heartbeatOn
		c.heartbeatOn = true
		c.mu.Unlock()
		c.logger.Info("authenticated")
		if start {
			go c.heartbeat()
		}
		c.bus.Publish(bus.ConnTopic(c.id, bus.KindAuthenticated), bus.AuthenticatedEvent{BotID: c.id})

	case protocol.KindJoinAck:
		c.mu.Lock()
		c.inClub = true
		code := c.clubCode
		if c.joinTimer != nil {
			c.joinTimer.Stop()
			c.joinTimer = nil
		}
		c.mu.Unlock()
		c.logger.Info("club joined", "club", code)
		c.bus.Publish(bus.ConnTopic(c.id, bus.KindClubJoined), bus.ClubJoinedEvent{BotID: c.id, ClubCode: code})

	case protocol.KindMembershipReply:
		m := protocol.ParseMembership(msg)
		c.bus.Publish(bus.ConnTopic(c.id, bus.KindMembership), bus.MembershipEvent{
			BotID:      c.id,
			Member:     m.Member,
			CanMessage: m.CanMessage,
			CanMic:     m.CanMic,
			CheckedAt:  time.Now(),
		})

	case protocol.KindMicInvite:
		c.logger.Info("mic invite received")
		if err := c.AcceptMicInvite(); err != nil {
			c.logger.Warn("mic accept failed", "error", err)
		}

	case protocol.KindErrorNotice:
		c.logger.Debug("platform error notice", "payload", string(msg.PY))
	}
}

func (c *Conn) heartbeat() {
	interval := c.cfg.Keepalive
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.send(protocol.NewPing()); err != nil {
			return
		}
	}
}

// send encodes and writes one envelope. It is the single chokepoint for
// outbound traffic on this connection.
func (c *Conn) send(env protocol.Envelope) error {
	wire, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := tr.Write(ctx, wire); err != nil {
		return fmt.Errorf("write %s/%s: %w", env.RH, env.PU, err)
	}
	c.metrics.MessagesSent.Add(ctx, 1)
	return nil
}

// nextSeq returns the next outbound sequence number. Numbers are never
// reused for the lifetime of the connection.
func (c *Conn) nextSeq() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.seq
	c.seq++
	return n
}

// JoinClub sends the join envelope and records the pending club code. The
// join window is advisory: expiry logs a warning but leaves the session
// intact, because the task engines retry joins at their level.
func (c *Conn) JoinClub(clubCode string) error {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	c.clubCode = clubCode
	c.mu.Unlock()

	if err := c.send(protocol.NewJoinClub(clubCode)); err != nil {
		return err
	}

	c.mu.Lock()
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.joinTimer = time.AfterFunc(c.cfg.Timeouts.ClubJoin(), func() {
		c.mu.Lock()
		joined := c.inClub
		c.mu.Unlock()
		if !joined {
			c.logger.Warn("club join unacknowledged", "club", clubCode)
		}
	})
	c.mu.Unlock()
	return nil
}

// LeaveClub sends the leave envelope. Leaves are unacknowledged, so the
// session state is cleared optimistically on a successful send.
func (c *Conn) LeaveClub() error {
	c.mu.Lock()
	if !c.authenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	c.mu.Unlock()

	if err := c.send(protocol.NewLeaveClub()); err != nil {
		return err
	}
	c.mu.Lock()
	c.inClub = false
	c.clubCode = ""
	c.mu.Unlock()
	return nil
}

// SendClubMessage sends chat text to the given club, falling back to the
// session's current club and then the configured default.
func (c *Conn) SendClubMessage(text, clubCode string) error {
	c.mu.Lock()
	if clubCode == "" {
		clubCode = c.clubCode
	}
	c.mu.Unlock()
	if clubCode == "" && c.cfg.DefaultClub != nil {
		clubCode = c.cfg.DefaultClub()
	}
	return c.send(protocol.NewClubMessage(clubCode, text, c.nextSeq()))
}

// CheckMembership sends the permission probe. The reply arrives as a
// membership event; callers correlate it through the bus.
func (c *Conn) CheckMembership(clubCode string) error {
	c.mu.Lock()
	if clubCode == "" {
		clubCode = c.clubCode
	}
	c.mu.Unlock()
	if clubCode == "" && c.cfg.DefaultClub != nil {
		clubCode = c.cfg.DefaultClub()
	}
	return c.send(protocol.NewMembershipQuery(clubCode))
}

// AcceptMicInvite answers an inbound mic invitation.
func (c *Conn) AcceptMicInvite() error {
	if err := c.send(protocol.NewMicAccept(c.nextSeq())); err != nil {
		return err
	}
	c.bus.Publish(bus.ConnTopic(c.id, bus.KindMicAccepted), bus.MicAcceptedEvent{BotID: c.id})
	return nil
}

// SendRaw writes an already-encoded payload verbatim. Used only to forward
// a human-supplied authentication token without re-framing it.
func (c *Conn) SendRaw(payload string) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return tr.Write(ctx, []byte(payload))
}

// Disconnect tears the session down: best-effort club leave, timers cleared,
// transport closed. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	inClub := c.inClub && c.authenticated
	c.mu.Unlock()
	if inClub {
		if err := c.LeaveClub(); err != nil {
			c.logger.Debug("leave on disconnect failed", "error", err)
		}
	}
	c.teardown(false)
}

func (c *Conn) handleTransportClosed() {
	c.teardown(true)
}

func (c *Conn) teardown(unexpected bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tr := c.tr
	c.tr = nil
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	cancel := c.cancel
	c.status = StatusDisconnected
	c.authenticated = false
	c.inClub = false
	c.clubCode = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr != nil {
		_ = tr.Close()
	}
	if unexpected {
		c.logger.Warn("disconnected unexpectedly")
	}
	if c.onClose != nil {
		c.onClose(c.id, unexpected)
	}
	c.bus.Publish(bus.ConnTopic(c.id, bus.KindDisconnected), bus.DisconnectedEvent{BotID: c.id, Unexpected: unexpected})
}

// Snapshot is the transient connection state merged into status listings.
type Snapshot struct {
	Status        Status
	Authenticated bool
	InClub        bool
	ClubCode      string
	Uptime        time.Duration
}

// Snapshot returns a copy of the connection's transient state.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var uptime time.Duration
	if !c.createdAt.IsZero() {
		uptime = time.Since(c.createdAt)
	}
	return Snapshot{
		Status:        c.status,
		Authenticated: c.authenticated,
		InClub:        c.inClub,
		ClubCode:      c.clubCode,
		Uptime:        uptime,
	}
}

// IsInClub reports whether a join has been acknowledged this session.
func (c *Conn) IsInClub() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inClub
}
