package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clubfleet/internal/bus"
	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/fleet"
	"github.com/basket/clubfleet/internal/otel"
	"github.com/basket/clubfleet/internal/protocol"
	"github.com/basket/clubfleet/internal/roster"
	"github.com/basket/clubfleet/internal/tasks"
)

// agreeableTransport plays a platform that authenticates everyone and
// acknowledges every join.
type agreeableTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newAgreeableTransport() *agreeableTransport {
	return &agreeableTransport{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (a *agreeableTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.closed:
		return nil, errors.New("transport closed")
	case data := <-a.inbound:
		return data, nil
	}
}

func (a *agreeableTransport) Write(_ context.Context, data []byte) error {
	select {
	case <-a.closed:
		return errors.New("transport closed")
	default:
	}
	var env protocol.Envelope
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		_ = json.Unmarshal(decoded, &env)
	}
	var reply protocol.Envelope
	switch {
	case env.RH == protocol.RouteAuth:
		reply = protocol.Envelope{RH: protocol.RouteAuthOK, PY: "{}"}
	case env.PU == protocol.SubJoin:
		reply = protocol.Envelope{RH: protocol.RouteClub, PU: protocol.SubJoinAck, PY: "{}"}
	default:
		return nil
	}
	frame, err := protocol.Encode(reply)
	if err != nil {
		return err
	}
	select {
	case a.inbound <- frame:
	case <-a.closed:
	}
	return nil
}

func (a *agreeableTransport) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func newTestServer(t *testing.T, tweak func(*config.Config)) (*Server, *fleet.Registry) {
	t.Helper()
	dir := t.TempDir()
	bots := []roster.Bot{
		{Name: "alpha", Key: "key-a", Endpoint: "ep-a", GroupContext: "2001"},
		{Name: "beta", Key: "key-b", Endpoint: "ep-b", GroupContext: "2002"},
	}
	raw, err := json.Marshal(bots)
	if err != nil {
		t.Fatalf("marshal roster: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bots.json"), raw, 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := roster.NewStore(filepath.Join(dir, "bots.json"), filepath.Join(dir, "members.json"), logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	provider, err := otel.Init(context.Background(), otel.Config{})
	if err != nil {
		t.Fatalf("init otel: %v", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.WebSocketURL = "ws://fake.test/ws"
	cfg.ClubCode = 7777
	cfg.Delays.JoinSettleMillis = 1
	if tweak != nil {
		tweak(cfg)
	}

	b := bus.New()
	dial := func(context.Context, string, string) (fleet.Transport, error) {
		return newAgreeableTransport(), nil
	}
	reg := fleet.NewRegistry(cfg, store, b, fleet.NewPromptRelay(), logger, metrics, dial)
	if err := reg.Load(); err != nil {
		t.Fatalf("load registry: %v", err)
	}
	eng := tasks.NewEngine(cfg, reg, store, b, logger, metrics)
	return New(Config{Cfg: cfg, Registry: reg, Tasks: eng, Logger: logger}), reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, payload
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec, payload := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if payload["success"] != true || payload["status"] != "ok" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestBotsListAndConnect(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	_, payload := doJSON(t, h, http.MethodGet, "/api/bots", nil)
	if payload["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", payload["total"])
	}

	rec, payload := doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d: %v", rec.Code, payload)
	}
	if payload["status"] != string(fleet.StatusConnected) {
		t.Fatalf("status = %v, want connected", payload["status"])
	}

	_, payload = doJSON(t, h, http.MethodGet, "/api/bots", nil)
	bots := payload["bots"].([]any)
	var connected int
	for _, entry := range bots {
		if entry.(map[string]any)["connected"] == true {
			connected++
		}
	}
	if connected != 1 {
		t.Fatalf("connected bots = %d, want 1", connected)
	}
}

func TestConnectValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing botId status = %d, want 400", rec.Code)
	}
	rec, payload := doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_none"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown bot status = %d: %v", rec.Code, payload)
	}
	if payload["success"] != false {
		t.Fatalf("success flag = %v, want false", payload["success"])
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/api/bots/connect", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET connect status = %d, want 405", rec.Code)
	}
}

func TestDisconnectFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})

	rec, _ := doJSON(t, h, http.MethodPost, "/api/bots/disconnect", map[string]string{"botId": "bot_2001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d, want 200", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/bots/disconnect", map[string]string{"botId": "bot_2001"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second disconnect status = %d, want 409", rec.Code)
	}
}

func TestClubJoinAndLeave(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})

	rec, payload := doJSON(t, h, http.MethodPost, "/api/club/join", map[string]string{"botId": "bot_2001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d: %v", rec.Code, payload)
	}
	if payload["clubCode"] != "7777" {
		t.Fatalf("clubCode = %v, want configured default", payload["clubCode"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !reg.Connection("bot_2001").IsInClub() {
		time.Sleep(5 * time.Millisecond)
	}
	if !reg.Connection("bot_2001").IsInClub() {
		t.Fatal("join not acknowledged")
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/club/leave", map[string]string{"botId": "bot_2001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d, want 200", rec.Code)
	}
	if reg.Connection("bot_2001").IsInClub() {
		t.Fatal("still in club after leave")
	}
}

func TestClubCodeGetAndSet(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	_, payload := doJSON(t, h, http.MethodGet, "/api/club/code", nil)
	if payload["clubCode"] != float64(7777) {
		t.Fatalf("clubCode = %v, want 7777", payload["clubCode"])
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/club/code", map[string]int{"clubCode": 8888})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, want 200", rec.Code)
	}
	if reg.ClubCodeInt() != 8888 {
		t.Fatalf("registry club code = %d, want 8888", reg.ClubCodeInt())
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/club/code", map[string]int{"clubCode": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative code status = %d, want 400", rec.Code)
	}
}

func TestPromptEndpoints(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	reg.Prompts().Register(fleet.Prompt{BotID: "bot_2001", BotName: "alpha", CreatedAt: time.Now()})

	_, payload := doJSON(t, h, http.MethodGet, "/api/auth/prompts", nil)
	if payload["total"] != float64(1) {
		t.Fatalf("prompt total = %v, want 1", payload["total"])
	}

	// The bot has no live connection; answering must fail and keep the prompt.
	rec, _ := doJSON(t, h, http.MethodPost, "/api/auth/prompts/answer",
		map[string]string{"botId": "bot_2001", "token": "tok"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("answer status = %d, want 409", rec.Code)
	}
	_, payload = doJSON(t, h, http.MethodGet, "/api/auth/prompts", nil)
	if payload["total"] != float64(1) {
		t.Fatalf("prompt total after failed answer = %v, want 1", payload["total"])
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	// No bots connected yet.
	rec, _ := doJSON(t, h, http.MethodPost, "/api/tasks/membership/start", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("start with no bots status = %d, want 412", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/tasks/membership/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("stop idle task status = %d, want 409", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/api/tasks/message/start", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("message start without text status = %d, want 400", rec.Code)
	}

	_, payload := doJSON(t, h, http.MethodGet, "/api/tasks/status", nil)
	states := payload["tasks"].([]any)
	if len(states) != len(tasks.Kinds()) {
		t.Fatalf("task states = %d, want %d", len(states), len(tasks.Kinds()))
	}

	_, payload = doJSON(t, h, http.MethodGet, "/api/tasks/membership/status", nil)
	st := payload["task"].(map[string]any)
	if st["running"] != false {
		t.Fatalf("membership running = %v, want false", st["running"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})

	_, payload := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	stats := payload["stats"].(map[string]any)
	if stats["connected"] != float64(1) || stats["totalBots"] != float64(2) {
		t.Fatalf("stats = %v", stats)
	}
	if payload["clubCode"] != float64(7777) {
		t.Fatalf("clubCode = %v, want 7777", payload["clubCode"])
	}
}

func TestReloadEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()
	rec, payload := doJSON(t, h, http.MethodPost, "/api/bots/reload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d: %v", rec.Code, payload)
	}
	if payload["total"] != float64(2) {
		t.Fatalf("reload total = %v, want 2", payload["total"])
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.CORS = config.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"https://panel.example"},
			MaxAge:         7200,
		}
	})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/bots", nil)
	req.Header.Set("Origin", "https://panel.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://panel.example" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "7200" {
		t.Fatalf("max-age = %q", got)
	}

	// An unlisted origin gets no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/api/bots", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin got allow-origin %q", got)
	}
}

func TestCORSWildcardOrigin(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.CORS = config.CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		}
	})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example" {
		t.Fatalf("allow-origin = %q, want the requesting origin", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("vary = %q, want Origin", got)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         3,
		}
	})
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		rec, _ := doJSON(t, h, http.MethodGet, "/api/bots", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec, _ := doJSON(t, h, http.MethodGet, "/api/bots", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}

	// The health probe stays reachable regardless.
	rec, _ = doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status under limit = %d, want 200", rec.Code)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(6000, 1)
	if !tb.Allow() {
		t.Fatal("first request must pass")
	}
	if tb.Allow() {
		t.Fatal("burst of one must block the second request")
	}
	time.Sleep(50 * time.Millisecond) // 100 tokens/s refills well past 1
	if !tb.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimitEviction(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/bots", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1234", i)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("bucket count = %d, want 3", rl.BucketCount())
	}
	rl.EvictStale(-time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after eviction = %d, want 0", rl.BucketCount())
	}
}

func TestTaskStartExplicitBotList(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Timeouts.MembershipCheckSeconds = 1
		cfg.Delays.BetweenBotsMillis = 1
	})
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})
	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2002"})

	rec, payload := doJSON(t, h, http.MethodPost, "/api/tasks/membership/start",
		map[string]any{"botIds": []string{"bot_2001"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %v", rec.Code, payload)
	}

	// The run targets only the listed bot, not every connected one.
	_, payload = doJSON(t, h, http.MethodGet, "/api/tasks/membership/status", nil)
	st := payload["task"].(map[string]any)
	if st["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", st["total"])
	}

	// Let the short run drain before the fixture tears down.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, payload = doJSON(t, h, http.MethodGet, "/api/tasks/membership/status", nil)
		if payload["task"].(map[string]any)["running"] == false {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBulkConnectExplicitBotList(t *testing.T) {
	srv, reg := newTestServer(t, func(cfg *config.Config) {
		cfg.Delays.BulkConnectMillis = 1
	})
	h := srv.Handler()

	rec, payload := doJSON(t, h, http.MethodPost, "/api/bots/connect-all",
		map[string]any{"botIds": []string{"bot_2001"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk connect status = %d: %v", rec.Code, payload)
	}
	if payload["queued"] != float64(1) {
		t.Fatalf("queued = %v, want 1", payload["queued"])
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && reg.Stats().Connected < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	stats := reg.Stats()
	if stats.Connected != 1 {
		t.Fatalf("connected = %d, want only the listed bot", stats.Connected)
	}
	if reg.Connection("bot_2002") != nil {
		t.Fatal("unlisted bot was connected")
	}
}

func TestBulkDisconnectExplicitBotList(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2001"})
	doJSON(t, h, http.MethodPost, "/api/bots/connect", map[string]string{"botId": "bot_2002"})

	rec, payload := doJSON(t, h, http.MethodPost, "/api/bots/disconnect-all",
		map[string]any{"botIds": []string{"bot_2002"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk disconnect status = %d: %v", rec.Code, payload)
	}
	if payload["disconnected"] != float64(1) {
		t.Fatalf("disconnected = %v, want 1", payload["disconnected"])
	}
	if reg.Connection("bot_2001") == nil {
		t.Fatal("unlisted bot was disconnected")
	}

	// Without a list the endpoint still clears everything.
	_, payload = doJSON(t, h, http.MethodPost, "/api/bots/disconnect-all", nil)
	if payload["disconnected"] != float64(1) {
		t.Fatalf("disconnected = %v, want the remaining bot", payload["disconnected"])
	}
	if reg.Stats().Connected != 0 {
		t.Fatalf("connected = %d, want 0", reg.Stats().Connected)
	}
}
