// Package gateway is the HTTP control plane for the fleet: roster listing
// and reload, connection management, club operations, auth prompt
// forwarding, and task control. Responses share one JSON shape with a
// success flag, so callers never have to inspect status codes alone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/clubfleet/internal/config"
	"github.com/basket/clubfleet/internal/fleet"
	"github.com/basket/clubfleet/internal/tasks"
)

// Config wires the gateway's collaborators.
type Config struct {
	Cfg      *config.Config
	Registry *fleet.Registry
	Tasks    *tasks.Engine
	Logger   *slog.Logger

	// BaseCtx bounds background work spawned by handlers, such as bulk
	// connects. Nil means context.Background().
	BaseCtx context.Context
}

// Server serves the control API.
type Server struct {
	cfg config.Config
	reg *fleet.Registry
	eng *tasks.Engine
	log *slog.Logger
	ctx context.Context
}

// New builds a server. Call Handler to obtain the routed http.Handler.
func New(cfg Config) *Server {
	ctx := cfg.BaseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{
		cfg: *cfg.Cfg,
		reg: cfg.Registry,
		eng: cfg.Tasks,
		log: cfg.Logger.With("component", "gateway"),
		ctx: ctx,
	}
}

// Handler returns the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)

	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/reload", s.handleReload)
	mux.HandleFunc("/api/bots/connect", s.handleConnect)
	mux.HandleFunc("/api/bots/connect-all", s.handleConnectAll)
	mux.HandleFunc("/api/bots/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/bots/disconnect-all", s.handleDisconnectAll)

	mux.HandleFunc("/api/club/join", s.handleJoin)
	mux.HandleFunc("/api/club/leave", s.handleLeave)
	mux.HandleFunc("/api/club/code", s.handleClubCode)

	mux.HandleFunc("/api/auth/prompts", s.handlePrompts)
	mux.HandleFunc("/api/auth/prompts/answer", s.handleAnswerPrompt)

	mux.HandleFunc("/api/tasks/status", s.handleTaskStatusAll)
	for _, kind := range tasks.Kinds() {
		mux.HandleFunc("/api/tasks/"+string(kind)+"/start", s.startTask(kind))
		mux.HandleFunc("/api/tasks/"+string(kind)+"/stop", s.stopTask(kind))
		mux.HandleFunc("/api/tasks/"+string(kind)+"/status", s.taskStatus(kind))
	}

	var handler http.Handler = mux
	handler = NewRateLimitMiddleware(s.cfg.RateLimit).Wrap(handler)
	handler = RequestSizeLimitMiddleware(1 << 20)(handler)
	handler = NewCORSMiddleware(s.cfg.CORS)(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownBot):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrNotConnected), errors.Is(err, fleet.ErrNotAuthenticated):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrConnectionLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, tasks.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrNoBots):
		return http.StatusPreconditionFailed
	case errors.Is(err, fleet.ErrAuthTimeout), errors.Is(err, fleet.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where the body itself is
// optional; an absent or empty body leaves dst zero-valued.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, map[string]any{
		"status": "ok",
		"stats":  s.reg.Stats(),
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, map[string]any{
		"stats":    s.reg.Stats(),
		"clubCode": s.reg.ClubCodeInt(),
		"tasks":    s.eng.StatusAll(),
		"prompts":  len(s.reg.Prompts().List()),
	})
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	bots := s.reg.ListWithStatus()
	writeOK(w, map[string]any{"bots": bots, "total": len(bots)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	n, err := s.reg.Reload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"total": n})
}

type botRequest struct {
	BotID string `json:"botId"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotID == "" {
		writeError(w, http.StatusBadRequest, "botId is required")
		return
	}
	conn, err := s.reg.Connect(r.Context(), req.BotID)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"botId": req.BotID, "status": conn.Snapshot().Status})
}

type bulkRequest struct {
	BotIDs []string `json:"botIds"`
}

func (s *Server) handleConnectAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req bulkRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	ids := req.BotIDs
	if len(ids) == 0 {
		bots := s.reg.Bots()
		ids = make([]string, 0, len(bots))
		for _, b := range bots {
			ids = append(ids, b.ID())
		}
	}
	// Connects are paced; run them behind the response.
	go s.reg.BulkConnect(s.ctx, ids)
	writeOK(w, map[string]any{"queued": len(ids)})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotID == "" {
		writeError(w, http.StatusBadRequest, "botId is required")
		return
	}
	if !s.reg.Disconnect(req.BotID) {
		writeError(w, http.StatusConflict, "bot is not connected")
		return
	}
	writeOK(w, map[string]any{"botId": req.BotID})
}

func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req bulkRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if len(req.BotIDs) == 0 {
		before := s.reg.Stats().Connected
		s.reg.DisconnectAll()
		writeOK(w, map[string]any{"disconnected": before})
		return
	}
	dropped := 0
	for _, id := range req.BotIDs {
		if s.reg.Disconnect(id) {
			dropped++
		}
	}
	writeOK(w, map[string]any{"disconnected": dropped})
}

type clubRequest struct {
	BotID    string `json:"botId"`
	ClubCode string `json:"clubCode"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req clubRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conn := s.reg.Connection(req.BotID)
	if conn == nil {
		writeError(w, http.StatusConflict, "bot is not connected")
		return
	}
	code := req.ClubCode
	if code == "" {
		code = s.reg.ClubCode()
	}
	if err := conn.JoinClub(code); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"botId": req.BotID, "clubCode": code})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req botRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conn := s.reg.Connection(req.BotID)
	if conn == nil {
		writeError(w, http.StatusConflict, "bot is not connected")
		return
	}
	if err := conn.LeaveClub(); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]any{"botId": req.BotID})
}

func (s *Server) handleClubCode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeOK(w, map[string]any{"clubCode": s.reg.ClubCodeInt()})
	case http.MethodPost:
		var req struct {
			ClubCode json.Number `json:"clubCode"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		code, err := strconv.Atoi(req.ClubCode.String())
		if err != nil || code <= 0 {
			writeError(w, http.StatusBadRequest, "clubCode must be a positive number")
			return
		}
		s.reg.SetClubCode(code)
		writeOK(w, map[string]any{"clubCode": code})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	prompts := s.reg.Prompts().List()
	writeOK(w, map[string]any{"prompts": prompts, "total": len(prompts)})
}

func (s *Server) handleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		BotID string `json:"botId"`
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "botId and token are required")
		return
	}
	if err := s.reg.AnswerPrompt(req.BotID, req.Token); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.log.Info("auth token forwarded", "bot_id", req.BotID)
	writeOK(w, map[string]any{"botId": req.BotID})
}

func (s *Server) startTask(kind tasks.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}

		var req struct {
			Message string   `json:"message"`
			BotIDs  []string `json:"botIds"`
		}
		if !decodeOptionalBody(w, r, &req) {
			return
		}

		var runID string
		var err error
		switch kind {
		case tasks.KindMembership:
			runID, err = s.eng.StartMembership(s.ctx, req.BotIDs)
		case tasks.KindMessage:
			if req.Message == "" {
				writeError(w, http.StatusBadRequest, "message is required")
				return
			}
			runID, err = s.eng.StartMessage(s.ctx, req.Message, req.BotIDs)
		case tasks.KindMic:
			runID, err = s.eng.StartMic(s.ctx, req.BotIDs)
		}
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeOK(w, map[string]any{"task": kind, "runId": runID})
	}
}

func (s *Server) stopTask(kind tasks.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if !s.eng.Stop(kind) {
			writeError(w, http.StatusConflict, "task is not running")
			return
		}
		writeOK(w, map[string]any{"task": kind, "stopping": true})
	}
}

func (s *Server) taskStatus(kind tasks.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		writeOK(w, map[string]any{"task": s.eng.Status(kind)})
	}
}

func (s *Server) handleTaskStatusAll(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, map[string]any{"tasks": s.eng.StatusAll()})
}
