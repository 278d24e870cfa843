package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/catalog"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/session"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/trace"
)

// Sessions is the capture session lifecycle the server drives.
type Sessions interface {
	Start(ctx context.Context, opts session.StartOptions) (session.Ack, error)
	Stop(ctx context.Context) (session.Result, error)
	Active() (session.Ack, bool)
}

// Catalog is the read side of the session history.
type Catalog interface {
	List(ctx context.Context, limit int) ([]catalog.Session, error)
	Get(ctx context.Context, id string) (catalog.Detail, error)
}

// EventSource feeds the WebSocket broadcaster.
type EventSource interface {
	Events() <-chan events.Event
	Recent(limit int) []events.Event
}

// ControlMessage is an inbound WebSocket message.
type ControlMessage struct {
	Type               string  `json:"type"`
	MaxDurationSeconds float64 `json:"max_duration_seconds,omitempty"`
	TraceID            string  `json:"trace_id,omitempty"`
}

// StartRequest is the body of POST /api/session/start.
type StartRequest struct {
	MaxDurationSeconds float64 `json:"max_duration_seconds"`
}

type startedMessage struct {
	Type    string      `json:"type"`
	Session session.Ack `json:"session"`
}

type stoppedMessage struct {
	Type   string         `json:"type"`
	Result session.Result `json:"result"`
}

type eventMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions Sessions
	catalog  Catalog
	bus      EventSource

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server. cat may be nil when the catalog is disabled.
func New(sessions Sessions, cat Catalog, bus EventSource) *Server {
	s := &Server{
		sessions:   sessions,
		catalog:    cat,
		bus:        bus,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}
	if bus != nil {
		go s.broadcastEvents()
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/session", s.handleActive)
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, recording := s.sessions.Active()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "recording": recording})
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	ack, ok := s.sessions.Active()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "session": ack})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, apperrors.Wrap(err, apperrors.ConfigInvalid, "invalid request body"))
		return
	}
	if req.MaxDurationSeconds < 0 {
		writeError(w, apperrors.New(apperrors.ConfigInvalid, "max_duration_seconds must not be negative"))
		return
	}
	ack, err := s.start(r.Context(), req.MaxDurationSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleStop always answers 200: lifecycle failures travel in the result.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stop(r.Context()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, apperrors.New(apperrors.NotFound, "session catalog is disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.catalog.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, apperrors.New(apperrors.NotFound, "session catalog is disabled"))
		return
	}
	d, err := s.catalog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultEventLimit
	}
	recent := []events.Event{}
	if s.bus != nil {
		recent = s.bus.Recent(limit)
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) start(ctx context.Context, maxSeconds float64) (session.Ack, error) {
	ctx, span := trace.StartSpan(ctx, "session_start")
	defer span.End()

	opts := session.StartOptions{MaxDuration: time.Duration(maxSeconds * float64(time.Second))}
	ack, err := s.sessions.Start(ctx, opts)
	if err != nil {
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Warn("session start failed", "error", err)
		return session.Ack{}, err
	}
	span.SetAttr("session_id", ack.SessionID)
	return ack, nil
}

// stop outlives the request: a client hanging up must not cancel analysis.
func (s *Server) stop(ctx context.Context) session.Result {
	ctx, span := trace.StartSpan(context.WithoutCancel(ctx), "session_stop")
	defer span.End()

	res, err := s.sessions.Stop(ctx)
	if err != nil {
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Error("session stopped with errors", "session_id", res.SessionID, "error", err)
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	return res
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	rl := s.rateLimits[conn]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg ControlMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			s.write(conn, errorMessage{Type: msgRateLimited, Message: "rate limit exceeded"})
			continue
		}

		ctx := baseCtx
		if msg.TraceID != "" {
			ctx = trace.WithContext(ctx, trace.FromMap(map[string]string{trace.TraceIDKey: msg.TraceID}))
		}

		switch msg.Type {
		case msgStart:
			ack, err := s.start(ctx, msg.MaxDurationSeconds)
			if err != nil {
				s.write(conn, errorMessage{Type: msgError, Code: string(apperrors.CodeOf(err)), Message: err.Error()})
				continue
			}
			s.write(conn, startedMessage{Type: msgStarted, Session: ack})
		case msgStop:
			s.write(conn, stoppedMessage{Type: msgStopped, Result: s.stop(ctx)})
		default:
			s.write(conn, errorMessage{Type: msgError, Message: "unknown message type " + strconv.Quote(msg.Type)})
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg any) {
	ctx, cancel := context.WithTimeout(context.Background(), WriteTimeout)
	defer cancel()
	_ = wsjson.Write(ctx, conn, msg)
}

func (s *Server) broadcastEvents() {
	for evt := range s.bus.Events() {
		msg := eventMessage{Type: msgEvent, Event: evt}

		s.mu.RLock()
		for conn := range s.conns {
			go s.write(conn, msg)
		}
		s.mu.RUnlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, httpStatus(code), errorMessage{Type: msgError, Code: string(code), Message: err.Error()})
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.AlreadyRunning:
		return http.StatusConflict
	case apperrors.ConfigInvalid:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.DeviceUnavailable, apperrors.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
