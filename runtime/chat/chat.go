// Package chat exposes the HTTP surface of the service: POST /chat streams
// one turn as server-sent events and GET /health reports backend liveness.
// The package owns the synchronous admission checks (malformed request, busy
// session, expired session) that must reject before any streaming begins;
// everything after admission is the turn orchestrator's business.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/health"

	"goa.design/docscout/runtime/agent/session"
	"goa.design/docscout/runtime/agent/stream"
	"goa.design/docscout/runtime/agent/telemetry"
)

type (
	// Orchestrator drives one turn, streaming its events to sink. Implemented
	// by turn.Orchestrator.
	Orchestrator interface {
		Run(ctx context.Context, sess session.Session, message string, profile stream.Profile, sink stream.Sink) error
	}

	// Sessions is the slice of the session manager the HTTP surface needs:
	// admission and release of the per-session turn slot.
	Sessions interface {
		BeginTurn(ctx context.Context, sessionID string) (session.Session, error)
		EndTurn(sessionID string)
	}

	// Options configures a Service.
	Options struct {
		// Orchestrator runs admitted turns. Required.
		Orchestrator Orchestrator
		// Sessions admits and releases turns. Required.
		Sessions Sessions
		// Pacing is the delay between consecutive stream events, giving
		// clients time to render. Defaults to 50ms.
		Pacing time.Duration
		// Broadcast, when set, receives every stream event in addition to
		// the HTTP client. Used to tee turns onto a message bus. The
		// service never closes it.
		Broadcast stream.Sink
		// Pingers are the backends GET /health checks.
		Pingers []health.Pinger
		// Logger defaults to the Clue implementation.
		Logger telemetry.Logger
	}

	// Service handles the chat HTTP endpoints.
	Service struct {
		orchestrator Orchestrator
		sessions     Sessions
		pacing       time.Duration
		broadcast    stream.Sink
		checker      health.Checker
		logger       telemetry.Logger
	}

	// ChatRequest is the POST /chat payload. An empty SessionID asks the
	// service to start a new session; its generated id rides along on every
	// stream event.
	ChatRequest struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
		DebugMode bool   `json:"debug_mode"`
	}

	errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message,omitempty"`
	}

	healthResponse struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}
)

// Stable error codes carried in synchronous reject bodies.
const (
	ErrorMalformedRequest = "malformed_request"
	ErrorSessionBusy      = "session_busy"
	ErrorSessionExpired   = "session_expired"
	ErrorInternal         = "internal_error"
)

const defaultPacing = 50 * time.Millisecond

// New builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("sessions is required")
	}
	pacing := opts.Pacing
	if pacing <= 0 {
		pacing = defaultPacing
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	return &Service{
		orchestrator: opts.Orchestrator,
		sessions:     opts.Sessions,
		pacing:       pacing,
		broadcast:    opts.Broadcast,
		checker:      health.NewChecker(opts.Pingers...),
		logger:       logger,
	}, nil
}

// Mount registers the chat endpoints on mux.
func (s *Service) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, ErrorMalformedRequest, "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.reject(w, http.StatusBadRequest, ErrorMalformedRequest, "message is required")
		return
	}

	sess, err := s.sessions.BeginTurn(ctx, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionBusy):
			s.reject(w, http.StatusConflict, ErrorSessionBusy, "a turn is already in flight for this session")
		case errors.Is(err, session.ErrSessionExpired):
			s.reject(w, http.StatusGone, ErrorSessionExpired, "session has expired; start a new one")
		default:
			s.logger.Error(ctx, "begin turn", "session_id", req.SessionID, "err", err)
			s.reject(w, http.StatusInternalServerError, ErrorInternal, "could not open the session")
		}
		return
	}
	defer s.sessions.EndTurn(sess.ID)

	sse, err := newSSEWriter(w, s.pacing)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	profile := stream.UserProfile()
	if req.DebugMode {
		profile = stream.DebugProfile()
	}
	var sink stream.Sink = sse
	if s.broadcast != nil {
		sink = stream.NewMultiSink(sse, s.broadcast)
	}

	if err := s.orchestrator.Run(ctx, sess, req.Message, profile, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Debug(ctx, "client disconnected mid-turn", "session_id", sess.ID)
			return
		}
		s.logger.Error(ctx, "turn aborted", "session_id", sess.ID, "err", err)
	}
}

func (s *Service) reject(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}
