// Package devserver is an in-memory stand-in for the classroom seat API.
//
// It owns seats the way the real API does: a single writer that accepts the
// first committed selection, assigns versions, and pushes every change to the
// connected clients. It backs integration tests and the `serve` command.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"seat-sync-cli/auth"
	"seat-sync-cli/lifecycle"
	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
)

type Options struct {
	// Secret signs tokens handed out by POST /tokens.
	Secret       []byte
	PingInterval time.Duration
	Logger       *zap.Logger
}

type Server struct {
	mu    sync.Mutex
	rooms map[string]*room

	secret       []byte
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	router       chi.Router
	logger       *zap.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("seat-sync-dev")
	}
	s := &Server{
		rooms:        make(map[string]*room),
		secret:       opts.Secret,
		pingInterval: opts.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: opts.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/tokens", s.handleMintToken)

	r.With(s.authMiddleware).Get("/sessions/today/{courseId}", s.handleToday)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/seat-map", s.handleSeatMap)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/select-seat", s.handleSelect)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/cancel-seat", s.handleCancel)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/phase", s.handlePhase)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/attendance", s.handleAttendance)
	r.With(s.authMiddleware).Get("/ws", s.handleSocket)

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddSession registers a session and its classroom with an empty seat map.
func (s *Server) AddSession(session model.Session, classroom model.Classroom) {
	if session.Phase == "" {
		session.Phase = model.PhasePending
	}
	if session.ClassroomID == "" {
		session.ClassroomID = classroom.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[session.ID] = newRoom(session, classroom)
}

func (s *Server) Snapshot(sessionID string) (model.SeatMapSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[sessionID]
	if !ok {
		return model.SeatMapSnapshot{}, false
	}
	return rm.snapshot(), true
}

// SetPhase moves a session forward and tells every connected client.
func (s *Server) SetPhase(sessionID string, phase model.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	changed, err := lifecycle.New(rm.session.Phase).Transition(phase)
	if err != nil || !changed {
		return err
	}
	rm.session.Phase = phase

	switch phase {
	case model.PhaseActive:
		s.broadcastEventLocked(rm, realtime.EventClassStarted, nil)
	case model.PhaseEnded:
		s.broadcastEventLocked(rm, realtime.EventClassEnded, nil)
	default:
		s.broadcastEventLocked(rm, realtime.EventPhaseChanged, map[string]model.Phase{"phase": phase})
	}
	s.logger.Info("session phase changed", zap.String("session_id", sessionID), zap.String("phase", string(phase)))
	return nil
}

func (s *Server) ConfirmAttendance(sessionID, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	delta, err := rm.confirmAttendance(studentID)
	if err != nil {
		return err
	}
	s.broadcastEventLocked(rm, realtime.EventSeatMapUpdate, delta)
	s.broadcastEventLocked(rm, realtime.EventAttendanceConfirmed, map[string]string{"studentId": studentID})
	return nil
}

// DropConnections cuts every socket of a session without a close handshake.
func (s *Server) DropConnections(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[sessionID]
	if !ok {
		return 0
	}
	n := len(rm.peers)
	for p := range rm.peers {
		delete(rm.peers, p)
		p.close()
	}
	return n
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range s.rooms {
		for p := range rm.peers {
			delete(rm.peers, p)
			p.close()
		}
	}
}

type seatRequest struct {
	SeatNumber model.SeatID `json:"seatNumber"`
	StudentID  string       `json:"studentId"`
	Name       string       `json:"name"`
}

func (s *Server) handleSeatMap(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.Snapshot(chi.URLParam(r, "sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseId")

	s.mu.Lock()
	var found *model.Session
	for _, rm := range s.rooms {
		if rm.session.CourseID != courseID {
			continue
		}
		session := rm.session
		if found == nil || found.Phase.Terminal() && !session.Phase.Terminal() {
			found = &session
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req seatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "seatNumber and studentId are required")
		return
	}

	s.mu.Lock()
	rm, ok := s.rooms[chi.URLParam(r, "sessionId")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	seat, deltas, err := rm.selectSeat(req.SeatNumber, model.Occupant{StudentID: req.StudentID, Name: req.Name})
	for _, delta := range deltas {
		s.broadcastEventLocked(rm, realtime.EventSeatMapUpdate, delta)
	}
	version := rm.version
	s.mu.Unlock()

	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SelectOutcome{Seat: seat, Version: version, Accepted: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req seatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "seatNumber and studentId are required")
		return
	}

	s.mu.Lock()
	rm, ok := s.rooms[chi.URLParam(r, "sessionId")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}
	seat, delta, err := rm.cancelSeat(req.SeatNumber, req.StudentID)
	if err == nil {
		s.broadcastEventLocked(rm, realtime.EventSeatMapUpdate, delta)
	}
	version := rm.version
	s.mu.Unlock()

	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.CancelOutcome{Seat: seat, Version: version, Released: true})
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "phase is required")
		return
	}
	phase, err := model.ParsePhase(req.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_phase", err.Error())
		return
	}
	if err := s.SetPhase(chi.URLParam(r, "sessionId"), phase); err != nil {
		if errors.Is(err, lifecycle.ErrIllegalTransition) {
			writeError(w, http.StatusConflict, "illegal_transition", err.Error())
			return
		}
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Phase{"phase": phase})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID string `json:"studentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "studentId is required")
		return
	}
	if err := s.ConfirmAttendance(chi.URLParam(r, "sessionId"), req.StudentID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var identity model.Identity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil || identity.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userId is required")
		return
	}
	if identity.UserType == "" {
		identity.UserType = "student"
	}
	token, err := auth.Mint(s.secret, identity, 12*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r.Header.Get("Authorization")) == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeRejection(w http.ResponseWriter, err error) {
	var rej *rejection
	if errors.As(err, &rej) && rej.status != 0 {
		writeError(w, rej.status, rej.code, rej.msg)
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
