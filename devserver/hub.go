package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
)

const (
	joinTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	peerBuffer   = 64
)

type peer struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (p *peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) writeLoop(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer p.close()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, peerBuffer),
		done: make(chan struct{}),
	}
	defer p.close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	join, err := readJoin(conn)
	if err != nil {
		s.refuse(conn, "bad_join", err.Error())
		return
	}
	if join.SessionID == "" {
		join.SessionID = r.URL.Query().Get("sessionId")
	}
	p.userID = join.UserID

	s.mu.Lock()
	rm, ok := s.rooms[join.SessionID]
	if !ok {
		s.mu.Unlock()
		s.refuse(conn, "not_found", "unknown session")
		return
	}
	rm.peers[p] = struct{}{}
	// The seat map carries no phase and a rejoining client may have missed a
	// change, so the phase goes first.
	if phase, err := realtime.Encode(realtime.EventPhaseChanged, map[string]model.Phase{"phase": rm.session.Phase}); err == nil {
		p.enqueue(phase)
	}
	if initial, err := realtime.Encode(realtime.EventSeatMapInitial, rm.snapshot()); err == nil {
		p.enqueue(initial)
	}
	s.broadcastCountLocked(rm)
	s.mu.Unlock()

	s.logger.Debug("peer joined", zap.String("peer", p.id), zap.String("user_id", p.userID), zap.String("session_id", join.SessionID))
	go p.writeLoop(s.pingInterval)
	defer s.leave(rm, p)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env realtime.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}
		switch env.Event {
		case realtime.EventSelectSeat, realtime.EventCancelSeat:
			// Advisory only: relay to the others, never write.
			s.mu.Lock()
			s.broadcastLocked(rm, frame, p)
			s.mu.Unlock()
		}
	}
}

func readJoin(conn *websocket.Conn) (realtime.JoinMessage, error) {
	var join realtime.JoinMessage
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return join, err
	}
	var env realtime.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return join, err
	}
	if env.Event != realtime.EventJoinClassroom {
		return join, &rejection{code: "bad_join", msg: "expected " + realtime.EventJoinClassroom + ", got " + env.Event}
	}
	if err := json.Unmarshal(env.Data, &join); err != nil {
		return join, err
	}
	return join, nil
}

func (s *Server) refuse(conn *websocket.Conn, code, msg string) {
	frame, err := realtime.Encode(realtime.EventError, realtime.ErrorMessage{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(writeTimeout))
}

func (s *Server) leave(rm *room, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rm.peers[p]; !ok {
		return
	}
	delete(rm.peers, p)
	s.broadcastCountLocked(rm)
}

func (s *Server) broadcastEventLocked(rm *room, event string, data any) {
	frame, err := realtime.Encode(event, data)
	if err != nil {
		s.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	s.broadcastLocked(rm, frame, nil)
}

func (s *Server) broadcastCountLocked(rm *room) {
	s.broadcastEventLocked(rm, realtime.EventOnlineCount, map[string]int{"count": len(rm.peers)})
}

// broadcastLocked fans a frame out to every peer but except. Peers that cannot
// keep up are dropped; they resync on rejoin.
func (s *Server) broadcastLocked(rm *room, frame []byte, except *peer) {
	for p := range rm.peers {
		if p == except {
			continue
		}
		if !p.enqueue(frame) {
			s.logger.Warn("dropping slow peer", zap.String("peer", p.id))
			delete(rm.peers, p)
			p.close()
		}
	}
}
