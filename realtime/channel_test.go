package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"seat-sync-cli/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func waitFor[T Event](t *testing.T, events <-chan Event, within time.Duration) T {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-events:
			if got, ok := ev.(T); ok {
				return got
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func readJoin(t *testing.T, conn *websocket.Conn) JoinMessage {
	t.Helper()
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read join: %v", err)
		return JoinMessage{}
	}
	var env Envelope
	var join JoinMessage
	if err := json.Unmarshal(frame, &env); err != nil || env.Event != EventJoinClassroom {
		t.Errorf("expected join frame, got %s", frame)
		return JoinMessage{}
	}
	if err := json.Unmarshal(env.Data, &join); err != nil {
		t.Errorf("decode join: %v", err)
	}
	return join
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := Encode(event, data)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Errorf("write: %v", err)
	}
}

func testOptions(url string) Options {
	return Options{
		URL:      "ws" + strings.TrimPrefix(url, "http") + "/ws",
		Token:    "token-1",
		Join:     model.JoinPayload{SessionID: "s-1", ClassroomID: "room-1", SessionDate: "2026-10-19", TimeSlot: "08:00"},
		Identity: model.Identity{UserID: "st-1", UserType: "student"},
		Backoff:  Backoff{Base: 5 * time.Millisecond, Factor: 2, Cap: 20 * time.Millisecond, MaxAttempts: 3},
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	if b.Exhausted(4) || !b.Exhausted(5) {
		t.Fatal("unexpected attempt budget")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		frame string
		check func(Event) bool
	}{
		{`{"event":"seat_map_update","data":{"seatNumber":"B2","version":8,"status":"occupied","studentId":"s1"}}`, func(ev Event) bool {
			d, ok := ev.(DeltaReceived)
			return ok && d.Delta.Seat == model.SeatID{Row: 2, Column: 2} && d.Delta.ToVersion == 8
		}},
		{`{"event":"seat_update","data":{"seatNumber":"A1","version":2,"status":"available"}}`, func(ev Event) bool {
			_, ok := ev.(DeltaReceived)
			return ok
		}},
		{`{"event":"online_count_update","data":{"count":14}}`, func(ev Event) bool {
			p, ok := ev.(PresenceChanged)
			return ok && p.Count == 14
		}},
		{`{"event":"class_started"}`, func(ev Event) bool {
			p, ok := ev.(PhaseChanged)
			return ok && p.Phase == model.PhaseActive
		}},
		{`{"event":"class_ended"}`, func(ev Event) bool {
			p, ok := ev.(PhaseChanged)
			return ok && p.Phase == model.PhaseEnded
		}},
		{`{"event":"session_phase_changed","data":{"phase":"cancelled"}}`, func(ev Event) bool {
			p, ok := ev.(PhaseChanged)
			return ok && p.Phase == model.PhaseCancelled
		}},
		{`{"event":"attendance_confirmed","data":{"studentId":"s9"}}`, func(ev Event) bool {
			a, ok := ev.(AttendanceConfirmed)
			return ok && a.StudentID == "s9"
		}},
		{`{"event":"select_seat","data":{"seatId":"C4","studentId":"s2","status":"occupied"}}`, func(ev Event) bool {
			e, ok := ev.(IntentEcho)
			return ok && e.Intent.SeatID == model.SeatID{Row: 3, Column: 4}
		}},
		{`{"event":"something_new","data":{}}`, func(ev Event) bool { return ev == nil }},
	}

	for _, tt := range tests {
		ev, err := Decode([]byte(tt.frame))
		if err != nil {
			t.Fatalf("decode %s: %v", tt.frame, err)
		}
		if !tt.check(ev) {
			t.Fatalf("unexpected event %#v for %s", ev, tt.frame)
		}
	}

	for _, bad := range []string{
		`not json`,
		`{"event":"seat_map_update"}`,
		`{"event":"session_phase_changed","data":{"phase":"paused"}}`,
		`{"event":"error","data":{"error":"unauthorized"}}`,
	} {
		if _, err := Decode([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestChannelJoinsAndForwardsBroadcasts(t *testing.T) {
	intents := make(chan Intent, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" || r.URL.Query().Get("sessionId") != "s-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		join := readJoin(t, conn)
		if join.ClassroomID != "room-1" || join.UserID != "st-1" || join.UserType != "student" {
			t.Errorf("unexpected join %+v", join)
		}
		send(t, conn, EventSeatMapInitial, model.SeatMapSnapshot{SessionID: "s-1", Version: 3})
		send(t, conn, EventSeatMapUpdate, model.SeatDelta{Seat: model.SeatID{Row: 1, Column: 1}, FromVersion: 3, ToVersion: 4, Status: model.SeatOccupied, OccupantID: "st-2"})

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		var intent Intent
		_ = json.Unmarshal(frame, &env)
		_ = json.Unmarshal(env.Data, &intent)
		intents <- intent
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	events := make(chan Event, 64)
	ch := New(testOptions(server.URL), func(ev Event) { events <- ev }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	snap := waitFor[SnapshotReceived](t, events, time.Second)
	if snap.Snapshot.Version != 3 {
		t.Fatalf("unexpected snapshot %+v", snap.Snapshot)
	}
	delta := waitFor[DeltaReceived](t, events, time.Second)
	if delta.Delta.ToVersion != 4 || delta.Delta.OccupantID != "st-2" {
		t.Fatalf("unexpected delta %+v", delta.Delta)
	}
	if ch.State() != Joined {
		t.Fatalf("expected joined, got %s", ch.State())
	}

	intent := Intent{ClassroomID: "room-1", SeatID: model.SeatID{Row: 2, Column: 1}, StudentID: "st-1", Status: model.SeatOccupied}
	if err := ch.Emit(EventSelectSeat, intent); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case got := <-intents:
		if got.SeatID != intent.SeatID || got.Status != model.SeatOccupied {
			t.Fatalf("unexpected intent on server %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the intent")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := ch.Emit(EventSelectSeat, intent); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestChannelRejoinsAfterDrop(t *testing.T) {
	var joins int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		readJoin(t, conn)
		n := atomic.AddInt32(&joins, 1)
		send(t, conn, EventSeatMapInitial, model.SeatMapSnapshot{SessionID: "s-1", Version: uint64(n * 10)})
		if n == 1 {
			return
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	events := make(chan Event, 64)
	ch := New(testOptions(server.URL), func(ev Event) { events <- ev }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ch.Run(ctx) }()

	first := waitFor[SnapshotReceived](t, events, time.Second)
	dropped := waitFor[StateChanged](t, events, time.Second)
	for dropped.State != Disconnected {
		dropped = waitFor[StateChanged](t, events, time.Second)
	}
	second := waitFor[SnapshotReceived](t, events, time.Second)

	if first.Snapshot.Version != 10 || second.Snapshot.Version != 20 {
		t.Fatalf("expected a fresh snapshot per join, got %d then %d", first.Snapshot.Version, second.Snapshot.Version)
	}
	if dropped.Attempt != 1 {
		t.Fatalf("expected first failure after a good session, got attempt %d", dropped.Attempt)
	}
}

func TestChannelLostAfterBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	events := make(chan Event, 64)
	ch := New(testOptions(server.URL), func(ev Event) { events <- ev }, nil)

	err := ch.Run(context.Background())
	if !errors.Is(err, model.ErrChannelLost) {
		t.Fatalf("expected channel lost, got %v", err)
	}
	lost := waitFor[Lost](t, events, time.Second)
	if !errors.Is(lost.Err, model.ErrChannelLost) {
		t.Fatalf("unexpected lost event %v", lost.Err)
	}
	if ch.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
}

func TestSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws",
		"https://seats.example/api/": "wss://seats.example/api/ws",
	}
	for in, want := range tests {
		got, err := SocketURL(in)
		if err != nil || got != want {
			t.Fatalf("SocketURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := SocketURL("ftp://nope"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}
