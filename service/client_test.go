package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seat-sync-cli/model"
)

type closedGate struct{}

func (closedGate) Allow() error { return model.ErrSessionClosed }

func TestGetJSON_Non2xxReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	var out map[string]any
	err := client.getJSON(context.Background(), server.URL+"/fail", &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetJSON_RetriesTransientServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&attempts, 1)
		if current < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("retry later"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), WithRetry(3, time.Millisecond, 2*time.Millisecond))

	var out map[string]any
	if err := client.getJSON(context.Background(), server.URL+"/retry", &out); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if ok, _ := out["ok"].(bool); !ok {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestGetJSON_DoesNotRetryOnClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), WithRetry(3, time.Millisecond, 2*time.Millisecond))

	var out map[string]any
	if err := client.getJSON(context.Background(), server.URL+"/bad-request", &out); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	client := NewClient("http://example.invalid", nil, WithRetry(5, 100*time.Millisecond, 300*time.Millisecond))

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := client.retryDelay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestFetchSeatMap_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/s-1/seat-map" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "sessionId": "s-1",
  "version": 12,
  "classroom": {"id": "room-1", "rows": 2, "seatsPerRow": 4, "layoutConfig": {"aisleColumns": [2]}},
  "seats": [{"seatNumber": "B3", "status": "occupied", "studentId": "st-7", "name": "Ana"}]
}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), WithToken("Bearer secret"))

	snapshot, err := client.FetchSeatMap(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if snapshot.Version != 12 || snapshot.Classroom.SeatsPerRow != 4 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot.Seats) != 1 || snapshot.Seats[0].ID != (model.SeatID{Row: 2, Column: 3}) {
		t.Fatalf("unexpected seats: %+v", snapshot.Seats)
	}
	if !snapshot.Classroom.IsAisleAfter(2) {
		t.Fatal("expected aisle after column 2")
	}
}

func TestFetchSeatMap_CollapsesConcurrentCalls(t *testing.T) {
	var attempts int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		<-release
		_, _ = w.Write([]byte(`{"sessionId":"s-1","version":3,"classroom":{"id":"r","rows":1,"seatsPerRow":1}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchSeatMap(context.Background(), "s-1")
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if attempts != 1 {
		t.Fatalf("expected 1 request, got %d", attempts)
	}
}

func TestFetchSeatMap_SharedCallOutlivesCancelledCaller(t *testing.T) {
	var attempts int32
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		arrived <- struct{}{}
		<-release
		_, _ = w.Write([]byte(`{"sessionId":"s-1","version":5,"classroom":{"id":"r","rows":1,"seatsPerRow":2}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	shortCtx, cancelShort := context.WithCancel(context.Background())
	shortErr := make(chan error, 1)
	go func() {
		_, err := client.FetchSeatMap(shortCtx, "s-1")
		shortErr <- err
	}()
	<-arrived

	type result struct {
		snapshot model.SeatMapSnapshot
		err      error
	}
	longRes := make(chan result, 1)
	go func() {
		snapshot, err := client.FetchSeatMap(context.Background(), "s-1")
		longRes <- result{snapshot, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelShort()
	select {
	case err := <-shortErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled for the cancelled caller, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-longRes:
		if res.err != nil {
			t.Fatalf("expected the other caller to get the seat map, got %v", res.err)
		}
		if res.snapshot.Version != 5 {
			t.Fatalf("unexpected snapshot: %+v", res.snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestRequestSelect_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/s-1/select-seat" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got := string(body); got != `{"seatNumber":"A1","studentId":"st-1","name":"Ana"}` {
			t.Errorf("unexpected body %s", got)
		}
		_, _ = w.Write([]byte(`{"accepted":true,"version":5,"seat":{"seatNumber":"A1","status":"occupied","studentId":"st-1"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	outcome, err := client.RequestSelect(context.Background(), "s-1", model.SeatID{Row: 1, Column: 1}, model.Occupant{StudentID: "st-1", Name: "Ana"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !outcome.Accepted || outcome.Version != 5 || outcome.Seat.OccupantID != "st-1" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestRequestSelect_MapsConflicts(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "taken", status: http.StatusConflict, body: `{"error":"seat_taken","message":"held by another student"}`, want: model.ErrSeatTaken},
		{name: "unavailable", status: http.StatusConflict, body: `{"error":"seat_unavailable"}`, want: model.ErrSeatUnavailable},
		{name: "closed", status: http.StatusConflict, body: `{"error":"session_closed"}`, want: model.ErrSessionClosed},
		{name: "not owner", status: http.StatusForbidden, body: `{"error":"not_owner"}`, want: model.ErrNotOwner},
		{name: "status fallback", status: http.StatusGone, body: `gone`, want: model.ErrSessionClosed},
		{name: "server error", status: http.StatusBadGateway, body: `upstream`, want: model.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, server.Client(), WithRetry(3, time.Millisecond, time.Millisecond))
			_, err := client.RequestSelect(context.Background(), "s-1", model.SeatID{Row: 2, Column: 2}, model.Occupant{StudentID: "st-2"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("expected APIError with status %d, got %v", tt.status, err)
			}
			if attempts != 1 {
				t.Fatalf("writes must not be retried, got %d attempts", attempts)
			}
		})
	}
}

func TestRequestSelect_TransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, nil)
	_, err := client.RequestSelect(context.Background(), "s-1", model.SeatID{Row: 1, Column: 1}, model.Occupant{StudentID: "st-1"})
	if !errors.Is(err, model.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !model.Retryable(err) {
		t.Fatal("network error should be retryable")
	}
}

func TestClosedGateSkipsNetwork(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), WithGate(closedGate{}))
	seat := model.SeatID{Row: 1, Column: 1}
	occupant := model.Occupant{StudentID: "st-1"}

	if _, err := client.RequestSelect(context.Background(), "s-1", seat, occupant); !errors.Is(err, model.ErrSessionClosed) {
		t.Fatalf("select: expected session closed, got %v", err)
	}
	if _, err := client.RequestCancel(context.Background(), "s-1", seat, occupant); !errors.Is(err, model.ErrSessionClosed) {
		t.Fatalf("cancel: expected session closed, got %v", err)
	}
	if attempts != 0 {
		t.Fatalf("expected no requests, got %d", attempts)
	}
}

func TestTodaySession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/today/c-1":
			_, _ = w.Write([]byte(`{"id":"s-1","classroomId":"room-1","courseId":"c-1","sessionDate":"2026-10-19","timeSlot":"08:00-09:40","phase":"active"}`))
		case "/sessions/today/c-2":
			_, _ = w.Write([]byte(`null`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client())

	session, ok, err := client.TodaySession(context.Background(), "c-1")
	if err != nil || !ok {
		t.Fatalf("expected session, got ok=%v err=%v", ok, err)
	}
	if session.Phase != model.PhaseActive || session.TimeSlot != "08:00-09:40" {
		t.Fatalf("unexpected session %+v", session)
	}

	for _, course := range []string{"c-2", "c-3"} {
		if _, ok, err := client.TodaySession(context.Background(), course); err != nil || ok {
			t.Fatalf("%s: expected no session, got ok=%v err=%v", course, ok, err)
		}
	}
}
