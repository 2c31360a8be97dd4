package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seat-sync-cli/auth"
	"seat-sync-cli/devserver"
	"seat-sync-cli/model"
	"seat-sync-cli/reconcile"
	"seat-sync-cli/seatmap"
)

func setup(t *testing.T) (*devserver.Server, *httptest.Server, string) {
	t.Helper()
	return setupWith(t, func(h http.Handler) http.Handler { return h })
}

func setupWith(t *testing.T, wrap func(http.Handler) http.Handler) (*devserver.Server, *httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", root)
	t.Setenv("XDG_CACHE_HOME", root)

	srv := devserver.New(devserver.Options{})
	srv.AddDemo()
	ts := httptest.NewServer(wrap(srv))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	token, err := auth.Mint([]byte("k"), model.Identity{UserID: "student-1", Name: "Ana"}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return srv, ts, token
}

func run(t *testing.T, ts *httptest.Server, token string, args ...string) (string, error) {
	t.Helper()
	common := []string{
		"--env-file", filepath.Join(t.TempDir(), "none.env"),
		"--api", ts.URL,
		"--token", token,
		"--session", devserver.DemoSessionID,
	}
	root := newRootCmd("test", "none")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, common...))
	err := root.Execute()
	return out.String(), err
}

func TestSelectSeatsCancel(t *testing.T) {
	srv, ts, token := setup(t)

	out, err := run(t, ts, token, "select", "B2")
	if err != nil {
		t.Fatalf("select: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Seat B2 is yours") {
		t.Fatalf("unexpected output %q", out)
	}
	snapshot, _ := srv.Snapshot(devserver.DemoSessionID)
	taken := false
	for _, seat := range snapshot.Seats {
		if seat.ID == (model.SeatID{Row: 2, Column: 2}) && seat.OccupiedBy("student-1") {
			taken = true
		}
	}
	if !taken {
		t.Fatal("server does not show the seat as taken")
	}

	out, err = run(t, ts, token, "seats")
	if err != nil {
		t.Fatalf("seats: %v", err)
	}
	if !strings.Contains(out, "yours") || !strings.Contains(out, "Ana") {
		t.Fatalf("seat table missing my seat:\n%s", out)
	}

	out, err = run(t, ts, token, "cancel", "--yes")
	if err != nil {
		t.Fatalf("cancel: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Seat B2 released") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSelectUnconfirmedWithoutBroadcast(t *testing.T) {
	// Answers select-seat with success but never commits, so no broadcast follows.
	srv, ts, token := setupWith(t, func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/select-seat") {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"accepted":true,"version":99}`))
				return
			}
			h.ServeHTTP(w, r)
		})
	})
	previous := confirmTimeout
	confirmTimeout = 300 * time.Millisecond
	t.Cleanup(func() { confirmTimeout = previous })

	out, err := run(t, ts, token, "select", "B2")
	if err == nil || !strings.Contains(err.Error(), "not confirmed") {
		t.Fatalf("expected unconfirmed error, got %v\n%s", err, out)
	}
	if strings.Contains(out, "is yours") {
		t.Fatalf("reported the seat as taken without a broadcast:\n%s", out)
	}
	if !strings.Contains(out, "not confirmed yet") {
		t.Fatalf("unexpected output %q", out)
	}
	snapshot, _ := srv.Snapshot(devserver.DemoSessionID)
	for _, seat := range snapshot.Seats {
		if seat.OccupiedBy("student-1") {
			t.Fatalf("server unexpectedly seated the student at %s", seat.ID)
		}
	}
}

func TestSelectTakenSeatFails(t *testing.T) {
	_, ts, token := setup(t)
	other, _ := auth.Mint([]byte("k"), model.Identity{UserID: "student-2"}, time.Hour)

	if _, err := run(t, ts, other, "select", "C3"); err != nil {
		t.Fatalf("select: %v", err)
	}
	_, err := run(t, ts, token, "select", "C3")
	if err == nil || !strings.Contains(err.Error(), "seat C3") {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTodayCommand(t *testing.T) {
	_, ts, token := setup(t)

	root := newRootCmd("test", "none")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"today", "--api", ts.URL, "--token", token, "--course", devserver.DemoCourseID,
		"--env-file", filepath.Join(t.TempDir(), "none.env")})
	if err := root.Execute(); err != nil {
		t.Fatalf("today: %v", err)
	}
	if !strings.Contains(out.String(), devserver.DemoSessionID) {
		t.Fatalf("expected session in output:\n%s", out.String())
	}
}

func TestVersionFlag(t *testing.T) {
	root := newRootCmd("1.2.3", "abc123")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := out.String(); got != "seat-sync 1.2.3 (abc123)\n" {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestRenderSeatTable_FreeOnly(t *testing.T) {
	v := reconcile.View{
		Classroom: model.Classroom{Name: "Room", Rows: 1, SeatsPerRow: 2},
		Seats: []seatmap.SeatView{
			{Seat: model.Seat{ID: model.SeatID{Row: 1, Column: 1}, Status: model.SeatOccupied, OccupantID: "x"}},
			{Seat: model.Seat{ID: model.SeatID{Row: 1, Column: 2}, Status: model.SeatAvailable}},
		},
	}
	var out bytes.Buffer
	renderSeatTable(&out, v, true)
	if strings.Contains(out.String(), "A1") || !strings.Contains(out.String(), "A2") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}
}
