package store

import (
	"testing"

	"seat-sync-cli/model"
)

func setTestDirs(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", root)
	t.Setenv("XDG_CACHE_HOME", root)
}

func TestRememberSession_MostRecentFirst(t *testing.T) {
	setTestDirs(t)

	for _, id := range []string{"s1", "s2", "s1"} {
		if err := RememberSession(model.Session{ID: id, CourseName: "course " + id}); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	}

	recent, err := LoadRecentSessions()
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", recent)
	}
	if recent[0].SessionID != "s1" || recent[1].SessionID != "s2" {
		t.Fatalf("unexpected order %+v", recent)
	}
	if recent[0].Session().CourseName != "course s1" {
		t.Fatalf("unexpected session %+v", recent[0].Session())
	}
}

func TestRememberSession_Capped(t *testing.T) {
	setTestDirs(t)

	for i := 0; i < maxRecentSessions+3; i++ {
		id := string(rune('a' + i))
		if err := RememberSession(model.Session{ID: id}); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	}
	recent, _ := LoadRecentSessions()
	if len(recent) != maxRecentSessions {
		t.Fatalf("expected %d sessions, got %d", maxRecentSessions, len(recent))
	}
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	setTestDirs(t)

	if _, ok, _, err := LoadSnapshotCache("s1"); err != nil || ok {
		t.Fatalf("expected empty cache, got ok=%v err=%v", ok, err)
	}

	snapshot := model.SeatMapSnapshot{
		Classroom: model.Classroom{ID: "room", Rows: 2, SeatsPerRow: 2},
		Seats: []model.Seat{
			{ID: model.SeatID{Row: 1, Column: 1}, Status: model.SeatOccupied, OccupantID: "u1"},
		},
		SessionID: "s1",
		Version:   7,
	}
	if err := SaveSnapshotCache(snapshot); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	got, ok, fresh, err := LoadSnapshotCache("s1")
	if err != nil || !ok || !fresh {
		t.Fatalf("expected fresh cache, got ok=%v fresh=%v err=%v", ok, fresh, err)
	}
	if got.Version != 7 || len(got.Seats) != 1 || got.Seats[0].OccupantID != "u1" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestSnapshotCache_InvalidSessionID(t *testing.T) {
	setTestDirs(t)

	if err := SaveSnapshotCache(model.SeatMapSnapshot{SessionID: "../x"}); err == nil {
		t.Fatal("expected error for path-like session id")
	}
}

func TestPreferredSeat(t *testing.T) {
	setTestDirs(t)

	if _, ok, err := LoadPreferredSeat("room"); err != nil || ok {
		t.Fatalf("expected no preference, got ok=%v err=%v", ok, err)
	}
	seat := model.SeatID{Row: 2, Column: 3}
	if err := SetPreferredSeat("room", seat); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got, ok, err := LoadPreferredSeat("room")
	if err != nil || !ok || got != seat {
		t.Fatalf("expected %v, got %v ok=%v err=%v", seat, got, ok, err)
	}
	if err := SetPreferredSeat("", seat); err == nil {
		t.Fatal("expected error for empty classroom id")
	}
}
