package model

import (
	"encoding/json"
	"testing"
)

func TestParseSeatID(t *testing.T) {
	tests := []struct {
		label string
		want  SeatID
		ok    bool
	}{
		{label: "A1", want: SeatID{Row: 1, Column: 1}, ok: true},
		{label: " b12 ", want: SeatID{Row: 2, Column: 12}, ok: true},
		{label: "Z3", want: SeatID{Row: 26, Column: 3}, ok: true},
		{label: "AA4", want: SeatID{Row: 27, Column: 4}, ok: true},
		{label: "", ok: false},
		{label: "12", ok: false},
		{label: "C", ok: false},
		{label: "C0", ok: false},
		{label: "C-1", ok: false},
	}

	for _, tt := range tests {
		got, err := ParseSeatID(tt.label)
		if tt.ok && err != nil {
			t.Fatalf("ParseSeatID(%q): unexpected error %v", tt.label, err)
		}
		if !tt.ok {
			if err == nil {
				t.Fatalf("ParseSeatID(%q): expected error, got %v", tt.label, got)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("ParseSeatID(%q) = %+v, want %+v", tt.label, got, tt.want)
		}
		if back, _ := ParseSeatID(got.String()); back != got {
			t.Fatalf("label %q does not parse back to %+v", got.String(), got)
		}
	}
}

func TestSeatIDAsJSONKeyAndValue(t *testing.T) {
	in := map[SeatID]Seat{
		{Row: 2, Column: 3}: {ID: SeatID{Row: 2, Column: 3}, Status: SeatAvailable},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"B3":{"seatNumber":"B3","status":"available","attendanceConfirmed":false}}`; string(data) != want {
		t.Fatalf("unexpected json %s", data)
	}

	var out map[SeatID]Seat
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[SeatID{Row: 2, Column: 3}].ID.Column != 3 {
		t.Fatalf("unexpected decoded map %+v", out)
	}
}

func TestSeatValidate(t *testing.T) {
	id := SeatID{Row: 1, Column: 1}
	tests := []struct {
		name string
		seat Seat
		ok   bool
	}{
		{name: "available", seat: Seat{ID: id, Status: SeatAvailable}, ok: true},
		{name: "occupied", seat: Seat{ID: id, Status: SeatOccupied, OccupantID: "s1"}, ok: true},
		{name: "occupied without occupant", seat: Seat{ID: id, Status: SeatOccupied}},
		{name: "available with occupant", seat: Seat{ID: id, Status: SeatAvailable, OccupantID: "s1"}},
		{name: "attendance on free seat", seat: Seat{ID: id, Status: SeatReserved, AttendanceConfirmed: true}},
		{name: "unknown status", seat: Seat{ID: id, Status: "pending"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seat.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDeltaApplyNormalizesReleasedSeat(t *testing.T) {
	seat := Seat{ID: SeatID{Row: 1, Column: 2}, Status: SeatOccupied, OccupantID: "s1", AttendanceConfirmed: true}
	delta := SeatDelta{Seat: seat.ID, Status: SeatAvailable, OccupantID: "s1", AttendanceConfirmed: true}

	got := delta.Apply(seat)
	if got.OccupantID != "" || got.AttendanceConfirmed {
		t.Fatalf("released seat kept occupant fields: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("normalized seat invalid: %v", err)
	}
}

func TestClassroomDefaultSeat(t *testing.T) {
	room := Classroom{
		ID:          "room-1",
		Rows:        2,
		SeatsPerRow: 3,
		Layout: &LayoutConfig{
			AisleAfter:  []int{1},
			Unavailable: []SeatID{{Row: 2, Column: 3}},
			Categories:  map[string][]SeatID{"accessible": {{Row: 1, Column: 1}}},
		},
	}

	if got := len(room.SeatIDs()); got != 6 {
		t.Fatalf("expected 6 seats, got %d", got)
	}
	if room.DefaultSeat(SeatID{Row: 2, Column: 3}).Status != SeatUnavailable {
		t.Fatal("expected layout-unavailable seat")
	}
	if room.DefaultSeat(SeatID{Row: 1, Column: 1}).Category != "accessible" {
		t.Fatal("expected category on A1")
	}
	if !room.IsAisleAfter(1) || room.IsAisleAfter(2) {
		t.Fatal("unexpected aisle layout")
	}
	if room.Contains(SeatID{Row: 3, Column: 1}) {
		t.Fatal("row 3 is outside the grid")
	}
}
