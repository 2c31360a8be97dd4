// Package seatmap holds the per-session seat state of one classroom.
//
// A Model keeps, for every seat, the last authoritative value with its version and
// an optional speculative overlay written by local intents. It does no I/O and is
// not safe for concurrent use: one goroutine owns it.
package seatmap

import (
	"sort"

	"seat-sync-cli/model"
)

type Origin int

const (
	Local Origin = iota
	Authoritative
)

func (o Origin) String() string {
	if o == Authoritative {
		return "authoritative"
	}
	return "local"
}

type AppliedResult int

const (
	Applied AppliedResult = iota
	Stale
	Rejected
)

func (r AppliedResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return "rejected"
	}
}

// SeatView is a seat as the UI should draw it.
type SeatView struct {
	model.Seat
	Version     uint64
	Speculative bool
}

type entry struct {
	seat        model.Seat
	version     uint64
	speculative *model.Seat
}

func (e *entry) view() SeatView {
	if e.speculative != nil {
		return SeatView{Seat: *e.speculative, Version: e.version, Speculative: true}
	}
	return SeatView{Seat: e.seat, Version: e.version}
}

type Model struct {
	classroom model.Classroom
	sessionID string
	version   uint64
	seats     map[model.SeatID]*entry
}

func New(snapshot model.SeatMapSnapshot) *Model {
	m := &Model{}
	m.Replace(snapshot)
	return m
}

// Replace swaps in a full snapshot. Every seat and the model itself take the
// snapshot's version as their new baseline; speculative overlays are dropped.
func (m *Model) Replace(snapshot model.SeatMapSnapshot) {
	m.classroom = snapshot.Classroom
	m.sessionID = snapshot.SessionID
	m.version = snapshot.Version
	m.seats = make(map[model.SeatID]*entry, snapshot.Classroom.Capacity())

	for _, id := range snapshot.Classroom.SeatIDs() {
		m.seats[id] = &entry{seat: snapshot.Classroom.DefaultSeat(id), version: snapshot.Version}
	}
	for _, seat := range snapshot.Seats {
		if !snapshot.Classroom.Contains(seat.ID) {
			continue
		}
		if seat.ClassroomID == "" {
			seat.ClassroomID = snapshot.Classroom.ID
		}
		if seat.Category == "" {
			seat.Category = snapshot.Classroom.CategoryOf(seat.ID)
		}
		m.seats[seat.ID] = &entry{seat: seat.Normalize(), version: snapshot.Version}
	}
}

// Apply folds one delta into the model.
//
// Authoritative deltas are accepted whenever they carry a newer version than the
// seat has seen, and they replace any speculative overlay. Local deltas only set
// the overlay and are stale when built against an older seat version.
func (m *Model) Apply(delta model.SeatDelta, origin Origin) AppliedResult {
	e, ok := m.seats[delta.Seat]
	if !ok {
		return Rejected
	}
	next := delta.Apply(e.seat)
	if err := next.Validate(); err != nil {
		return Rejected
	}

	if origin == Local {
		if delta.FromVersion < e.version {
			return Stale
		}
		e.speculative = &next
		return Applied
	}

	if delta.ToVersion <= e.version {
		return Stale
	}
	e.seat = next
	e.version = delta.ToVersion
	e.speculative = nil
	if delta.ToVersion > m.version {
		m.version = delta.ToVersion
	}
	return Applied
}

// Revert drops the speculative overlay of a seat. It reports whether one existed.
func (m *Model) Revert(id model.SeatID) bool {
	e, ok := m.seats[id]
	if !ok || e.speculative == nil {
		return false
	}
	e.speculative = nil
	return true
}

func (m *Model) RevertAll() {
	for _, e := range m.seats {
		e.speculative = nil
	}
}

// ConfirmAttendance flags the seat held by studentID. It returns the seat, if any.
func (m *Model) ConfirmAttendance(studentID string) (model.SeatID, bool) {
	id, ok := m.SeatOf(studentID)
	if !ok {
		return model.SeatID{}, false
	}
	m.seats[id].seat.AttendanceConfirmed = true
	return id, true
}

// SeatOf finds the seat authoritatively occupied by studentID.
func (m *Model) SeatOf(studentID string) (model.SeatID, bool) {
	if studentID == "" {
		return model.SeatID{}, false
	}
	for id, e := range m.seats {
		if e.seat.OccupiedBy(studentID) {
			return id, true
		}
	}
	return model.SeatID{}, false
}

func (m *Model) Classroom() model.Classroom { return m.classroom }

func (m *Model) SessionID() string { return m.sessionID }

func (m *Model) Version() uint64 { return m.version }

func (m *Model) SeatVersion(id model.SeatID) (uint64, bool) {
	e, ok := m.seats[id]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// Authoritative returns the last confirmed value of a seat, ignoring overlays.
func (m *Model) Authoritative(id model.SeatID) (model.Seat, bool) {
	e, ok := m.seats[id]
	if !ok {
		return model.Seat{}, false
	}
	return e.seat, true
}

func (m *Model) View(id model.SeatID) (SeatView, bool) {
	e, ok := m.seats[id]
	if !ok {
		return SeatView{}, false
	}
	return e.view(), true
}

// Views returns every seat in row-major order with overlays applied.
func (m *Model) Views() []SeatView {
	views := make([]SeatView, 0, len(m.seats))
	for _, e := range m.seats {
		views = append(views, e.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID.Less(views[j].ID) })
	return views
}

func (m *Model) SpeculativeCount() int {
	n := 0
	for _, e := range m.seats {
		if e.speculative != nil {
			n++
		}
	}
	return n
}

// Snapshot returns the authoritative state only.
func (m *Model) Snapshot() model.SeatMapSnapshot {
	seats := make([]model.Seat, 0, len(m.seats))
	for _, e := range m.seats {
		seats = append(seats, e.seat)
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].ID.Less(seats[j].ID) })
	return model.SeatMapSnapshot{
		Classroom: m.classroom,
		Seats:     seats,
		SessionID: m.sessionID,
		Version:   m.version,
	}
}
