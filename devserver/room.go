package devserver

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"seat-sync-cli/model"
)

// rejection is a refused seat write, carried back to the HTTP layer.
type rejection struct {
	status int
	code   string
	msg    string
}

func (r *rejection) Error() string { return r.code + ": " + r.msg }

var (
	errSessionClosed = &rejection{status: http.StatusConflict, code: "session_closed", msg: "session is not active"}
	errUnknownSeat   = &rejection{status: http.StatusNotFound, code: "seat_unknown", msg: "seat is not part of this classroom"}
	errNotOwner      = &rejection{status: http.StatusForbidden, code: "not_owner", msg: "seat is held by another student"}
)

type room struct {
	session   model.Session
	classroom model.Classroom
	seats     map[model.SeatID]model.Seat
	version   uint64
	peers     map[*peer]struct{}
}

func newRoom(session model.Session, classroom model.Classroom) *room {
	r := &room{
		session:   session,
		classroom: classroom,
		seats:     make(map[model.SeatID]model.Seat, classroom.Capacity()),
		version:   1,
		peers:     make(map[*peer]struct{}),
	}
	for _, id := range classroom.SeatIDs() {
		r.seats[id] = classroom.DefaultSeat(id)
	}
	return r
}

func (r *room) snapshot() model.SeatMapSnapshot {
	seats := make([]model.Seat, 0, len(r.seats))
	for _, seat := range r.seats {
		seats = append(seats, seat)
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i].ID.Less(seats[j].ID) })
	return model.SeatMapSnapshot{
		Classroom: r.classroom,
		Seats:     seats,
		SessionID: r.session.ID,
		Version:   r.version,
	}
}

func (r *room) seatOf(studentID string) (model.Seat, bool) {
	for _, seat := range r.seats {
		if seat.OccupiedBy(studentID) {
			return seat, true
		}
	}
	return model.Seat{}, false
}

// commit writes next as the new value of its seat and returns the delta to broadcast.
func (r *room) commit(next model.Seat) model.SeatDelta {
	from := r.version
	r.version++
	next = next.Normalize()
	r.seats[next.ID] = next
	return model.SeatDelta{
		Seat:                next.ID,
		FromVersion:         from,
		ToVersion:           r.version,
		Status:              next.Status,
		OccupantID:          next.OccupantID,
		OccupantName:        next.OccupantName,
		SelectedAt:          next.SelectedAt,
		AttendanceConfirmed: next.AttendanceConfirmed,
	}
}

// selectSeat applies first-commit-wins. A student holds at most one seat, so
// taking a new one releases the old one first.
func (r *room) selectSeat(id model.SeatID, occupant model.Occupant) (model.Seat, []model.SeatDelta, error) {
	if !r.session.Phase.AllowsMutation() {
		return model.Seat{}, nil, errSessionClosed
	}
	current, ok := r.seats[id]
	if !ok {
		return model.Seat{}, nil, errUnknownSeat
	}

	switch {
	case current.OccupiedBy(occupant.StudentID):
		return current, nil, nil
	case current.Status == model.SeatOccupied:
		return model.Seat{}, nil, &rejection{status: http.StatusConflict, code: "seat_taken", msg: "seat " + id.String() + " is already taken"}
	case current.Status != model.SeatAvailable:
		return model.Seat{}, nil, &rejection{status: http.StatusConflict, code: "seat_unavailable", msg: "seat " + id.String() + " is " + string(current.Status)}
	}

	var deltas []model.SeatDelta
	if previous, ok := r.seatOf(occupant.StudentID); ok {
		previous.Status = model.SeatAvailable
		deltas = append(deltas, r.commit(previous))
	}

	now := time.Now().UTC()
	current.Status = model.SeatOccupied
	current.OccupantID = occupant.StudentID
	current.OccupantName = occupant.Name
	current.SelectedAt = &now
	deltas = append(deltas, r.commit(current))
	return r.seats[id], deltas, nil
}

func (r *room) cancelSeat(id model.SeatID, studentID string) (model.Seat, model.SeatDelta, error) {
	if !r.session.Phase.AllowsMutation() {
		return model.Seat{}, model.SeatDelta{}, errSessionClosed
	}
	current, ok := r.seats[id]
	if !ok {
		return model.Seat{}, model.SeatDelta{}, errUnknownSeat
	}
	if !current.OccupiedBy(studentID) {
		return model.Seat{}, model.SeatDelta{}, errNotOwner
	}
	current.Status = model.SeatAvailable
	delta := r.commit(current)
	return r.seats[id], delta, nil
}

func (r *room) confirmAttendance(studentID string) (model.SeatDelta, error) {
	seat, ok := r.seatOf(studentID)
	if !ok {
		return model.SeatDelta{}, errors.New("student has no seat")
	}
	seat.AttendanceConfirmed = true
	return r.commit(seat), nil
}
