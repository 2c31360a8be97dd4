package model

import "time"

type SeatMapSnapshot struct {
	Classroom Classroom `json:"classroom"`
	Seats     []Seat    `json:"seats"`
	SessionID string    `json:"sessionId"`
	Version   uint64    `json:"version"`
}

// SeatDelta is a versioned change to one seat.
type SeatDelta struct {
	Seat                SeatID     `json:"seatNumber"`
	FromVersion         uint64     `json:"fromVersion"`
	ToVersion           uint64     `json:"version"`
	Status              SeatStatus `json:"status"`
	OccupantID          string     `json:"studentId,omitempty"`
	OccupantName        string     `json:"name,omitempty"`
	SelectedAt          *time.Time `json:"selectedAt,omitempty"`
	AttendanceConfirmed bool       `json:"attendanceConfirmed,omitempty"`
}

// Apply returns seat with the delta's fields written over it.
func (d SeatDelta) Apply(seat Seat) Seat {
	seat.ID = d.Seat
	seat.Status = d.Status
	seat.OccupantID = d.OccupantID
	seat.OccupantName = d.OccupantName
	seat.SelectedAt = d.SelectedAt
	seat.AttendanceConfirmed = d.AttendanceConfirmed
	return seat.Normalize()
}

type SelectOutcome struct {
	Seat     Seat   `json:"seat"`
	Version  uint64 `json:"version"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type CancelOutcome struct {
	Seat     Seat   `json:"seat"`
	Version  uint64 `json:"version"`
	Released bool   `json:"released"`
	Message  string `json:"message,omitempty"`
}
