package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SeatStatus string

const (
	SeatAvailable   SeatStatus = "available"
	SeatOccupied    SeatStatus = "occupied"
	SeatReserved    SeatStatus = "reserved"
	SeatUnavailable SeatStatus = "unavailable"
)

func (s SeatStatus) Valid() bool {
	switch s {
	case SeatAvailable, SeatOccupied, SeatReserved, SeatUnavailable:
		return true
	}
	return false
}

// SeatID is the canonical identity of a seat: a 1-based row and column.
// Its label ("A1", "AA12") is derived and only used for display and on the wire.
type SeatID struct {
	Row    int
	Column int
}

func (id SeatID) IsZero() bool {
	return id.Row == 0 && id.Column == 0
}

func (id SeatID) Less(other SeatID) bool {
	if id.Row != other.Row {
		return id.Row < other.Row
	}
	return id.Column < other.Column
}

func (id SeatID) String() string {
	if id.Row <= 0 || id.Column <= 0 {
		return "?"
	}
	return RowLabel(id.Row) + strconv.Itoa(id.Column)
}

func (id SeatID) MarshalText() ([]byte, error) {
	if id.Row <= 0 || id.Column <= 0 {
		return nil, fmt.Errorf("invalid seat id %d/%d", id.Row, id.Column)
	}
	return []byte(id.String()), nil
}

func (id *SeatID) UnmarshalText(text []byte) error {
	parsed, err := ParseSeatID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RowLabel renders a 1-based row index as spreadsheet-style letters.
func RowLabel(row int) string {
	if row <= 0 {
		return ""
	}
	var b []byte
	for row > 0 {
		row--
		b = append([]byte{byte('A' + row%26)}, b...)
		row /= 26
	}
	return string(b)
}

// ParseSeatID accepts labels such as "A1", "b12" or "AA3".
func ParseSeatID(label string) (SeatID, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == "" {
		return SeatID{}, errors.New("seat label is empty")
	}

	split := 0
	for split < len(label) && label[split] >= 'A' && label[split] <= 'Z' {
		split++
	}
	if split == 0 || split == len(label) {
		return SeatID{}, fmt.Errorf("invalid seat label %q", label)
	}

	row := 0
	for i := 0; i < split; i++ {
		row = row*26 + int(label[i]-'A'+1)
	}
	col, err := strconv.Atoi(label[split:])
	if err != nil || col <= 0 {
		return SeatID{}, fmt.Errorf("invalid seat label %q", label)
	}
	return SeatID{Row: row, Column: col}, nil
}

type Seat struct {
	ID                  SeatID     `json:"seatNumber"`
	ClassroomID         string     `json:"classroomId,omitempty"`
	Status              SeatStatus `json:"status"`
	OccupantID          string     `json:"studentId,omitempty"`
	OccupantName        string     `json:"name,omitempty"`
	SelectedAt          *time.Time `json:"selectedAt,omitempty"`
	AttendanceConfirmed bool       `json:"attendanceConfirmed"`
	Category            string     `json:"category,omitempty"`
}

func (s Seat) OccupiedBy(studentID string) bool {
	return s.Status == SeatOccupied && studentID != "" && s.OccupantID == studentID
}

func (s Seat) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("seat %s: unknown status %q", s.ID, s.Status)
	}
	if s.Status == SeatOccupied && s.OccupantID == "" {
		return fmt.Errorf("seat %s: occupied without occupant", s.ID)
	}
	if s.Status != SeatOccupied && s.OccupantID != "" {
		return fmt.Errorf("seat %s: %s seat has occupant %q", s.ID, s.Status, s.OccupantID)
	}
	if s.AttendanceConfirmed && s.Status != SeatOccupied {
		return fmt.Errorf("seat %s: attendance confirmed on %s seat", s.ID, s.Status)
	}
	return nil
}

// Normalize drops occupant fields that a non-occupied seat cannot carry.
func (s Seat) Normalize() Seat {
	if s.Status != SeatOccupied {
		s.OccupantID = ""
		s.OccupantName = ""
		s.SelectedAt = nil
		s.AttendanceConfirmed = false
	}
	return s
}
