package model

import "sort"

type Classroom struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Rows        int           `json:"rows"`
	SeatsPerRow int           `json:"seatsPerRow"`
	Layout      *LayoutConfig `json:"layoutConfig,omitempty"`
}

type LayoutConfig struct {
	// AisleAfter lists the columns followed by an aisle gap.
	AisleAfter  []int               `json:"aisleColumns,omitempty"`
	Unavailable []SeatID            `json:"unavailableSeats,omitempty"`
	Categories  map[string][]SeatID `json:"specialSeats,omitempty"`
}

func (c Classroom) Capacity() int {
	if c.Rows <= 0 || c.SeatsPerRow <= 0 {
		return 0
	}
	return c.Rows * c.SeatsPerRow
}

func (c Classroom) Contains(id SeatID) bool {
	return id.Row >= 1 && id.Row <= c.Rows && id.Column >= 1 && id.Column <= c.SeatsPerRow
}

// SeatIDs returns every seat of the grid in row-major order.
func (c Classroom) SeatIDs() []SeatID {
	ids := make([]SeatID, 0, c.Capacity())
	for row := 1; row <= c.Rows; row++ {
		for col := 1; col <= c.SeatsPerRow; col++ {
			ids = append(ids, SeatID{Row: row, Column: col})
		}
	}
	return ids
}

func (c Classroom) IsAisleAfter(col int) bool {
	if c.Layout == nil {
		return false
	}
	for _, aisle := range c.Layout.AisleAfter {
		if aisle == col {
			return true
		}
	}
	return false
}

func (c Classroom) IsUnavailable(id SeatID) bool {
	if c.Layout == nil {
		return false
	}
	for _, seat := range c.Layout.Unavailable {
		if seat == id {
			return true
		}
	}
	return false
}

func (c Classroom) CategoryOf(id SeatID) string {
	if c.Layout == nil {
		return ""
	}
	names := make([]string, 0, len(c.Layout.Categories))
	for name := range c.Layout.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, seat := range c.Layout.Categories[name] {
			if seat == id {
				return name
			}
		}
	}
	return ""
}

// DefaultSeat is the state of a seat that has no record in a session yet.
func (c Classroom) DefaultSeat(id SeatID) Seat {
	seat := Seat{
		ID:          id,
		ClassroomID: c.ID,
		Status:      SeatAvailable,
		Category:    c.CategoryOf(id),
	}
	if c.IsUnavailable(id) {
		seat.Status = SeatUnavailable
	}
	return seat
}
