package devserver

import (
	"time"

	"seat-sync-cli/model"
)

const (
	DemoSessionID = "demo-session"
	DemoCourseID  = "demo-course"
)

// DemoClassroom is a small lecture room with two aisles and a broken seat.
func DemoClassroom() model.Classroom {
	return model.Classroom{
		ID:          "room-101",
		Name:        "Room 101",
		Rows:        6,
		SeatsPerRow: 10,
		Layout: &model.LayoutConfig{
			AisleAfter:  []int{3, 7},
			Unavailable: []model.SeatID{{Row: 6, Column: 1}, {Row: 6, Column: 10}},
			Categories: map[string][]model.SeatID{
				"accessible": {{Row: 1, Column: 1}, {Row: 1, Column: 10}},
			},
		},
	}
}

// AddDemo registers today's demo session, already active.
func (s *Server) AddDemo() {
	classroom := DemoClassroom()
	s.AddSession(model.Session{
		ID:          DemoSessionID,
		ClassroomID: classroom.ID,
		CourseID:    DemoCourseID,
		CourseName:  "Distributed Systems",
		SessionDate: time.Now().Format(time.DateOnly),
		TimeSlot:    "08:00-09:40",
		Phase:       model.PhaseActive,
	}, classroom)
}
