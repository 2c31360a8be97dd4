package model

import "fmt"

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseActive    Phase = "active"
	PhaseEnded     Phase = "ended"
	PhaseCancelled Phase = "cancelled"
)

func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(raw); p {
	case PhasePending, PhaseActive, PhaseEnded, PhaseCancelled:
		return p, nil
	}
	return "", fmt.Errorf("unknown session phase %q", raw)
}

func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseCancelled
}

func (p Phase) AllowsMutation() bool {
	return p == PhaseActive
}

type Session struct {
	ID          string `json:"id"`
	ClassroomID string `json:"classroomId"`
	CourseID    string `json:"courseId,omitempty"`
	CourseName  string `json:"courseName,omitempty"`
	SessionDate string `json:"sessionDate"`
	TimeSlot    string `json:"timeSlot"`
	Phase       Phase  `json:"phase"`
}

func (s Session) JoinPayload() JoinPayload {
	return JoinPayload{
		SessionID:   s.ID,
		ClassroomID: s.ClassroomID,
		SessionDate: s.SessionDate,
		TimeSlot:    s.TimeSlot,
	}
}

type JoinPayload struct {
	SessionID   string `json:"sessionId"`
	ClassroomID string `json:"classroomId"`
	SessionDate string `json:"sessionDate"`
	TimeSlot    string `json:"timeSlot"`
}

// Identity is who the client acts as. It is read from the bearer token, never validated here.
type Identity struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	Name     string `json:"name,omitempty"`
}

func (i Identity) Occupant() Occupant {
	return Occupant{StudentID: i.UserID, Name: i.Name}
}

type Occupant struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name,omitempty"`
}
