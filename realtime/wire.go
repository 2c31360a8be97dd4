package realtime

import (
	"encoding/json"
	"fmt"

	"seat-sync-cli/model"
)

// Event names on the wire.
const (
	EventJoinClassroom       = "join_classroom"
	EventSelectSeat          = "select_seat"
	EventCancelSeat          = "cancel_seat"
	EventSeatMapInitial      = "seat_map_initial"
	EventSeatMapUpdate       = "seat_map_update"
	EventSeatUpdate          = "seat_update"
	EventOnlineCount         = "online_count_update"
	EventPresenceCount       = "presence_count"
	EventClassStarted        = "class_started"
	EventClassEnded          = "class_ended"
	EventPhaseChanged        = "session_phase_changed"
	EventAttendanceConfirmed = "attendance_confirmed"
	EventError               = "error"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinMessage struct {
	model.JoinPayload
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

// Intent is an advisory seat intent. The server never treats it as a write.
type Intent struct {
	ClassroomID         string           `json:"classroomId"`
	SessionDate         string           `json:"sessionDate"`
	TimeSlot            string           `json:"timeSlot"`
	SeatID              model.SeatID     `json:"seatId"`
	StudentID           string           `json:"studentId"`
	Status              model.SeatStatus `json:"status"`
	AttendanceConfirmed bool             `json:"attendanceConfirmed"`
}

type countMessage struct {
	Count int `json:"count"`
}

type phaseMessage struct {
	Phase model.Phase `json:"phase"`
}

type studentMessage struct {
	StudentID string `json:"studentId"`
}

type ErrorMessage struct {
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Encode builds one wire frame.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode turns a server frame into a channel event. Unknown events yield nil, nil.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Event {
	case EventSeatMapInitial:
		var snapshot model.SeatMapSnapshot
		if err := unmarshalData(env, &snapshot); err != nil {
			return nil, err
		}
		return SnapshotReceived{Snapshot: snapshot}, nil
	case EventSeatMapUpdate, EventSeatUpdate:
		var delta model.SeatDelta
		if err := unmarshalData(env, &delta); err != nil {
			return nil, err
		}
		return DeltaReceived{Delta: delta}, nil
	case EventOnlineCount, EventPresenceCount:
		var msg countMessage
		if err := unmarshalData(env, &msg); err != nil {
			return nil, err
		}
		return PresenceChanged{Count: msg.Count}, nil
	case EventClassStarted:
		return PhaseChanged{Phase: model.PhaseActive}, nil
	case EventClassEnded:
		return PhaseChanged{Phase: model.PhaseEnded}, nil
	case EventPhaseChanged:
		var msg phaseMessage
		if err := unmarshalData(env, &msg); err != nil {
			return nil, err
		}
		phase, err := model.ParsePhase(string(msg.Phase))
		if err != nil {
			return nil, err
		}
		return PhaseChanged{Phase: phase}, nil
	case EventAttendanceConfirmed:
		var msg studentMessage
		if err := unmarshalData(env, &msg); err != nil {
			return nil, err
		}
		return AttendanceConfirmed{StudentID: msg.StudentID}, nil
	case EventError:
		var msg ErrorMessage
		if err := unmarshalData(env, &msg); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
	case EventSelectSeat, EventCancelSeat:
		var intent Intent
		if err := unmarshalData(env, &intent); err != nil {
			return nil, err
		}
		return IntentEcho{Intent: intent}, nil
	}
	return nil, nil
}

func unmarshalData(env Envelope, out any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return nil
}
