package realtime

import "seat-sync-cli/model"

type State int

const (
	Disconnected State = iota
	Connecting
	Joined
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Event is everything the channel reports to its sink.
type Event interface {
	isChannelEvent()
}

type StateChanged struct {
	State   State
	Attempt int
	Err     error
}

type SnapshotReceived struct {
	Snapshot model.SeatMapSnapshot
}

type DeltaReceived struct {
	Delta model.SeatDelta
}

type PhaseChanged struct {
	Phase model.Phase
}

type PresenceChanged struct {
	Count int
}

type AttendanceConfirmed struct {
	StudentID string
}

// IntentEcho is another client's advisory intent relayed by the server. It is cosmetic.
type IntentEcho struct {
	Intent Intent
}

// Lost is sent once the reconnect budget is spent.
type Lost struct {
	Err error
}

func (StateChanged) isChannelEvent()        {}
func (SnapshotReceived) isChannelEvent()    {}
func (DeltaReceived) isChannelEvent()       {}
func (PhaseChanged) isChannelEvent()        {}
func (PresenceChanged) isChannelEvent()     {}
func (AttendanceConfirmed) isChannelEvent() {}
func (IntentEcho) isChannelEvent()          {}
func (Lost) isChannelEvent()                {}
