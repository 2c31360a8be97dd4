package reconcile

import (
	"time"

	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
	"seat-sync-cli/seatmap"
)

// Notice is the latest failure the user should hear about.
type Notice struct {
	Seat model.SeatID
	Err  error
	At   time.Time
}

// View is a read-only copy of the engine state for rendering.
type View struct {
	Session   model.Session
	Classroom model.Classroom
	Version   uint64
	Seats     []seatmap.SeatView
	Phase     model.Phase
	Channel   realtime.State
	Online    int
	MySeat    model.SeatID
	Pending   []model.SeatID
	Notice    *Notice
	Loaded    bool
	// Synced is set once the channel has joined and the seat map that
	// follows the join has been applied.
	Synced   bool
	Lost     bool
	Offline  bool
	CanRetry bool
}

// ReadOnly reports whether seat intents will be refused right now.
func (v View) ReadOnly() bool {
	return !v.Loaded || v.Lost || v.Offline || !v.Phase.AllowsMutation()
}

func (v View) HasSeat() bool {
	return !v.MySeat.IsZero()
}

func (v View) Seat(id model.SeatID) (seatmap.SeatView, bool) {
	for _, seat := range v.Seats {
		if seat.ID == id {
			return seat, true
		}
	}
	return seatmap.SeatView{}, false
}

func (v View) IsPending(id model.SeatID) bool {
	for _, seat := range v.Pending {
		if seat == id {
			return true
		}
	}
	return false
}
