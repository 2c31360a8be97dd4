package reconcile

import (
	"github.com/google/uuid"

	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
)

type msg interface{ isEngineMsg() }

type intentKind int

const (
	selectIntent intentKind = iota
	cancelIntent
)

func (k intentKind) String() string {
	if k == cancelIntent {
		return "cancel"
	}
	return "select"
}

type intentResult struct {
	selected model.SelectOutcome
	canceled model.CancelOutcome
	err      error
}

type intent struct {
	kind  intentKind
	seat  model.SeatID
	reply chan intentResult
}

type outcome struct {
	id     uuid.UUID
	seat   model.SeatID
	result intentResult
}

type channelEvent struct {
	ev realtime.Event
}

type snapshotSource int

const (
	fromSocket snapshotSource = iota
	fromHTTP
	fromReload
	fromCache
)

type snapshotFetched struct {
	snapshot model.SeatMapSnapshot
	err      error
	source   snapshotSource
	reply    chan error
}

type snapshotDeadline struct {
	gen int
}

type retryLast struct {
	reply chan intentResult
}

type subscribe struct {
	ch chan View
}

type unsubscribe struct {
	ch chan View
}

type getView struct {
	reply chan View
}

func (intent) isEngineMsg()           {}
func (outcome) isEngineMsg()          {}
func (channelEvent) isEngineMsg()     {}
func (snapshotFetched) isEngineMsg()  {}
func (snapshotDeadline) isEngineMsg() {}
func (retryLast) isEngineMsg()        {}
func (subscribe) isEngineMsg()        {}
func (unsubscribe) isEngineMsg()      {}
func (getView) isEngineMsg()          {}
