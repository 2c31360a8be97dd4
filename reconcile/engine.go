// Package reconcile folds local intents, HTTP outcomes and server broadcasts into
// one seat map.
//
// All state lives in a single goroutine (Run). Everything else talks to it by
// sending messages into its inbox, so the seat map is never touched from two
// places at once. Server broadcasts always win over speculative local state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-sync-cli/lifecycle"
	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
	"seat-sync-cli/seatmap"
)

var (
	ErrStopped        = errors.New("engine stopped")
	ErrNotReady       = errors.New("seat map not loaded")
	ErrNothingToRetry = errors.New("nothing to retry")
	ErrOffline        = errors.New("showing a cached seat map")
)

// Reserver performs the authoritative HTTP calls.
type Reserver interface {
	FetchSeatMap(ctx context.Context, sessionID string) (model.SeatMapSnapshot, error)
	RequestSelect(ctx context.Context, sessionID string, seat model.SeatID, occupant model.Occupant) (model.SelectOutcome, error)
	RequestCancel(ctx context.Context, sessionID string, seat model.SeatID, occupant model.Occupant) (model.CancelOutcome, error)
}

// Broadcaster sends advisory frames to the other clients of the session.
type Broadcaster interface {
	Emit(event string, data any) error
}

type Config struct {
	Session         model.Session
	Occupant        model.Occupant
	SnapshotTimeout time.Duration
	RequestTimeout  time.Duration
}

type pendingOp struct {
	id     uuid.UUID
	kind   intentKind
	seat   model.SeatID
	delta  model.SeatDelta
	cancel context.CancelFunc
	reply  chan intentResult
}

type Engine struct {
	cfg         Config
	reserver    Reserver
	broadcaster Broadcaster
	lifecycle   *lifecycle.Lifecycle
	logger      *zap.Logger

	inbox chan msg
	done  chan struct{}

	latest   atomic.Pointer[View]
	snapshot atomic.Pointer[model.SeatMapSnapshot]

	// owned by Run
	ctx         context.Context
	seats       *seatmap.Model
	pending     map[model.SeatID]*pendingOp
	retry       *intent
	notice      *Notice
	channel     realtime.State
	online      int
	lost        bool
	offline     bool
	awaiting    bool
	snapshotGen int
	subscribers map[chan View]struct{}
}

func New(cfg Config, reserver Reserver, broadcaster Broadcaster, lc *lifecycle.Lifecycle, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lc == nil {
		lc = lifecycle.New(cfg.Session.Phase)
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		reserver:    reserver,
		broadcaster: broadcaster,
		lifecycle:   lc,
		logger:      logger.With(zap.String("session_id", cfg.Session.ID)),
		inbox:       make(chan msg, 64),
		done:        make(chan struct{}),
		pending:     make(map[model.SeatID]*pendingOp),
		subscribers: make(map[chan View]struct{}),
	}
	initial := e.view()
	e.latest.Store(&initial)
	return e
}

// Run owns the seat map until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-e.inbox:
			e.handle(m)
		}
	}
}

// Deliver is the realtime channel sink.
func (e *Engine) Deliver(ev realtime.Event) {
	_ = e.post(context.Background(), channelEvent{ev: ev})
}

// Select optimistically takes seat and waits for the server's answer.
func (e *Engine) Select(ctx context.Context, seat model.SeatID) (model.SelectOutcome, error) {
	res, err := e.submit(ctx, intent{kind: selectIntent, seat: seat})
	if err != nil {
		return model.SelectOutcome{}, err
	}
	return res.selected, res.err
}

// Cancel optimistically releases seat and waits for the server's answer.
func (e *Engine) Cancel(ctx context.Context, seat model.SeatID) (model.CancelOutcome, error) {
	res, err := e.submit(ctx, intent{kind: cancelIntent, seat: seat})
	if err != nil {
		return model.CancelOutcome{}, err
	}
	return res.canceled, res.err
}

// Retry repeats the last intent that failed with a network error.
func (e *Engine) Retry(ctx context.Context) error {
	reply := make(chan intentResult, 1)
	if err := e.post(ctx, retryLast{reply: reply}); err != nil {
		return err
	}
	res, err := e.await(ctx, reply)
	if err != nil {
		return err
	}
	return res.err
}

// Resync reloads the whole seat map over HTTP. The result replaces local state
// even if it is older, which is what a manual reload is for.
func (e *Engine) Resync(ctx context.Context) error {
	snapshot, err := e.reserver.FetchSeatMap(ctx, e.cfg.Session.ID)
	if err != nil {
		return err
	}
	return e.load(ctx, snapshot, fromReload)
}

// Seed installs a snapshot fetched over HTTP. It is refused when older than
// what the engine already holds.
func (e *Engine) Seed(ctx context.Context, snapshot model.SeatMapSnapshot) error {
	return e.load(ctx, snapshot, fromHTTP)
}

// SeedCached shows a previously saved seat map. Intents are refused until a
// live snapshot replaces it.
func (e *Engine) SeedCached(ctx context.Context, snapshot model.SeatMapSnapshot) error {
	return e.load(ctx, snapshot, fromCache)
}

func (e *Engine) load(ctx context.Context, snapshot model.SeatMapSnapshot, source snapshotSource) error {
	reply := make(chan error, 1)
	if err := e.post(ctx, snapshotFetched{snapshot: snapshot, source: source, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := e.post(ctx, getView{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-e.done:
		return e.Latest(), nil
	}
}

// Latest returns the most recently published view without a round trip.
func (e *Engine) Latest() View {
	return *e.latest.Load()
}

// Snapshot returns the last authoritative seat map, if one was loaded.
func (e *Engine) Snapshot() (model.SeatMapSnapshot, bool) {
	s := e.snapshot.Load()
	if s == nil {
		return model.SeatMapSnapshot{}, false
	}
	return *s, true
}

// Subscribe streams views, latest first. The channel is closed when the returned
// func is called or the engine stops.
func (e *Engine) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	if err := e.post(context.Background(), subscribe{ch: ch}); err != nil {
		close(ch)
		return ch, func() {}
	}
	return ch, func() {
		_ = e.post(context.Background(), unsubscribe{ch: ch})
	}
}

func (e *Engine) submit(ctx context.Context, in intent) (intentResult, error) {
	in.reply = make(chan intentResult, 1)
	if err := e.post(ctx, in); err != nil {
		return intentResult{}, err
	}
	return e.await(ctx, in.reply)
}

func (e *Engine) await(ctx context.Context, reply chan intentResult) (intentResult, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return intentResult{}, ctx.Err()
	case <-e.done:
		return intentResult{}, ErrStopped
	}
}

func (e *Engine) post(ctx context.Context, m msg) error {
	select {
	case e.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) handle(m msg) {
	switch m := m.(type) {
	case intent:
		e.handleIntent(m)
	case outcome:
		e.handleOutcome(m)
	case channelEvent:
		e.handleChannel(m.ev)
	case snapshotFetched:
		err := e.handleSnapshot(m)
		if m.reply != nil {
			// Callers read Latest right after loading.
			e.publish()
			m.reply <- err
			return
		}
	case snapshotDeadline:
		if m.gen == e.snapshotGen && e.awaiting {
			e.logger.Info("no seat map after join, fetching over http")
			e.fetchSnapshot()
		}
		return
	case retryLast:
		if e.retry == nil {
			m.reply <- intentResult{err: ErrNothingToRetry}
			return
		}
		again := *e.retry
		again.reply = m.reply
		if e.handleIntent(again) {
			e.retry = nil
		}
	case subscribe:
		e.subscribers[m.ch] = struct{}{}
		m.ch <- e.view()
		return
	case unsubscribe:
		if _, ok := e.subscribers[m.ch]; ok {
			delete(e.subscribers, m.ch)
			close(m.ch)
		}
		return
	case getView:
		m.reply <- e.view()
		return
	}
	e.publish()
}

// handleIntent reports whether the intent was settled: sent to the server or
// already satisfied. A refused intent is answered with its error.
func (e *Engine) handleIntent(in intent) bool {
	fail := func(err error) bool {
		in.reply <- intentResult{err: err}
		return false
	}

	if err := e.lifecycle.Allow(); err != nil {
		return fail(err)
	}
	if e.seats == nil {
		return fail(ErrNotReady)
	}
	if e.lost {
		return fail(model.ErrChannelLost)
	}
	if e.offline {
		return fail(ErrOffline)
	}
	current, ok := e.seats.Authoritative(in.seat)
	if !ok {
		return fail(fmt.Errorf("%w: %s", model.ErrUnknownSeat, in.seat))
	}
	if _, busy := e.pending[in.seat]; busy {
		return fail(fmt.Errorf("%w: %s", model.ErrRequestPending, in.seat))
	}
	version, _ := e.seats.SeatVersion(in.seat)

	me := e.cfg.Occupant
	var delta model.SeatDelta
	switch in.kind {
	case selectIntent:
		if current.Status == model.SeatUnavailable {
			return fail(fmt.Errorf("%w: %s", model.ErrSeatUnavailable, in.seat))
		}
		if current.OccupiedBy(me.StudentID) {
			in.reply <- intentResult{selected: model.SelectOutcome{Seat: current, Version: version, Accepted: true}}
			return true
		}
		now := time.Now().UTC()
		delta = model.SeatDelta{
			Seat:         in.seat,
			FromVersion:  version,
			Status:       model.SeatOccupied,
			OccupantID:   me.StudentID,
			OccupantName: me.Name,
			SelectedAt:   &now,
		}
	case cancelIntent:
		delta = model.SeatDelta{Seat: in.seat, FromVersion: version, Status: model.SeatAvailable}
	}

	if res := e.seats.Apply(delta, seatmap.Local); res != seatmap.Applied {
		return fail(fmt.Errorf("%w: local %s delta %s", model.ErrSeatUnavailable, in.kind, res))
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
	op := &pendingOp{
		id:     uuid.New(),
		kind:   in.kind,
		seat:   in.seat,
		delta:  delta,
		cancel: cancel,
		reply:  in.reply,
	}
	e.pending[in.seat] = op
	if e.notice != nil && e.notice.Seat == in.seat {
		e.notice = nil
	}
	e.logger.Debug("speculative intent",
		zap.String("intent_id", op.id.String()),
		zap.Stringer("kind", op.kind),
		zap.Stringer("seat", op.seat),
	)
	go e.perform(ctx, op)
	return true
}

// perform runs off the loop. It reports back through the inbox only.
func (e *Engine) perform(ctx context.Context, op *pendingOp) {
	e.advertise(op)

	var res intentResult
	switch op.kind {
	case selectIntent:
		res.selected, res.err = e.reserver.RequestSelect(ctx, e.cfg.Session.ID, op.seat, e.cfg.Occupant)
	case cancelIntent:
		res.canceled, res.err = e.reserver.RequestCancel(ctx, e.cfg.Session.ID, op.seat, e.cfg.Occupant)
	}
	_ = e.post(context.Background(), outcome{id: op.id, seat: op.seat, result: res})
}

func (e *Engine) advertise(op *pendingOp) {
	if e.broadcaster == nil {
		return
	}
	event := realtime.EventSelectSeat
	if op.kind == cancelIntent {
		event = realtime.EventCancelSeat
	}
	err := e.broadcaster.Emit(event, realtime.Intent{
		ClassroomID: e.cfg.Session.ClassroomID,
		SessionDate: e.cfg.Session.SessionDate,
		TimeSlot:    e.cfg.Session.TimeSlot,
		SeatID:      op.seat,
		StudentID:   e.cfg.Occupant.StudentID,
		Status:      op.delta.Status,
	})
	if err != nil && !errors.Is(err, realtime.ErrNotJoined) {
		e.logger.Debug("advisory intent not sent", zap.Error(err))
	}
}

func (e *Engine) handleOutcome(o outcome) {
	op, ok := e.pending[o.seat]
	if !ok || op.id != o.id {
		return
	}
	delete(e.pending, o.seat)
	op.cancel()

	err := o.result.err
	if err == nil {
		// The overlay stays until the broadcast confirms or corrects it.
		op.reply <- o.result
		return
	}

	e.seats.Revert(o.seat)
	e.notice = &Notice{Seat: o.seat, Err: err, At: time.Now()}
	if model.Retryable(err) {
		e.retry = &intent{kind: op.kind, seat: op.seat}
	}
	e.logger.Info("intent failed",
		zap.String("intent_id", op.id.String()),
		zap.Stringer("kind", op.kind),
		zap.Stringer("seat", op.seat),
		zap.Error(err),
	)
	op.reply <- o.result
}

func (e *Engine) handleChannel(ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.StateChanged:
		e.channel = ev.State
		switch ev.State {
		case realtime.Connecting:
			e.lost = false
		case realtime.Joined:
			e.awaiting = true
			e.snapshotGen++
			gen := e.snapshotGen
			time.AfterFunc(e.cfg.SnapshotTimeout, func() {
				_ = e.post(context.Background(), snapshotDeadline{gen: gen})
			})
		}
	case realtime.SnapshotReceived:
		if err := e.handleSnapshot(snapshotFetched{snapshot: ev.Snapshot, source: fromSocket}); err != nil {
			e.logger.Warn("ignoring seat map", zap.Error(err))
		}
	case realtime.DeltaReceived:
		if e.seats == nil {
			return
		}
		res := e.seats.Apply(ev.Delta, seatmap.Authoritative)
		if res != seatmap.Applied {
			e.logger.Debug("delta dropped",
				zap.Stringer("seat", ev.Delta.Seat),
				zap.Uint64("version", ev.Delta.ToVersion),
				zap.Stringer("result", res),
			)
		}
	case realtime.PhaseChanged:
		changed, err := e.lifecycle.Transition(ev.Phase)
		if err != nil {
			e.logger.Warn("phase change refused", zap.Error(err))
			return
		}
		if changed && !ev.Phase.AllowsMutation() {
			e.abortPending(fmt.Errorf("%w: session %s", model.ErrSessionClosed, ev.Phase))
		}
	case realtime.PresenceChanged:
		e.online = ev.Count
	case realtime.AttendanceConfirmed:
		if e.seats != nil {
			e.seats.ConfirmAttendance(ev.StudentID)
		}
	case realtime.IntentEcho:
		// Cosmetic only. It never confirms or clears speculative state.
	case realtime.Lost:
		e.lost = true
		e.channel = realtime.Disconnected
		e.notice = &Notice{Err: ev.Err, At: time.Now()}
	}
}

func (e *Engine) handleSnapshot(m snapshotFetched) error {
	if m.err != nil {
		e.logger.Warn("seat map fetch failed", zap.Error(m.err))
		if e.seats == nil {
			e.notice = &Notice{Err: m.err, At: time.Now()}
		}
		return m.err
	}
	s := m.snapshot
	if s.SessionID != "" && e.cfg.Session.ID != "" && s.SessionID != e.cfg.Session.ID {
		return fmt.Errorf("seat map for session %s, want %s", s.SessionID, e.cfg.Session.ID)
	}
	if m.source == fromHTTP && e.seats != nil && !e.offline && s.Version < e.seats.Version() {
		return fmt.Errorf("seat map version %d behind %d", s.Version, e.seats.Version())
	}
	if m.source == fromCache && e.seats != nil {
		return errors.New("live seat map already loaded")
	}
	e.offline = m.source == fromCache

	if e.seats == nil {
		e.seats = seatmap.New(s)
	} else {
		e.seats.Replace(s)
	}
	e.awaiting = false

	// Keep overlays of in-flight intents that the new state still allows.
	for _, op := range e.pending {
		current, ok := e.seats.Authoritative(op.seat)
		if !ok || !stillApplies(op, current, e.cfg.Occupant.StudentID) {
			continue
		}
		version, _ := e.seats.SeatVersion(op.seat)
		delta := op.delta
		delta.FromVersion = version
		e.seats.Apply(delta, seatmap.Local)
	}
	e.logger.Debug("seat map replaced", zap.Uint64("version", s.Version), zap.Int("source", int(m.source)))
	return nil
}

func stillApplies(op *pendingOp, current model.Seat, me string) bool {
	if op.kind == selectIntent {
		return current.Status == model.SeatAvailable
	}
	return current.OccupiedBy(me)
}

func (e *Engine) fetchSnapshot() {
	ctx := e.ctx
	go func() {
		snapshot, err := e.reserver.FetchSeatMap(ctx, e.cfg.Session.ID)
		_ = e.post(ctx, snapshotFetched{snapshot: snapshot, err: err, source: fromHTTP})
	}()
}

func (e *Engine) abortPending(err error) {
	for seat, op := range e.pending {
		op.cancel()
		e.seats.Revert(seat)
		op.reply <- intentResult{err: err}
		delete(e.pending, seat)
	}
	e.retry = nil
}

func (e *Engine) view() View {
	v := View{
		Session: e.cfg.Session,
		Phase:   e.lifecycle.Phase(),
		Channel: e.channel,
		Online:  e.online,
		Notice:  e.notice,
		Lost:    e.lost,
		Offline: e.offline,

		CanRetry: e.retry != nil,
	}
	v.Session.Phase = v.Phase
	if e.seats == nil {
		return v
	}
	v.Loaded = true
	v.Synced = e.channel == realtime.Joined && !e.awaiting
	v.Classroom = e.seats.Classroom()
	v.Version = e.seats.Version()
	v.Seats = e.seats.Views()
	for _, seat := range v.Seats {
		if seat.OccupiedBy(e.cfg.Occupant.StudentID) {
			v.MySeat = seat.ID
			break
		}
	}
	for seat := range e.pending {
		v.Pending = append(v.Pending, seat)
	}
	sort.Slice(v.Pending, func(i, j int) bool { return v.Pending[i].Less(v.Pending[j]) })
	return v
}

func (e *Engine) publish() {
	v := e.view()
	e.latest.Store(&v)
	if e.seats != nil {
		snapshot := e.seats.Snapshot()
		e.snapshot.Store(&snapshot)
	}
	for ch := range e.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	for seat, op := range e.pending {
		op.cancel()
		op.reply <- intentResult{err: ErrStopped}
		delete(e.pending, seat)
	}
	for ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, ch)
	}
}
