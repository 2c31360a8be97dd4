// Package seatsync assembles everything one client needs to follow a session:
// the HTTP client, the session lifecycle, the realtime channel and the
// reconciliation engine.
package seatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"seat-sync-cli/auth"
	"seat-sync-cli/config"
	"seat-sync-cli/lifecycle"
	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
	"seat-sync-cli/reconcile"
	"seat-sync-cli/service"
	"seat-sync-cli/store"
)

var (
	ErrNoSession = errors.New("no session scheduled today")
	ErrClosed    = errors.New("runtime closed")
)

type Options struct {
	APIURL string
	// SocketURL defaults to APIURL with a ws scheme and /ws path.
	SocketURL string
	Token     string

	// SessionID wins over CourseID.
	SessionID string
	CourseID  string

	HTTPClient *http.Client
	Retries    int
	Backoff    realtime.Backoff

	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SnapshotTimeout time.Duration
	RequestTimeout  time.Duration

	// UseCache reads and writes the local session history and seat map cache.
	UseCache bool
	Logger   *zap.Logger
}

func FromConfig(cfg *config.Config) Options {
	return Options{
		APIURL:    cfg.API.BaseURL,
		SocketURL: cfg.Realtime.URL,
		Token:     cfg.API.Token,
		SessionID: cfg.SessionID,
		CourseID:  cfg.CourseID,
		HTTPClient: &http.Client{
			Timeout: cfg.API.Timeout,
		},
		Retries: cfg.API.Retries,
		Backoff: realtime.Backoff{
			Base:        cfg.Realtime.BackoffBase,
			Factor:      1.5,
			Cap:         cfg.Realtime.BackoffCap,
			MaxAttempts: cfg.Realtime.MaxAttempts,
		},
		PingInterval:    cfg.Realtime.PingInterval,
		ReadTimeout:     cfg.Realtime.ReadTimeout,
		WriteTimeout:    cfg.Realtime.WriteTimeout,
		SnapshotTimeout: cfg.Engine.SnapshotTimeout,
		RequestTimeout:  cfg.Engine.RequestTimeout,
		UseCache:        true,
	}
}

// Runtime is one running client for one session.
type Runtime struct {
	opts     Options
	logger   *zap.Logger
	identity model.Identity
	session  model.Session

	client  *service.Client
	lc      *lifecycle.Lifecycle
	engine  *reconcile.Engine
	channel *realtime.Channel

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	chanDone chan struct{}
	closed   bool
}

// Start resolves the session, loads its seat map and joins the realtime
// channel. When the API cannot be reached it shows the cached seat map, read
// only, and keeps trying to join.
func Start(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity, err := auth.FromToken(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	lc := lifecycle.New(model.PhasePending)
	client := service.NewClient(opts.APIURL, opts.HTTPClient,
		service.WithToken(opts.Token),
		service.WithGate(lc),
		service.WithLogger(logger),
		service.WithRetry(opts.Retries+1, 0, 0),
	)

	session, err := resolveSession(ctx, client, opts)
	if err != nil {
		return nil, err
	}

	snapshot, fetchErr := client.FetchSeatMap(ctx, session.ID)
	cached := false
	if fetchErr != nil {
		if !opts.UseCache || !model.Retryable(fetchErr) {
			return nil, fmt.Errorf("load seat map: %w", fetchErr)
		}
		saved, ok, _, err := store.LoadSnapshotCache(session.ID)
		if err != nil || !ok {
			return nil, fmt.Errorf("load seat map: %w", fetchErr)
		}
		logger.Warn("api unreachable, showing cached seat map", zap.String("session_id", session.ID), zap.Error(fetchErr))
		snapshot, cached = saved, true
	}
	if session.ClassroomID == "" {
		session.ClassroomID = snapshot.Classroom.ID
	}
	// A session opened by id has no known phase until the channel joins and
	// the server sends it. Until then it stays pending and writes fail fast.
	if session.Phase != "" {
		if _, err := lc.Transition(session.Phase); err != nil {
			return nil, err
		}
	}

	socketURL := opts.SocketURL
	if socketURL == "" {
		if socketURL, err = realtime.SocketURL(opts.APIURL); err != nil {
			return nil, err
		}
	}

	r := &Runtime{
		opts:     opts,
		logger:   logger.With(zap.String("session_id", session.ID)),
		identity: identity,
		session:  session,
		client:   client,
		lc:       lc,
	}

	var engine *reconcile.Engine
	r.channel = realtime.New(realtime.Options{
		URL:          socketURL,
		Token:        opts.Token,
		Join:         session.JoinPayload(),
		Identity:     identity,
		Backoff:      opts.Backoff,
		PingInterval: opts.PingInterval,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}, func(ev realtime.Event) { engine.Deliver(ev) }, r.logger)
	engine = reconcile.New(reconcile.Config{
		Session:         session,
		Occupant:        identity.Occupant(),
		SnapshotTimeout: opts.SnapshotTimeout,
		RequestTimeout:  opts.RequestTimeout,
	}, client, r.channel, lc, r.logger)
	r.engine = engine

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.group, r.ctx = errgroup.WithContext(r.ctx)
	r.group.Go(func() error {
		return engine.Run(r.ctx)
	})

	if cached {
		err = engine.SeedCached(ctx, snapshot)
	} else {
		err = engine.Seed(ctx, snapshot)
	}
	if err != nil {
		return nil, multierr.Append(err, r.Close())
	}

	if opts.UseCache && !cached {
		if err := store.RememberSession(session); err != nil {
			r.logger.Warn("could not save session history", zap.Error(err))
		}
	}

	r.startChannel()
	r.logger.Info("runtime started", zap.String("user_id", identity.UserID), zap.Bool("cached", cached))
	return r, nil
}

func resolveSession(ctx context.Context, client *service.Client, opts Options) (model.Session, error) {
	if opts.SessionID != "" {
		session := model.Session{ID: opts.SessionID}
		if opts.UseCache {
			recent, _ := store.LoadRecentSessions()
			for _, known := range recent {
				if known.SessionID == opts.SessionID {
					session = known.Session()
					break
				}
			}
		}
		return session, nil
	}
	if opts.CourseID == "" {
		return model.Session{}, errors.New("a session id or course id is required")
	}
	session, ok, err := client.TodaySession(ctx, opts.CourseID)
	if err != nil {
		return model.Session{}, fmt.Errorf("look up today's session: %w", err)
	}
	if !ok {
		return model.Session{}, fmt.Errorf("%w for course %s", ErrNoSession, opts.CourseID)
	}
	return session, nil
}

func (r *Runtime) startChannel() {
	done := make(chan struct{})
	r.mu.Lock()
	r.chanDone = done
	r.mu.Unlock()

	r.group.Go(func() error {
		defer close(done)
		err := r.channel.Run(r.ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, model.ErrChannelLost):
			// Surfaced to the engine as realtime.Lost; the engine keeps running.
			return nil
		}
		return err
	})
}

// Reconnect restarts the realtime channel after it gave up. It does nothing
// while the channel is still running.
func (r *Runtime) Reconnect() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	done := r.chanDone
	r.mu.Unlock()

	select {
	case <-done:
	default:
		return nil
	}
	r.logger.Info("reconnecting realtime channel")
	r.startChannel()
	return nil
}

// Await blocks until cond holds for the current view. It fails when the
// channel is lost first.
func (r *Runtime) Await(ctx context.Context, cond func(reconcile.View) bool) (reconcile.View, error) {
	views, stop := r.engine.Subscribe()
	defer stop()

	last := r.engine.Latest()
	for {
		if cond(last) {
			return last, nil
		}
		if last.Lost {
			return last, model.ErrChannelLost
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case v, ok := <-views:
			if !ok {
				return last, reconcile.ErrStopped
			}
			last = v
		}
	}
}

// Sync waits until the channel has joined and the server has sent the current
// phase and seat map.
func (r *Runtime) Sync(ctx context.Context) (reconcile.View, error) {
	return r.Await(ctx, func(v reconcile.View) bool { return v.Loaded && v.Synced })
}

// Select takes seat and remembers it as the preferred seat of the classroom.
func (r *Runtime) Select(ctx context.Context, seat model.SeatID) (model.SelectOutcome, error) {
	outcome, err := r.engine.Select(ctx, seat)
	if err == nil && r.opts.UseCache {
		if err := store.SetPreferredSeat(r.session.ClassroomID, seat); err != nil {
			r.logger.Debug("could not save preferred seat", zap.Error(err))
		}
	}
	return outcome, err
}

func (r *Runtime) Cancel(ctx context.Context, seat model.SeatID) (model.CancelOutcome, error) {
	return r.engine.Cancel(ctx, seat)
}

// Close stops the channel and the engine and saves the last live seat map.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var err error
	if r.opts.UseCache {
		if snapshot, ok := r.engine.Snapshot(); ok && !r.engine.Latest().Offline {
			err = multierr.Append(err, store.SaveSnapshotCache(snapshot))
		}
	}
	r.cancel()
	if werr := r.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = multierr.Append(err, werr)
	}
	return err
}

func (r *Runtime) Engine() *reconcile.Engine  { return r.engine }
func (r *Runtime) Client() *service.Client    { return r.client }
func (r *Runtime) Session() model.Session     { return r.session }
func (r *Runtime) Identity() model.Identity   { return r.identity }
func (r *Runtime) Channel() *realtime.Channel { return r.channel }
