package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"seat-sync-cli/model"
)

var ErrNotJoined = errors.New("realtime channel not joined")

const maxFrameSize = 1 << 20

type Options struct {
	URL      string
	Token    string
	Join     model.JoinPayload
	Identity model.Identity
	Backoff  Backoff

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Channel is one persistent socket for one session. It reconnects on drops and
// reports everything it hears to a single sink.
type Channel struct {
	opts   Options
	sink   func(Event)
	logger *zap.Logger
	dialer *websocket.Dialer

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex
}

func New(opts Options, sink func(Event), logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = func(Event) {}
	}
	opts = opts.withDefaults()
	return &Channel{
		opts:   opts,
		sink:   sink,
		logger: logger.With(zap.String("session_id", opts.Join.SessionID)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run keeps the channel connected until ctx is done or the reconnect budget is
// spent, in which case it returns an error wrapping model.ErrChannelLost.
// Run may be called again after it returns.
func (c *Channel) Run(ctx context.Context) error {
	failures := 0
	for {
		heard, err := c.connect(ctx, failures+1)
		if ctx.Err() != nil {
			c.setState(Disconnected, 0, nil)
			return ctx.Err()
		}
		if heard {
			failures = 0
		}
		failures++
		c.setState(Disconnected, failures, err)

		if c.opts.Backoff.Exhausted(failures) {
			lost := fmt.Errorf("%w after %d attempts: %v", model.ErrChannelLost, failures, err)
			c.logger.Warn("giving up on realtime channel", zap.Int("attempts", failures), zap.Error(err))
			c.sink(Lost{Err: lost})
			return lost
		}

		delay := c.opts.Backoff.Delay(failures)
		c.logger.Info("realtime channel dropped",
			zap.Int("attempt", failures),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(Disconnected, 0, nil)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Emit sends an advisory frame. It never waits for a connection.
func (c *Channel) Emit(event string, data any) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Joined {
		return ErrNotJoined
	}
	return c.write(conn, frame)
}

// connect runs one connection attempt. heard reports whether the server sent
// anything, which is what counts as a successful join.
func (c *Channel) connect(ctx context.Context, attempt int) (heard bool, err error) {
	c.setState(Connecting, attempt, nil)

	target, err := c.target()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return false, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	join, err := Encode(EventJoinClassroom, JoinMessage{
		JoinPayload: c.opts.Join,
		UserID:      c.opts.Identity.UserID,
		UserType:    c.opts.Identity.UserType,
	})
	if err != nil {
		return false, err
	}
	if err := c.write(conn, join); err != nil {
		return false, fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(Joined, attempt, nil)
	c.logger.Debug("joined classroom channel", zap.Int("attempt", attempt))
	return c.readLoop(ctx, conn)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) (bool, error) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	heard := false
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return heard, err
		}
		heard = true
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		ev, err := Decode(frame)
		if err != nil {
			c.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		if ev != nil {
			c.sink(ev)
		}
	}
}

// keepAlive pings until the read loop ends, and says goodbye when ctx is cancelled.
func (c *Channel) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) setState(state State, attempt int, err error) {
	c.mu.Lock()
	changed := c.state != state || state == Connecting
	c.state = state
	c.mu.Unlock()
	if changed {
		c.sink(StateChanged{State: state, Attempt: attempt, Err: err})
	}
}

func (c *Channel) target() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid socket url: %w", err)
	}
	query := u.Query()
	if c.opts.Join.SessionID != "" {
		query.Set("sessionId", c.opts.Join.SessionID)
	}
	if c.opts.Join.ClassroomID != "" {
		query.Set("classroomId", c.opts.Join.ClassroomID)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// SocketURL derives the websocket endpoint from an HTTP API base URL.
func SocketURL(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
