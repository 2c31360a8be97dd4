package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"seat-sync-cli/model"
)

const (
	defaultUserAgent   = "seat-sync-cli"
	defaultTimeout     = 12 * time.Second
	defaultMaxAttempts = 3
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryCap    = 1200 * time.Millisecond
)

// Gate decides whether seat writes may be attempted at all.
type Gate interface {
	Allow() error
}

// Client wraps HTTP access to the classroom seat API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	userAgent   string
	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
	gate        Gate
	logger      *zap.Logger
	snapshots   singleflight.Group
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")) }
}

func WithGate(gate Gate) Option {
	return func(c *Client) { c.gate = gate }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetry configures how GET requests are retried. Zero values keep the defaults.
func WithRetry(maxAttempts int, base, cap time.Duration) Option {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if base > 0 {
			c.retryBase = base
		}
		if cap > 0 {
			c.retryCap = cap
		}
	}
}

// NewClient creates a new API client. If httpClient is nil, a default client is used.
func NewClient(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	c := &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   defaultUserAgent,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		retryCap:    defaultRetryCap,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSeatMap fetches the authoritative seat map of a session.
// Concurrent calls for the same session share one request.
func (c *Client) FetchSeatMap(ctx context.Context, sessionID string) (model.SeatMapSnapshot, error) {
	if sessionID == "" {
		return model.SeatMapSnapshot{}, errors.New("session id is required")
	}
	endpoint := fmt.Sprintf("%s/sessions/%s/seat-map", c.baseURL, url.PathEscape(sessionID))

	// The shared request must not die with whichever caller started it.
	results := c.snapshots.DoChan(sessionID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
		defer cancel()
		var snapshot model.SeatMapSnapshot
		if err := c.getJSON(fetchCtx, endpoint, &snapshot); err != nil {
			return model.SeatMapSnapshot{}, err
		}
		return snapshot, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return model.SeatMapSnapshot{}, ctx.Err()
	case res = <-results:
	}
	if res.Err != nil {
		return model.SeatMapSnapshot{}, res.Err
	}
	snapshot := res.Val.(model.SeatMapSnapshot)
	if res.Shared {
		snapshot.Seats = append([]model.Seat(nil), snapshot.Seats...)
	}
	if snapshot.SessionID == "" {
		snapshot.SessionID = sessionID
	}
	return snapshot, nil
}

// TodaySession returns today's session for a course. ok is false when there is none.
func (c *Client) TodaySession(ctx context.Context, courseID string) (model.Session, bool, error) {
	if courseID == "" {
		return model.Session{}, false, errors.New("course id is required")
	}
	endpoint := fmt.Sprintf("%s/sessions/today/%s", c.baseURL, url.PathEscape(courseID))

	var session *model.Session
	if err := c.getJSON(ctx, endpoint, &session); err != nil {
		if IsNotFound(err) {
			return model.Session{}, false, nil
		}
		return model.Session{}, false, err
	}
	if session == nil || session.ID == "" {
		return model.Session{}, false, nil
	}
	return *session, true, nil
}

type selectRequest struct {
	SeatNumber model.SeatID `json:"seatNumber"`
	StudentID  string       `json:"studentId"`
	Name       string       `json:"name,omitempty"`
}

// RequestSelect asks the server to seat occupant. A successful response is a hint:
// the seat is only confirmed by the broadcast that follows it.
func (c *Client) RequestSelect(ctx context.Context, sessionID string, seat model.SeatID, occupant model.Occupant) (model.SelectOutcome, error) {
	if err := c.allow(); err != nil {
		return model.SelectOutcome{}, err
	}
	if sessionID == "" || occupant.StudentID == "" {
		return model.SelectOutcome{}, errors.New("session id and student id are required")
	}
	endpoint := fmt.Sprintf("%s/sessions/%s/select-seat", c.baseURL, url.PathEscape(sessionID))

	var outcome model.SelectOutcome
	body := selectRequest{SeatNumber: seat, StudentID: occupant.StudentID, Name: occupant.Name}
	if err := c.postJSON(ctx, endpoint, body, &outcome); err != nil {
		return model.SelectOutcome{}, err
	}
	if outcome.Seat.ID.IsZero() {
		outcome.Seat.ID = seat
	}
	return outcome, nil
}

// RequestCancel releases a seat held by occupant.
func (c *Client) RequestCancel(ctx context.Context, sessionID string, seat model.SeatID, occupant model.Occupant) (model.CancelOutcome, error) {
	if err := c.allow(); err != nil {
		return model.CancelOutcome{}, err
	}
	if sessionID == "" || occupant.StudentID == "" {
		return model.CancelOutcome{}, errors.New("session id and student id are required")
	}
	endpoint := fmt.Sprintf("%s/sessions/%s/cancel-seat", c.baseURL, url.PathEscape(sessionID))

	var outcome model.CancelOutcome
	body := selectRequest{SeatNumber: seat, StudentID: occupant.StudentID}
	if err := c.postJSON(ctx, endpoint, body, &outcome); err != nil {
		return model.CancelOutcome{}, err
	}
	if outcome.Seat.ID.IsZero() {
		outcome.Seat.ID = seat
	}
	return outcome, nil
}

func (c *Client) allow() error {
	if c.gate == nil {
		return nil
	}
	return c.gate.Allow()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	maxAttempts := c.maxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.do(ctx, http.MethodGet, endpoint, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.shouldRetry(err) || attempt == maxAttempts {
			break
		}
		c.logger.Debug("retrying request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if waitErr := c.waitRetry(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

// postJSON is attempted once. Retrying a write is left to the caller.
func (c *Client) postJSON(ctx context.Context, endpoint string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", model.ErrNetwork, method, endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 8<<10))
		return newAPIError(res, endpoint, snippet)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}

// fetchTimeout bounds a shared snapshot fetch across all of its attempts.
func (c *Client) fetchTimeout() time.Duration {
	perAttempt := c.httpClient.Timeout
	if perAttempt <= 0 {
		perAttempt = defaultTimeout
	}
	return time.Duration(c.maxAttempts) * (perAttempt + c.retryCap)
}

func (c *Client) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, model.ErrNetwork)
}

func (c *Client) waitRetry(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.retryDelay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.retryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	cap := c.retryCap
	if cap <= 0 {
		cap = defaultRetryCap
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= cap/2 {
			return cap
		}
		delay *= 2
	}
	if delay > cap {
		return cap
	}
	return delay
}
