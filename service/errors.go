package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"seat-sync-cli/model"
)

// APIError is returned when the seat API responds with a non-2xx status.
// It unwraps to one of the model error kinds when the failure has one.
type APIError struct {
	StatusCode int
	Status     string
	Endpoint   string
	Body       string
	Code       string
	Message    string
	Kind       error
}

func (e *APIError) Error() string {
	if e == nil {
		return "seat api error"
	}
	detail := e.Body
	if e.Code != "" {
		detail = e.Code
		if e.Message != "" {
			detail += ": " + e.Message
		}
	}
	return fmt.Sprintf("seat api error: %s: %s", e.Status, detail)
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

// IsNotFound reports whether the error represents a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newAPIError(res *http.Response, endpoint string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Endpoint:   endpoint,
		Body:       strings.TrimSpace(string(body)),
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Error
		apiErr.Message = parsed.Message
	}
	apiErr.Kind = classify(apiErr.Code, res.StatusCode)
	return apiErr
}

func classify(code string, status int) error {
	switch strings.ToLower(code) {
	case "seat_taken":
		return model.ErrSeatTaken
	case "seat_unavailable":
		return model.ErrSeatUnavailable
	case "session_closed":
		return model.ErrSessionClosed
	case "not_owner":
		return model.ErrNotOwner
	case "seat_unknown":
		return model.ErrUnknownSeat
	}

	switch {
	case status == http.StatusConflict:
		return model.ErrSeatTaken
	case status == http.StatusForbidden:
		return model.ErrNotOwner
	case status == http.StatusGone || status == http.StatusLocked:
		return model.ErrSessionClosed
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return model.ErrNetwork
	}
	return nil
}
