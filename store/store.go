package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"seat-sync-cli/model"
)

const (
	appDir            = "seat-sync"
	snapshotCacheTTL  = 15 * time.Minute
	maxRecentSessions = 8
)

type cacheEnvelope[T any] struct {
	UpdatedAt time.Time `json:"updated_at"`
	Data      T         `json:"data"`
}

type RecentSession struct {
	SessionID   string `json:"session_id"`
	ClassroomID string `json:"classroom_id"`
	CourseID    string `json:"course_id"`
	CourseName  string `json:"course_name"`
	SessionDate string `json:"session_date"`
	TimeSlot    string `json:"time_slot"`
}

func (r RecentSession) Session() model.Session {
	return model.Session{
		ID:          r.SessionID,
		ClassroomID: r.ClassroomID,
		CourseID:    r.CourseID,
		CourseName:  r.CourseName,
		SessionDate: r.SessionDate,
		TimeSlot:    r.TimeSlot,
	}
}

type sessionHistory struct {
	Sessions []RecentSession `json:"sessions"`
}

type seatPreferences struct {
	ByClassroom map[string]model.SeatID `json:"by_classroom"`
}

// LoadSnapshotCache returns the last authoritative seat map saved for a
// session. ok is false when nothing was cached; fresh reports whether the
// entry is still within its TTL.
func LoadSnapshotCache(sessionID string) (snapshot model.SeatMapSnapshot, ok bool, fresh bool, err error) {
	path, err := snapshotPath(sessionID)
	if err != nil {
		return snapshot, false, false, err
	}
	cache, err := loadCache[model.SeatMapSnapshot](path)
	if err != nil {
		return snapshot, false, false, err
	}
	if cache.Data.SessionID == "" {
		return snapshot, false, false, nil
	}
	return cache.Data, true, time.Since(cache.UpdatedAt) <= snapshotCacheTTL, nil
}

func SaveSnapshotCache(snapshot model.SeatMapSnapshot) error {
	path, err := snapshotPath(snapshot.SessionID)
	if err != nil {
		return err
	}
	return saveCache(path, snapshot)
}

func LoadRecentSessions() ([]RecentSession, error) {
	path, err := configPath("history.json")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var history sessionHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errors.New("invalid session history format")
	}
	return history.Sessions, nil
}

// RememberSession moves session to the front of the history.
func RememberSession(session model.Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return errors.New("session id is required")
	}
	history, _ := LoadRecentSessions()
	next := []RecentSession{{
		SessionID:   session.ID,
		ClassroomID: session.ClassroomID,
		CourseID:    session.CourseID,
		CourseName:  session.CourseName,
		SessionDate: session.SessionDate,
		TimeSlot:    session.TimeSlot,
	}}

	for _, existing := range history {
		if existing.SessionID == session.ID {
			continue
		}
		next = append(next, existing)
		if len(next) >= maxRecentSessions {
			break
		}
	}

	path, err := configPath("history.json")
	if err != nil {
		return err
	}
	return writeJSON(path, sessionHistory{Sessions: next})
}

// LoadPreferredSeat returns the seat last taken in a classroom, if any.
func LoadPreferredSeat(classroomID string) (model.SeatID, bool, error) {
	if strings.TrimSpace(classroomID) == "" {
		return model.SeatID{}, false, nil
	}
	prefs, err := loadSeatPreferences()
	if err != nil {
		return model.SeatID{}, false, err
	}
	seat, ok := prefs.ByClassroom[classroomID]
	return seat, ok, nil
}

func SetPreferredSeat(classroomID string, seat model.SeatID) error {
	classroomID = strings.TrimSpace(classroomID)
	if classroomID == "" || seat.IsZero() {
		return errors.New("classroom id and seat are required")
	}
	prefs, err := loadSeatPreferences()
	if err != nil {
		return err
	}
	prefs.ByClassroom[classroomID] = seat

	path, err := configPath("seats.json")
	if err != nil {
		return err
	}
	return writeJSON(path, prefs)
}

func loadSeatPreferences() (seatPreferences, error) {
	path, err := configPath("seats.json")
	if err != nil {
		return seatPreferences{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seatPreferences{ByClassroom: map[string]model.SeatID{}}, nil
		}
		return seatPreferences{}, err
	}

	var prefs seatPreferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return seatPreferences{}, errors.New("invalid seat preferences format")
	}
	if prefs.ByClassroom == nil {
		prefs.ByClassroom = map[string]model.SeatID{}
	}
	return prefs, nil
}

func loadCache[T any](path string) (cacheEnvelope[T], error) {
	var cache cacheEnvelope[T]
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return cache, err
	}
	if err := json.Unmarshal(data, &cache); err != nil {
		return cache, err
	}
	return cache, nil
}

func saveCache[T any](path string, data T) error {
	return writeJSON(path, cacheEnvelope[T]{
		UpdatedAt: time.Now(),
		Data:      data,
	})
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func snapshotPath(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return cachePath(fmt.Sprintf("seatmap_%s.json", sessionID))
}

func configPath(name string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDir, name), nil
}

func cachePath(name string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDir, name), nil
}
