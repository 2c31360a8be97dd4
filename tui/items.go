package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/list"

	"seat-sync-cli/store"
)

type sessionItem struct {
	session store.RecentSession
}

func (s sessionItem) Title() string {
	if s.session.CourseName != "" {
		return s.session.CourseName
	}
	return s.session.SessionID
}

func (s sessionItem) Description() string {
	parts := []string{}
	if s.session.SessionDate != "" {
		parts = append(parts, s.session.SessionDate)
	}
	if s.session.TimeSlot != "" {
		parts = append(parts, s.session.TimeSlot)
	}
	if s.session.ClassroomID != "" {
		parts = append(parts, "room "+s.session.ClassroomID)
	}
	if len(parts) == 0 {
		return "session " + s.session.SessionID
	}
	return strings.Join(parts, " • ")
}

func (s sessionItem) FilterValue() string {
	return strings.ToLower(s.session.CourseName + " " + s.session.SessionID + " " + s.session.SessionDate)
}

func buildSessionItems(sessions []store.RecentSession) []list.Item {
	items := make([]list.Item, 0, len(sessions))
	for _, session := range sessions {
		if session.SessionID == "" {
			continue
		}
		items = append(items, sessionItem{session: session})
	}
	return items
}
