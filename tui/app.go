package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"seat-sync-cli/model"
	"seat-sync-cli/realtime"
	"seat-sync-cli/reconcile"
	"seat-sync-cli/seatsync"
	"seat-sync-cli/store"
)

const actionTimeout = 20 * time.Second

type appState int

const (
	stateLoadingSessions appState = iota
	stateSelectSession
	stateConnecting
	stateShowSeatMap
	stateError
)

// Starter opens a runtime for one session.
type Starter func(ctx context.Context, opts seatsync.Options) (*seatsync.Runtime, error)

type Options struct {
	Runtime seatsync.Options
	Start   Starter
}

type appModel struct {
	opts Options

	state     appState
	lastState appState
	err       error

	width  int
	height int

	sessionList list.Model
	spinner     spinner.Model

	runtime     *seatsync.Runtime
	views       <-chan reconcile.View
	unsubscribe func()

	view       reconcile.View
	cursor     model.SeatID
	showLabels bool
	status     string
	statusErr  bool

	// confirming is the seat write whose broadcast has not arrived yet.
	confirming *actionMsg
}

type errMsg struct {
	err error
}

type recentMsg struct {
	sessions []store.RecentSession
	err      error
}

type runtimeMsg struct {
	runtime *seatsync.Runtime
	err     error
}

type viewMsg struct {
	view reconcile.View
	ok   bool
}

type actionMsg struct {
	action string
	seat   model.SeatID
	err    error
}

func New(opts Options) tea.Model {
	if opts.Start == nil {
		opts.Start = seatsync.Start
	}
	m := appModel{
		opts:   opts,
		state:  stateLoadingSessions,
		cursor: model.SeatID{Row: 1, Column: 1},
	}
	m.sessionList = newList("Select Session")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	m.spinner = sp

	return m
}

func (m appModel) Init() tea.Cmd {
	if m.opts.Runtime.SessionID != "" || m.opts.Runtime.CourseID != "" {
		return tea.Batch(m.startRuntimeCmd(m.opts.Runtime), m.spinner.Tick)
	}
	return tea.Batch(loadRecentCmd(), m.spinner.Tick)
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLists()
		return m, nil

	case tea.KeyMsg:
		if m.handleFilterInput(msg) {
			return m, nil
		}
		m, cmd, handled := m.handleKey(msg)
		if handled {
			return m, cmd
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.isLoadingState() {
			return m, cmd
		}
		return m, nil

	case errMsg:
		m.err = msg.err
		m.lastState = recoverStateFrom(m.state)
		m.state = stateError
		return m, nil

	case recentMsg:
		if msg.err != nil {
			return m, errCmd(msg.err)
		}
		if len(msg.sessions) == 0 {
			m.state = stateSelectSession
			return m, errCmd(errors.New("no recent sessions; run with --course or --session"))
		}
		m.sessionList.SetItems(buildSessionItems(msg.sessions))
		m.sessionList.Select(0)
		m.state = stateSelectSession
		return m, nil

	case runtimeMsg:
		if msg.err != nil {
			m.state = stateSelectSession
			return m, errCmd(msg.err)
		}
		m.runtime = msg.runtime
		m.views, m.unsubscribe = msg.runtime.Engine().Subscribe()
		m.view = msg.runtime.Engine().Latest()
		m.cursor = startingSeat(msg.runtime.Session().ClassroomID)
		m.status = ""
		m.state = stateShowSeatMap
		return m, waitViewCmd(m.views)

	case viewMsg:
		if !msg.ok {
			return m, nil
		}
		m.view = msg.view
		m.clampCursor()
		m.settleStatus()
		return m, waitViewCmd(m.views)

	case actionMsg:
		if msg.err != nil {
			m.status = describeErr(msg.err)
			if !msg.seat.IsZero() {
				m.status = msg.seat.String() + ": " + m.status
			}
			m.statusErr = true
			return m, nil
		}
		m.statusErr = false
		switch msg.action {
		case "select", "cancel":
			m.status = fmt.Sprintf("Seat %s requested, waiting for the server", msg.seat)
			m.confirming = &msg
			m.settleStatus()
		case "retry":
			m.status = "Retried"
		case "resync":
			m.status = "Seat map reloaded"
		case "reconnect":
			m.status = "Reconnecting"
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.state == stateSelectSession {
		m.sessionList, cmd = m.sessionList.Update(msg)
	}
	return m, cmd
}

func (m appModel) View() string {
	header := m.headerView()
	switch m.state {
	case stateLoadingSessions, stateConnecting:
		return header + "\n\n" + m.loadingView()
	case stateSelectSession:
		return header + "\n\n" + m.sessionList.View()
	case stateShowSeatMap:
		return header + "\n\n" + m.renderSeatMap() + m.statusView()
	case stateError:
		return header + "\n\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render(m.err.Error()) + "\n\n" + hint("Press esc to go back or ctrl+c to quit.")
	default:
		return header
	}
}

func (m appModel) headerView() string {
	title := lipgloss.NewStyle().Bold(true).Render("Seat Sync")
	var sub []string
	if m.state == stateShowSeatMap {
		session := m.view.Session
		if session.CourseName != "" {
			sub = append(sub, session.CourseName)
		}
		if session.SessionDate != "" {
			sub = append(sub, strings.TrimSpace(session.SessionDate+" "+session.TimeSlot))
		}
		if m.view.Classroom.Name != "" {
			sub = append(sub, m.view.Classroom.Name)
		}
		sub = append(sub, "Phase: "+phaseLabel(m.view.Phase))
		sub = append(sub, channelLabel(m.view))
		if m.view.Online > 0 {
			sub = append(sub, fmt.Sprintf("Online: %d", m.view.Online))
		}
		if m.view.HasSeat() {
			sub = append(sub, "My seat: "+m.view.MySeat.String())
		}
	}
	meta := strings.Join(sub, " • ")
	if meta != "" {
		meta = "\n" + lipgloss.NewStyle().Faint(true).Render(meta)
	}

	hints := "ctrl+c quit • type to filter • enter open session"
	switch m.state {
	case stateShowSeatMap:
		hints = "ctrl+c quit • esc back • arrows move • enter take seat • x release • r retry • s reload • c reconnect • n labels"
	case stateError:
		hints = "ctrl+c quit • esc back"
	case stateLoadingSessions, stateConnecting:
		hints = "ctrl+c quit"
	}
	filterLine := ""
	if listPtr := m.activeList(); listPtr != nil {
		if filter := listPtr.FilterValue(); filter != "" {
			filterLine = "\n" + hint(fmt.Sprintf("Filter: %s", filter))
		}
	}
	return title + meta + filterLine + "\n" + hint(hints)
}

func (m appModel) statusView() string {
	var lines []string
	if m.status != "" {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
		if m.statusErr {
			style = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
		}
		lines = append(lines, style.Render(m.status))
	}
	if n := m.view.Notice; n != nil && n.Err != nil && !m.statusErr {
		text := describeErr(n.Err)
		if !n.Seat.IsZero() {
			text = n.Seat.String() + ": " + text
		}
		lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render(text))
	}
	if m.view.CanRetry {
		lines = append(lines, hint("Last request failed on the network. Press r to retry."))
	}
	if m.view.Lost {
		lines = append(lines, hint("Live updates stopped. Press c to reconnect."))
	}
	if m.view.Offline {
		lines = append(lines, hint("Showing a cached seat map. Changes are disabled until the server is reachable."))
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(lines, "\n")
}

func (m appModel) handleKey(msg tea.KeyMsg) (appModel, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.closeRuntime()
		return m, tea.Quit, true
	case "esc":
		if listPtr := m.activeList(); listPtr != nil {
			if listPtr.SettingFilter() || listPtr.IsFiltered() {
				listPtr.ResetFilter()
				return m, nil, true
			}
		}
		next, cmd := m.goBack()
		return next, cmd, true
	}

	if m.state == stateSelectSession && msg.Type == tea.KeyEnter {
		item, ok := m.sessionList.SelectedItem().(sessionItem)
		if !ok {
			return m, nil, true
		}
		opts := m.opts.Runtime
		opts.SessionID = item.session.SessionID
		opts.CourseID = item.session.CourseID
		m.state = stateConnecting
		return m, tea.Batch(m.startRuntimeCmd(opts), m.spinner.Tick), true
	}

	if m.state != stateShowSeatMap {
		return m, nil, false
	}
	switch msg.String() {
	case "up", "k":
		m.moveCursor(-1, 0)
	case "down", "j":
		m.moveCursor(1, 0)
	case "left", "h":
		m.moveCursor(0, -1)
	case "right", "l":
		m.moveCursor(0, 1)
	case "enter", " ":
		return m, m.selectCmd(m.cursor), true
	case "x", "delete", "backspace":
		return m, m.cancelCmd(m.cursor), true
	case "r":
		return m, m.retryCmd(), true
	case "s":
		return m, m.resyncCmd(), true
	case "c":
		return m, m.reconnectCmd(), true
	case "n":
		m.showLabels = !m.showLabels
	default:
		return m, nil, false
	}
	return m, nil, true
}

func (m appModel) goBack() (appModel, tea.Cmd) {
	switch m.state {
	case stateShowSeatMap:
		m.closeRuntime()
		m.view = reconcile.View{}
		m.status = ""
		m.state = stateLoadingSessions
		return m, tea.Batch(loadRecentCmd(), m.spinner.Tick)
	case stateError:
		m.state = m.lastState
		return m, nil
	}
	return m, nil
}

func (m *appModel) closeRuntime() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.views = nil
	if m.runtime != nil {
		_ = m.runtime.Close()
		m.runtime = nil
	}
}

// settleStatus reports a seat write once the broadcast shows it.
func (m *appModel) settleStatus() {
	if m.confirming == nil {
		return
	}
	seat, ok := m.view.Seat(m.confirming.seat)
	if !ok || seat.Speculative || m.view.IsPending(seat.ID) {
		return
	}
	mine := m.view.HasSeat() && m.view.MySeat == seat.ID
	switch {
	case m.confirming.action == "select" && mine:
		m.status = fmt.Sprintf("Seat %s is yours", seat.ID)
	case m.confirming.action == "cancel" && !mine:
		m.status = fmt.Sprintf("Seat %s released", seat.ID)
	default:
		m.status = fmt.Sprintf("Seat %s changed before your request settled", seat.ID)
		m.statusErr = true
	}
	m.confirming = nil
}

func (m *appModel) moveCursor(dRow, dCol int) {
	next := model.SeatID{Row: m.cursor.Row + dRow, Column: m.cursor.Column + dCol}
	if m.view.Classroom.Contains(next) {
		m.cursor = next
	}
}

func (m *appModel) clampCursor() {
	c := m.view.Classroom
	if c.Capacity() == 0 || c.Contains(m.cursor) {
		return
	}
	m.cursor.Row = min(max(m.cursor.Row, 1), c.Rows)
	m.cursor.Column = min(max(m.cursor.Column, 1), c.SeatsPerRow)
}

func startingSeat(classroomID string) model.SeatID {
	if seat, ok, err := store.LoadPreferredSeat(classroomID); err == nil && ok {
		return seat
	}
	return model.SeatID{Row: 1, Column: 1}
}

func (m *appModel) handleFilterInput(msg tea.KeyMsg) bool {
	listPtr := m.activeList()
	if listPtr == nil {
		return false
	}
	if !listPtr.FilteringEnabled() {
		return false
	}
	switch msg.Type {
	case tea.KeyRunes:
		if len(msg.Runes) == 0 || (len(msg.Runes) == 1 && msg.Runes[0] == 'q' && listPtr.FilterValue() == "") {
			return false
		}
		m.appendFilter(listPtr, string(msg.Runes))
		return true
	case tea.KeySpace:
		m.appendFilter(listPtr, " ")
		return true
	case tea.KeyBackspace, tea.KeyDelete:
		if listPtr.FilterValue() == "" {
			return false
		}
		m.popFilter(listPtr)
		return true
	default:
		return false
	}
}

func (m *appModel) appendFilter(listPtr *list.Model, value string) {
	if value == "" {
		return
	}
	listPtr.SetFilterText(listPtr.FilterValue() + value)
}

func (m *appModel) popFilter(listPtr *list.Model) {
	value := trimLastRune(listPtr.FilterValue())
	if value == "" {
		listPtr.ResetFilter()
		return
	}
	listPtr.SetFilterText(value)
}

func trimLastRune(value string) string {
	runes := []rune(value)
	if len(runes) <= 1 {
		return ""
	}
	return string(runes[:len(runes)-1])
}

func (m *appModel) activeList() *list.Model {
	if m.state == stateSelectSession {
		return &m.sessionList
	}
	return nil
}

func (m appModel) isLoadingState() bool {
	return m.state == stateLoadingSessions || m.state == stateConnecting
}

func (m appModel) loadingView() string {
	title := "Loading recent sessions"
	if m.state == stateConnecting {
		title = "Joining classroom"
	}
	return fmt.Sprintf("%s %s\n\n%s", m.spinner.View(), title, hint("Fetching seat map..."))
}

func (m *appModel) resizeLists() {
	if m.width == 0 || m.height == 0 {
		return
	}
	h := m.height - 6
	if h < 6 {
		h = 6
	}
	m.sessionList.SetSize(m.width, h)
}

func newList(title string) list.Model {
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	l := list.New([]list.Item{}, delegate, 0, 0)
	l.Title = title
	l.Filter = caseInsensitiveFilter
	l.SetFilteringEnabled(true)
	l.SetShowFilter(true)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	return l
}

func hint(text string) string {
	return lipgloss.NewStyle().Faint(true).Render(text)
}

func errCmd(err error) tea.Cmd {
	return func() tea.Msg {
		return errMsg{err: err}
	}
}

func recoverStateFrom(state appState) appState {
	switch state {
	case stateLoadingSessions, stateConnecting, stateError:
		return stateSelectSession
	default:
		return state
	}
}

func caseInsensitiveFilter(term string, targets []string) []list.Rank {
	term = strings.ToLower(term)
	lower := make([]string, len(targets))
	for i, t := range targets {
		lower[i] = strings.ToLower(t)
	}
	return list.DefaultFilter(term, lower)
}

func loadRecentCmd() tea.Cmd {
	return func() tea.Msg {
		sessions, err := store.LoadRecentSessions()
		return recentMsg{sessions: sessions, err: err}
	}
}

func (m appModel) startRuntimeCmd(opts seatsync.Options) tea.Cmd {
	start := m.opts.Start
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		rt, err := start(ctx, opts)
		return runtimeMsg{runtime: rt, err: err}
	}
}

func waitViewCmd(views <-chan reconcile.View) tea.Cmd {
	if views == nil {
		return nil
	}
	return func() tea.Msg {
		v, ok := <-views
		return viewMsg{view: v, ok: ok}
	}
}

func (m appModel) selectCmd(seat model.SeatID) tea.Cmd {
	rt := m.runtime
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := rt.Select(ctx, seat)
		return actionMsg{action: "select", seat: seat, err: err}
	}
}

func (m appModel) cancelCmd(seat model.SeatID) tea.Cmd {
	rt := m.runtime
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := rt.Cancel(ctx, seat)
		return actionMsg{action: "cancel", seat: seat, err: err}
	}
}

func (m appModel) retryCmd() tea.Cmd {
	rt := m.runtime
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{action: "retry", err: rt.Engine().Retry(ctx)}
	}
}

func (m appModel) resyncCmd() tea.Cmd {
	rt := m.runtime
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{action: "resync", err: rt.Engine().Resync(ctx)}
	}
}

func (m appModel) reconnectCmd() tea.Cmd {
	rt := m.runtime
	if rt == nil {
		return nil
	}
	return func() tea.Msg {
		return actionMsg{action: "reconnect", err: rt.Reconnect()}
	}
}

// describeErr turns engine and API errors into a line for the status bar.
func describeErr(err error) string {
	switch {
	case errors.Is(err, model.ErrSeatTaken):
		return "someone else took this seat first"
	case errors.Is(err, model.ErrSeatUnavailable):
		return "this seat cannot be taken"
	case errors.Is(err, model.ErrNotOwner):
		return "this seat is not yours"
	case errors.Is(err, model.ErrSessionClosed):
		return "the session is not open for seat changes"
	case errors.Is(err, model.ErrRequestPending):
		return "a request for this seat is still running"
	case errors.Is(err, model.ErrUnknownSeat):
		return "no such seat in this classroom"
	case errors.Is(err, model.ErrChannelLost):
		return "live updates lost; press c to reconnect"
	case errors.Is(err, reconcile.ErrOffline):
		return "showing a cached seat map"
	case errors.Is(err, reconcile.ErrNothingToRetry):
		return "nothing to retry"
	case errors.Is(err, model.ErrNetwork):
		return "network error; press r to retry"
	default:
		return err.Error()
	}
}

func phaseLabel(phase model.Phase) string {
	switch phase {
	case model.PhasePending:
		return "not started"
	case model.PhaseActive:
		return "open"
	case model.PhaseEnded:
		return "ended"
	case model.PhaseCancelled:
		return "cancelled"
	default:
		return string(phase)
	}
}

func channelLabel(v reconcile.View) string {
	switch {
	case v.Offline:
		return "Offline (cached)"
	case v.Lost:
		return "Live: lost"
	case v.Channel == realtime.Joined:
		return "Live"
	case v.Channel == realtime.Connecting:
		return "Live: connecting"
	default:
		return "Live: disconnected"
	}
}
