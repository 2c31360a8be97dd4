package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/exp/maps"

	"seat-sync-cli/model"
	"seat-sync-cli/seatmap"
)

type seatCell struct {
	token       string
	status      string
	label       string
	mine        bool
	speculative bool
	cursor      bool
}

var (
	seatStyleAvailable   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	seatStyleOccupied    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	seatStyleMine        = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	seatStyleBlocked     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	seatStyleCategory    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	seatStyleSpeculative = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Italic(true)
	seatStyleCursor      = lipgloss.NewStyle().Reverse(true)
)

func (m appModel) renderSeatMap() string {
	classroom := m.view.Classroom
	if !m.view.Loaded || classroom.Capacity() == 0 {
		return "No seat map data."
	}

	byID := make(map[model.SeatID]seatmap.SeatView, len(m.view.Seats))
	for _, seat := range m.view.Seats {
		byID[seat.ID] = seat
	}

	counts := map[string]int{}
	categories := map[string]int{}
	free := map[int][]int{}
	cellWidth := 2
	if m.showLabels {
		cellWidth = len(model.SeatID{Row: classroom.Rows, Column: classroom.SeatsPerRow}.String())
	}
	rowWidth := len(model.RowLabel(classroom.Rows))

	var b strings.Builder
	gridWidth := classroom.SeatsPerRow*(cellWidth+1) - 1
	for col := 1; col < classroom.SeatsPerRow; col++ {
		if classroom.IsAisleAfter(col) {
			gridWidth += 2
		}
	}
	board := screenBarBlock(gridWidth, "BOARD")
	boardStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214"))
	boardBorderStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Background(lipgloss.Color("236"))
	indent := strings.Repeat(" ", rowWidth+1)
	b.WriteString(indent + boardBorderStyle.Render(board.top) + "\n")
	b.WriteString(indent + boardStyle.Render(board.mid) + "\n")
	b.WriteString(indent + boardBorderStyle.Render(board.bot) + "\n\n")

	for row := 1; row <= classroom.Rows; row++ {
		label := model.RowLabel(row)
		b.WriteString(fmt.Sprintf("%*s ", rowWidth, label))
		for col := 1; col <= classroom.SeatsPerRow; col++ {
			id := model.SeatID{Row: row, Column: col}
			seat, ok := byID[id]
			if !ok {
				seat = seatmap.SeatView{Seat: classroom.DefaultSeat(id)}
			}
			cell := m.seatCell(seat, classroom.CategoryOf(id) != "")
			counts[cell.status]++
			if cell.status == "available" {
				free[row] = append(free[row], col)
				if category := classroom.CategoryOf(id); category != "" {
					categories[category]++
				}
			}

			text := cell.token
			if m.showLabels {
				text = cell.label
			}
			b.WriteString(styleCell(cell, padCell(text, cellWidth)))
			if col < classroom.SeatsPerRow {
				b.WriteString(" ")
				if classroom.IsAisleAfter(col) {
					b.WriteString("  ")
				}
			}
		}
		b.WriteString(fmt.Sprintf(" %*s\n", rowWidth, label))
	}
	b.WriteString("\n")

	total := classroom.Capacity()
	legend := "Legend: [] free • XX taken • @@ yours • ?? waiting for server • ** reserved category • ## unavailable"
	if m.showLabels {
		legend = "Legend: color shows status • labels are seat numbers"
	}
	percent := float64(counts["available"]) / float64(max(1, total)) * 100
	summary := fmt.Sprintf("Free: %d • Pairs: %d • Taken: %d • Unavailable: %d • Total: %d • %.0f%% free • v%d",
		counts["available"], countAdjacentPairsFromCols(free), counts["occupied"], counts["blocked"], total, percent, m.view.Version)
	if len(categories) > 0 {
		names := maps.Keys(categories)
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s %d", name, categories[name]))
		}
		summary += " • Free by category: " + strings.Join(parts, ", ")
	}
	return b.String() + hint(legend) + "\n" + hint(summary)
}

func (m appModel) seatCell(seat seatmap.SeatView, categorized bool) seatCell {
	cell := seatCell{
		label:       seat.ID.String(),
		speculative: seat.Speculative || m.view.IsPending(seat.ID),
		cursor:      seat.ID == m.cursor,
	}
	switch seat.Status {
	case model.SeatOccupied:
		cell.status = "occupied"
		cell.token = "XX"
		if m.view.HasSeat() && m.view.MySeat == seat.ID {
			cell.mine = true
			cell.token = "@@"
		}
	case model.SeatAvailable:
		cell.status = "available"
		cell.token = "[]"
		if categorized {
			cell.token = "**"
		}
	default:
		cell.status = "blocked"
		cell.token = "##"
	}
	if cell.speculative {
		cell.token = "??"
	}
	return cell
}

func styleCell(cell seatCell, text string) string {
	var style lipgloss.Style
	switch {
	case cell.speculative:
		style = seatStyleSpeculative
	case cell.mine:
		style = seatStyleMine
	case cell.token == "**":
		style = seatStyleCategory
	case cell.status == "available":
		style = seatStyleAvailable
	case cell.status == "occupied":
		style = seatStyleOccupied
	default:
		style = seatStyleBlocked
	}
	if cell.cursor {
		style = style.Inherit(seatStyleCursor)
	}
	return style.Render(text)
}

// countAdjacentPairsFromCols counts disjoint pairs of neighbouring free seats per row.
func countAdjacentPairsFromCols(cols map[int][]int) int {
	count := 0
	for _, list := range cols {
		if len(list) == 0 {
			continue
		}
		sort.Ints(list)
		for i := 0; i < len(list)-1; {
			if list[i]+1 == list[i+1] {
				count++
				i += 2
				continue
			}
			i++
		}
	}
	return count
}

func padCell(text string, width int) string {
	if width <= 0 {
		return ""
	}
	if text == "" {
		return strings.Repeat(" ", width)
	}
	if len(text) >= width {
		return text[:width]
	}
	padding := width - len(text)
	left := padding / 2
	right := padding - left
	return strings.Repeat(" ", left) + text + strings.Repeat(" ", right)
}

type screenBlock struct {
	top string
	mid string
	bot string
}

func screenBarBlock(width int, label string) screenBlock {
	if width < len(label)+4 {
		width = len(label) + 4
	}
	if width < 10 {
		width = 10
	}

	border := "╭" + strings.Repeat("─", width-2) + "╮"
	bottom := "╰" + strings.Repeat("─", width-2) + "╯"

	labelText := " " + label + " "
	padding := width - len(labelText) - 2
	left := padding / 2
	right := padding - left
	mid := "│" + strings.Repeat(" ", left) + labelText + strings.Repeat(" ", right) + "│"
	return screenBlock{top: border, mid: mid, bot: bottom}
}
