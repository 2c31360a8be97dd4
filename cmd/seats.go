package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"seat-sync-cli/model"
	"seat-sync-cli/reconcile"
	"seat-sync-cli/seatmap"
)

const commandTimeout = 20 * time.Second

// confirmTimeout bounds the wait for the broadcast after a seat write.
var confirmTimeout = 5 * time.Second

func newSeatsCmd(a *app) *cobra.Command {
	var freeOnly bool
	cmd := &cobra.Command{
		Use:   "seats",
		Short: "Print the seat map of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			rt, err := a.start(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			v, err := rt.Engine().View(ctx)
			if err != nil {
				return err
			}
			renderSeatTable(cmd.OutOrStdout(), v, freeOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&freeOnly, "free", false, "only list free seats")
	return cmd
}

func renderSeatTable(out io.Writer, v reconcile.View, freeOnly bool) {
	byRow := map[string][]seatmap.SeatView{}
	for _, seat := range v.Seats {
		if freeOnly && seat.Status != model.SeatAvailable {
			continue
		}
		label := model.RowLabel(seat.ID.Row)
		byRow[label] = append(byRow[label], seat)
	}
	rows := maps.Keys(byRow)
	sort.Slice(rows, func(i, j int) bool {
		if len(rows[i]) != len(rows[j]) {
			return len(rows[i]) < len(rows[j])
		}
		return rows[i] < rows[j]
	})

	rowConfigAutoMerge := table.RowConfig{AutoMerge: true}
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Row", "Seat", "Status", "Student", "Since"}, rowConfigAutoMerge)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 4, WidthMax: 24},
	})
	t.Style().Options.SeparateRows = false

	for _, row := range rows {
		var items []table.Row
		for _, seat := range byRow[row] {
			items = append(items, table.Row{row, seat.ID.String(), seatStatusText(v, seat), occupantText(seat), sinceText(seat)})
		}
		t.AppendRows(items, rowConfigAutoMerge)
		t.AppendSeparator()
	}

	title := v.Classroom.Name
	if title == "" {
		title = v.Classroom.ID
	}
	t.SetTitle(fmt.Sprintf("%s • version %d • %s", title, v.Version, v.Phase))
	t.Render()
}

func seatStatusText(v reconcile.View, seat seatmap.SeatView) string {
	status := string(seat.Status)
	if v.HasSeat() && v.MySeat == seat.ID {
		status = "yours"
	}
	if category := v.Classroom.CategoryOf(seat.ID); category != "" {
		status += " (" + category + ")"
	}
	if seat.AttendanceConfirmed {
		status += " ✓"
	}
	return status
}

func occupantText(seat seatmap.SeatView) string {
	if seat.OccupantName != "" {
		return seat.OccupantName
	}
	return seat.OccupantID
}

func sinceText(seat seatmap.SeatView) string {
	if seat.SelectedAt == nil {
		return ""
	}
	return seat.SelectedAt.Local().Format(time.TimeOnly)
}
