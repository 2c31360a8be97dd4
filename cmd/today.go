package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"seat-sync-cli/service"
)

func newTodayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's session of a course",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.CourseID == "" {
				return errors.New("pass --course or set SEATSYNC_COURSE_ID")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			client := service.NewClient(a.cfg.API.BaseURL, &http.Client{Timeout: a.cfg.API.Timeout},
				service.WithToken(a.cfg.API.Token),
				service.WithLogger(a.logger),
				service.WithRetry(a.cfg.API.Retries+1, 0, 0),
			)
			session, ok, err := client.TodaySession(ctx, a.cfg.CourseID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "No session today for course %s\n", a.cfg.CourseID)
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Session", "Course", "Date", "Time", "Classroom", "Phase"})
			t.AppendRow(table.Row{session.ID, session.CourseName, session.SessionDate, session.TimeSlot, session.ClassroomID, session.Phase})
			t.Render()
			return nil
		},
	}
}
