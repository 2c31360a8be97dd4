package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seat-sync-cli/auth"
	"seat-sync-cli/devserver"
	"seat-sync-cli/model"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	var demoStudents []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local seat server with a demo session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Serve.Addr
			}
			secret := []byte(a.cfg.Serve.Secret)
			if len(secret) == 0 {
				secret = []byte("seat-sync-dev")
			}

			srv := devserver.New(devserver.Options{
				Secret:       secret,
				PingInterval: a.cfg.Realtime.PingInterval,
				Logger:       a.logger,
			})
			srv.AddDemo()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Serving on %s\nSession %s (course %s)\n", addr, devserver.DemoSessionID, devserver.DemoCourseID)
			for _, id := range demoStudents {
				token, err := auth.Mint(secret, model.Identity{UserID: id, UserType: "student", Name: id}, 12*time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %s: %s\n", id, token)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down seat server")
			srv.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("shutdown", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringSliceVar(&demoStudents, "student", []string{"student-1", "student-2"}, "print a token for each of these student ids")
	return cmd
}
