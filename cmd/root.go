package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seat-sync-cli/config"
	"seat-sync-cli/seatsync"
	"seat-sync-cli/tui"
)

const appName = "seat-sync"

// app carries what every command needs once flags and environment are read.
type app struct {
	envFile  string
	apiURL   string
	token    string
	course   string
	session  string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
}

func (a *app) load(cmd *cobra.Command) error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.LoadFromEnv(files...)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("api") {
		cfg.API.BaseURL = a.apiURL
	}
	if flags.Changed("token") {
		cfg.API.Token = a.token
	}
	if flags.Changed("course") {
		cfg.CourseID = a.course
	}
	if flags.Changed("session") {
		cfg.SessionID = a.session
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) runtimeOptions() seatsync.Options {
	opts := seatsync.FromConfig(a.cfg)
	opts.Logger = a.logger
	return opts
}

func (a *app) start(ctx context.Context) (*seatsync.Runtime, error) {
	opts := a.runtimeOptions()
	if opts.SessionID == "" && opts.CourseID == "" {
		return nil, errors.New("pass --course or --session (or set SEATSYNC_COURSE_ID / SEATSYNC_SESSION_ID)")
	}
	return seatsync.Start(ctx, opts)
}

func newRootCmd(version, commit string) *cobra.Command {
	a := &app{}
	versionText := version
	if commit != "none" && commit != "" {
		versionText += " (" + commit + ")"
	}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Live classroom seat map",
		Long:          `Pick and release classroom seats from the terminal while every change from other students shows up live.`,
		Version:       versionText,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			model := tui.New(tui.Options{Runtime: a.runtimeOptions()})
			_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
			return err
		},
	}
	root.SetVersionTemplate(appName + " {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", "", "read settings from this .env file")
	flags.StringVar(&a.apiURL, "api", "", "seat API base url")
	flags.StringVar(&a.token, "token", "", "bearer token identifying the student")
	flags.StringVar(&a.course, "course", "", "follow today's session of this course")
	flags.StringVar(&a.session, "session", "", "follow this session id")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newSeatsCmd(a),
		newSelectCmd(a),
		newCancelCmd(a),
		newTodayCmd(a),
		newServeCmd(a),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version, commit string) int {
	if err := newRootCmd(version, commit).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
