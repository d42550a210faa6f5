package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/app"
	"github.com/harrisonrobin/taskboard/pkg/calendar"
	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/logging"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootFlags struct {
	credential string
	calendar   string
	logLevel   string
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "taskboard",
		Short:         "Task board client with live updates and deadline reminders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.credential, "credential", "", "identity-provider credential (default $TASKBOARD_CREDENTIAL)")
	rootCmd.PersistentFlags().StringVar(&flags.calendar, "calendar", "", "Google Calendar name to mirror into (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(watchCmd(flags))
	rootCmd.AddCommand(tasksCmd(flags))
	rootCmd.AddCommand(createCmd(flags))
	rootCmd.AddCommand(statusCmd(flags))
	rootCmd.AddCommand(visibilityCmd(flags, "hide", true))
	rootCmd.AddCommand(visibilityCmd(flags, "show", false))
	rootCmd.AddCommand(deleteCmd(flags))
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(calendarAuthCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Determine config (priority: flag > env > file > default).
func (f *rootFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if f.calendar != "" {
		cfg.Calendar = f.calendar
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	log := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "taskboard"})
	slog.SetDefault(log)
	return cfg, log, nil
}

func (f *rootFlags) credentialValue() string {
	if f.credential != "" {
		return f.credential
	}
	return os.Getenv("TASKBOARD_CREDENTIAL")
}

// session builds the app and logs in. The caller must Close the app.
func (f *rootFlags) session(ctx context.Context, opts app.Options) (*app.App, *config.Config, error) {
	cfg, log, err := f.load()
	if err != nil {
		return nil, nil, err
	}
	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}
	opts.Log = log
	opts.StateDir = dir
	a, err := app.New(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	if _, err := a.Login(ctx, f.credentialValue()); err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("login failed: %w", err)
	}
	return a, cfg, nil
}

func watchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected, apply live updates and send deadline reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			dir, err := config.Dir()
			if err != nil {
				return err
			}

			opts := app.Options{Log: log, StateDir: dir}
			if cfg.CalendarEnabled {
				mirror, err := app.NewCalendarMirror(ctx, cfg, dir, log)
				if err != nil {
					log.Warn("calendar mirror disabled", "error", err)
				} else {
					opts.Mirror = mirror
				}
			}

			a, err := app.New(cfg, opts)
			if err != nil {
				return err
			}
			credential := flags.credentialValue()
			if u, ok := a.Preview(credential); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Signing in as %s...\n", displayName(u))
			}
			user, err := a.Login(ctx, credential)
			if err != nil {
				a.Close()
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s>, %d tasks on the board\n", user.Name, user.Email, len(a.Engine.Tasks()))

			go printNotices(ctx, cmd, a.Feed)
			err = a.Run(ctx)

			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Logout(logoutCtx)
			return err
		},
	}
}

func displayName(u model.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// printNotices echoes new feed entries until ctx ends.
func printNotices(ctx context.Context, cmd *cobra.Command, feed *notify.Feed) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range feed.List() {
				if n.IsRead {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", n.Kind, n.Title, n.Message)
				feed.MarkRead(n.ID)
			}
		}
	}
}

func tasksCmd(flags *rootFlags) *cobra.Command {
	var asJSON, withHidden bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks on the board",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := flags.session(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			var tasks []model.Task
			for _, t := range a.Engine.Tasks() {
				if t.IsHidden && !withHidden {
					continue
				}
				tasks = append(tasks, t)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tDEADLINE\tASSIGNEE\tTITLE")
			for _, t := range tasks {
				due := "-"
				if t.HasDeadline() {
					due = t.Deadline.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, due, t.Assignee.Name, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	cmd.Flags().BoolVar(&withHidden, "all", false, "include hidden tasks")
	return cmd
}

func createCmd(flags *rootFlags) *cobra.Command {
	var (
		description, status, deadline string
		assignee, assigneeEmail       string
	)
	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			due, err := parseDeadline(deadline, time.Now())
			if err != nil {
				return err
			}
			a, _, err := flags.session(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			payload := model.CreateTaskPayload{
				Title:       args[0],
				Description: description,
				Status:      model.Status(status),
				Deadline:    due,
				Assignee:    model.Assignee{Name: assignee, Email: assigneeEmail},
			}
			if payload.Assignee.Name == "" {
				if snap := a.Store.Snapshot(); snap.User != nil {
					payload.Assignee = model.Assignee{ID: snap.User.ID, Name: snap.User.Name, Email: snap.User.Email}
				}
			}
			task, err := a.Engine.Create(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description")
	cmd.Flags().StringVarP(&status, "status", "s", string(model.StatusTodo), "todo, in-progress or done")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 time or a duration from now such as 2h")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee name (default: you)")
	cmd.Flags().StringVar(&assigneeEmail, "assignee-email", "", "assignee email")
	return cmd
}

// parseDeadline accepts an RFC3339 timestamp or a duration relative to now.
func parseDeadline(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q: want RFC3339 or a duration", s)
	}
	return now.Add(d), nil
}

func statusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id] [todo|in-progress|done]",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := model.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("invalid status %q", args[1])
			}
			a, _, err := flags.session(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Engine.SetStatus(cmd.Context(), args[0], status)
		},
	}
}

func visibilityCmd(flags *rootFlags, use string, hidden bool) *cobra.Command {
	short := "Hide a task from the board"
	if !hidden {
		short = "Show a hidden task again"
	}
	return &cobra.Command{
		Use:   use + " [task-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := flags.session(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Engine.SetHidden(cmd.Context(), args[0], hidden)
		},
	}
}

func deleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [task-id]",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := flags.session(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Engine.Remove(cmd.Context(), args[0])
		},
	}
}

func configCmd() *cobra.Command {
	var setCalendar, setAPI, setWS string
	var enableCalendar, disableCalendar bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the saved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			changed := false
			if setCalendar != "" {
				cfg.Calendar = setCalendar
				changed = true
			}
			if setAPI != "" {
				cfg.APIBaseURL = strings.TrimRight(setAPI, "/")
				changed = true
			}
			if setWS != "" {
				cfg.WSURL = setWS
				changed = true
			}
			if enableCalendar || disableCalendar {
				cfg.CalendarEnabled = enableCalendar
				changed = true
			}
			if changed {
				if err := config.SaveFile(path, cfg); err != nil {
					return fmt.Errorf("error saving config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	cmd.Flags().StringVar(&setCalendar, "set-calendar", "", "set the Google Calendar to mirror into")
	cmd.Flags().StringVar(&setAPI, "set-api", "", "set the API base URL")
	cmd.Flags().StringVar(&setWS, "set-ws", "", "set the push channel URL")
	cmd.Flags().BoolVar(&enableCalendar, "enable-calendar", false, "mirror deadlines into Google Calendar")
	cmd.Flags().BoolVar(&disableCalendar, "disable-calendar", false, "stop mirroring deadlines")
	cmd.MarkFlagsMutuallyExclusive("enable-calendar", "disable-calendar")
	return cmd
}

func calendarAuthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "calendar-auth",
		Short: "Authorize access to Google Calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, err := flags.load()
			if err != nil {
				return err
			}
			dir, err := config.Dir()
			if err != nil {
				return fmt.Errorf("could not find path to configuration file: %w", err)
			}
			tokenFile := filepath.Join(dir, calendar.TokenFile)
			if err := os.Remove(tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("could not delete token file %s, please delete it manually: %w", tokenFile, err)
			}
			if err := calendar.Authorize(cmd.Context(), dir, cmd.OutOrStdout(), log); err != nil {
				return fmt.Errorf("authentication failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Authentication successful! Token saved to %s\n", tokenFile)
			return nil
		},
	}
}
