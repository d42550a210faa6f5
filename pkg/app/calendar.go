package app

import (
	"context"
	"log/slog"

	"github.com/harrisonrobin/taskboard/pkg/calendar"
	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/logging"
)

// NewCalendarMirror connects to the configured Google calendar using the
// token saved by calendar-auth.
func NewCalendarMirror(ctx context.Context, cfg *config.Config, dir string, log *slog.Logger) (*calendar.Mirror, error) {
	log = logging.Component(log, "calendar")
	srv, err := calendar.NewService(ctx, dir, log)
	if err != nil {
		return nil, err
	}
	calendarID, err := calendar.ResolveCalendarID(ctx, srv, cfg.Calendar)
	if err != nil {
		return nil, err
	}
	idx, err := calendar.OpenEventIndex(dir)
	if err != nil {
		return nil, err
	}
	log.Info("calendar mirror enabled", "calendar", cfg.Calendar)
	return calendar.NewMirror(srv, calendarID, idx, log), nil
}
