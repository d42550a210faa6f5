package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// Mirror keeps one calendar event per visible task with a deadline.
type Mirror struct {
	srv        *gcal.Service
	calendarID string
	index      *EventIndex
	log        *slog.Logger
	now        func() time.Time
}

func NewMirror(srv *gcal.Service, calendarID string, idx *EventIndex, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	if idx == nil {
		idx = &EventIndex{Mappings: make(map[string]string)}
	}
	return &Mirror{srv: srv, calendarID: calendarID, index: idx, log: log, now: time.Now}
}

// ResolveCalendarID finds the id of the calendar whose summary is name.
func ResolveCalendarID(ctx context.Context, srv *gcal.Service, name string) (string, error) {
	list, err := srv.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to retrieve calendar list: %w", err)
	}
	for _, item := range list.Items {
		if item.Summary == name {
			return item.Id, nil
		}
	}
	return "", fmt.Errorf("calendar %q not found", name)
}

// Sync upserts events for tasks and deletes events of tasks that are gone,
// hidden or no longer have a deadline. It keeps going past individual
// failures and returns them joined.
func (m *Mirror) Sync(ctx context.Context, tasks []model.Task) error {
	now := m.now()
	want := make(map[string]bool, len(tasks))
	var errs []error

	for _, t := range tasks {
		if t.IsHidden || !t.HasDeadline() {
			continue
		}
		want[t.ID] = true
		if _, err := m.SyncEvent(ctx, t, now); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}

	for _, id := range m.index.TaskIDs() {
		if want[id] {
			continue
		}
		if err := m.deleteEvent(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
		}
	}

	if err := m.index.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save event index: %w", err))
	}
	return errors.Join(errs...)
}

// SyncEvent creates the event for t or patches the fields that changed.
func (m *Mirror) SyncEvent(ctx context.Context, t model.Task, now time.Time) (*gcal.Event, error) {
	target, err := EventFromTask(t, now)
	if err != nil {
		return nil, err
	}

	existing, err := m.find(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("error searching for event: %w", err)
	}

	if existing != nil {
		patch, err := EventNeedsUpdate(existing, target)
		if err != nil {
			return nil, fmt.Errorf("could not compare task with its calendar event: %w", err)
		}
		if patch == nil {
			m.index.Set(t.ID, existing.Id)
			return existing, nil
		}
		updated, err := m.srv.Events.Patch(m.calendarID, existing.Id, patch).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		m.index.Set(t.ID, updated.Id)
		m.log.Debug("calendar event patched", "task", t.ID, "event", updated.Id)
		return updated, nil
	}

	created, err := m.srv.Events.Insert(m.calendarID, target).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	m.index.Set(t.ID, created.Id)
	m.log.Debug("calendar event created", "task", t.ID, "event", created.Id)
	return created, nil
}

// find looks the event up through the index first and falls back to a
// search on the private task id property.
func (m *Mirror) find(ctx context.Context, taskID string) (*gcal.Event, error) {
	if eventID := m.index.Get(taskID); eventID != "" {
		ev, err := m.srv.Events.Get(m.calendarID, eventID).Context(ctx).Do()
		if err == nil && ev.Status != "cancelled" {
			return ev, nil
		}
		m.index.Remove(taskID)
	}
	events, err := m.srv.Events.List(m.calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", TaskIDProperty, taskID)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(events.Items) > 0 {
		return events.Items[0], nil
	}
	return nil, nil
}

func (m *Mirror) deleteEvent(ctx context.Context, taskID string) error {
	eventID := m.index.Get(taskID)
	err := m.srv.Events.Delete(m.calendarID, eventID).Context(ctx).Do()
	if err != nil && !isGone(err) {
		return err
	}
	m.index.Remove(taskID)
	m.log.Debug("calendar event deleted", "task", taskID, "event", eventID)
	return nil
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}
