package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	gcal "google.golang.org/api/calendar/v3"
)

// TaskIDProperty is the private extended property that ties an event to its task.
const TaskIDProperty = "taskboard_id"

const slot = 30 * time.Minute

// Google Calendar event color ids.
const (
	colorBlueberry = "9"
	colorBanana    = "5"
	colorBasil     = "10"
	colorTomato    = "11"
)

var errNoDeadline = errors.New("task has no deadline")

// summaryPrefix marks done, in-progress and overdue tasks in the event title.
func summaryPrefix(t model.Task, now time.Time) string {
	switch {
	case t.Status == model.StatusDone:
		return "✓"
	case t.Status == model.StatusInProgress:
		return "‣"
	case t.Deadline.Before(now):
		return "!"
	}
	return ""
}

func colorFor(t model.Task, now time.Time) string {
	switch {
	case t.Status == model.StatusDone:
		return colorBasil
	case t.Deadline.Before(now):
		return colorTomato
	case t.Status == model.StatusInProgress:
		return colorBanana
	}
	return colorBlueberry
}

// EventFromTask renders a task as a 30 minute event starting at its deadline.
func EventFromTask(t model.Task, now time.Time) (*gcal.Event, error) {
	if !t.HasDeadline() {
		return nil, fmt.Errorf("%w: %s", errNoDeadline, t.ID)
	}

	summary := t.Title
	if p := summaryPrefix(t, now); p != "" {
		summary = p + " " + t.Title
	}

	var desc strings.Builder
	if t.Description != "" {
		desc.WriteString(t.Description)
		desc.WriteString("\n\n")
	}
	fmt.Fprintf(&desc, "Status: %s\n", t.Status)
	if t.Assignee.Name != "" || t.Assignee.Email != "" {
		fmt.Fprintf(&desc, "Assignee: %s <%s>\n", t.Assignee.Name, t.Assignee.Email)
	}
	fmt.Fprintf(&desc, "ID: %s\n", t.ID)

	start := t.Deadline.UTC()
	return &gcal.Event{
		Summary:     summary,
		Description: desc.String(),
		ColorId:     colorFor(t, now),
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: start.Add(slot).Format(time.RFC3339)},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{TaskIDProperty: t.ID},
		},
	}, nil
}

// EventNeedsUpdate returns a patch holding only the fields of target that
// differ from existing, or nil when they already match.
func EventNeedsUpdate(existing, target *gcal.Event) (*gcal.Event, error) {
	patch := &gcal.Event{}
	needsUpdate := false

	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		needsUpdate = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		needsUpdate = true
	}
	if existing.ColorId != target.ColorId {
		patch.ColorId = target.ColorId
		needsUpdate = true
	}

	sameTimes, err := sameSlot(existing, target)
	if err != nil {
		return nil, err
	}
	if !sameTimes {
		patch.Start = target.Start
		patch.End = target.End
		needsUpdate = true
	}

	if needsUpdate {
		return patch, nil
	}
	return nil, nil
}

func sameSlot(a, b *gcal.Event) (bool, error) {
	if a.Start == nil || a.End == nil || a.Start.DateTime == "" || a.End.DateTime == "" {
		return false, nil
	}
	as, err := time.Parse(time.RFC3339, a.Start.DateTime)
	if err != nil {
		return false, err
	}
	bs, err := time.Parse(time.RFC3339, b.Start.DateTime)
	if err != nil {
		return false, err
	}
	ae, err := time.Parse(time.RFC3339, a.End.DateTime)
	if err != nil {
		return false, err
	}
	be, err := time.Parse(time.RFC3339, b.End.DateTime)
	if err != nil {
		return false, err
	}
	return as.Equal(bs) && ae.Equal(be), nil
}
