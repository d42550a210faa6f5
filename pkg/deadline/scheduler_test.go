package deadline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/gateway"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
	"github.com/harrisonrobin/taskboard/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock fires timers only when Advance moves past them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type recorder struct {
	mu   sync.Mutex
	got  []Reminder
	fail error
}

func (r *recorder) Deliver(ctx context.Context, rem Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rem)
	return r.fail
}

func (r *recorder) reminders() []Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reminder(nil), r.got...)
}

func armed(s *Scheduler) []string {
	ids := s.Armed()
	sort.Strings(ids)
	return ids
}

func TestScheduler_FiresOnceAtDeadline(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	feed := notify.NewFeed(0)
	s := NewScheduler(rec, feed, Options{Clock: clock})

	s.UpdateTasks([]model.Task{{
		ID:       "t1",
		Title:    "Write report",
		Deadline: clock.Now().Add(10 * time.Second),
		Assignee: model.Assignee{ID: "u1"},
	}})
	assert.Equal(t, []string{"t1"}, armed(s))

	clock.Advance(9 * time.Second)
	s.Wait()
	assert.Empty(t, rec.reminders())

	clock.Advance(time.Second)
	clock.Advance(time.Minute)
	s.Wait()

	got := rec.reminders()
	require.Len(t, got, 1)
	assert.Equal(t, Reminder{RecipientID: "u1", Title: "Deadline approaching: Write report", Body: "No description provided"}, got[0])
	assert.Empty(t, s.Armed())

	notices := feed.List()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.KindReminder, notices[0].Kind)
	assert.Equal(t, `Deadline for "Write report"`, notices[0].Title)
}

func TestScheduler_ClearAllPreventsEmission(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	s := NewScheduler(rec, nil, Options{Clock: clock})

	s.UpdateTasks([]model.Task{{ID: "t1", Deadline: clock.Now().Add(10 * time.Second)}})
	s.ClearAll()
	clock.Advance(time.Minute)
	s.Wait()

	assert.Empty(t, rec.reminders())
	assert.Empty(t, s.Armed())
}

func TestScheduler_UpdateTasksIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	s := NewScheduler(rec, nil, Options{Clock: clock})
	now := clock.Now()
	tasks := []model.Task{
		{ID: "future", Deadline: now.Add(time.Hour)},
		{ID: "past", Deadline: now.Add(-time.Hour)},
		{ID: "now", Deadline: now},
		{ID: "none"},
		{ID: "hidden", Deadline: now.Add(time.Hour), IsHidden: true},
		{ID: "later", Deadline: now.Add(2 * time.Hour)},
	}

	s.UpdateTasks(tasks)
	first := armed(s)
	s.UpdateTasks(tasks)
	assert.Equal(t, first, armed(s))
	assert.Equal(t, []string{"future", "later"}, first)

	clock.Advance(3 * time.Hour)
	s.Wait()
	assert.Len(t, rec.reminders(), 2)
}

func TestScheduler_NotifyHidden(t *testing.T) {
	clock := newFakeClock()
	s := NewScheduler(&recorder{}, nil, Options{Clock: clock, NotifyHidden: true})
	s.UpdateTasks([]model.Task{{ID: "hidden", Deadline: clock.Now().Add(time.Hour), IsHidden: true}})
	assert.Equal(t, []string{"hidden"}, armed(s))
}

func TestScheduler_DeliveryFailureDoesNotBlock(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{fail: errors.New("offline")}
	feed := notify.NewFeed(0)
	s := NewScheduler(rec, feed, Options{Clock: clock})

	s.UpdateTasks([]model.Task{
		{ID: "a", Deadline: clock.Now().Add(time.Second)},
		{ID: "b", Deadline: clock.Now().Add(2 * time.Second)},
	})
	clock.Advance(5 * time.Second)
	s.Wait()

	assert.Len(t, rec.reminders(), 2)
	assert.Len(t, feed.List(), 2)
}

func TestHTTPDeliverer_PostsReminder(t *testing.T) {
	got := make(chan Reminder, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
		var rem Reminder
		_ = json.NewDecoder(r.Body).Decode(&rem)
		got <- rem
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	store := session.NewStore(nil)
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "a1"}, model.User{ID: "u1"}))
	d := NewHTTPDeliverer(gateway.New(srv.URL, srv.Client(), store, nil, nil))

	want := Reminder{RecipientID: "u1", Title: "Deadline approaching: Ship", Body: "today"}
	require.NoError(t, d.Deliver(context.Background(), want))
	assert.Equal(t, want, <-got)
}
