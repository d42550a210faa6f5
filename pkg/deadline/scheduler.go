package deadline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
)

// Reminder is what the delivery collaborator receives when a deadline is reached.
type Reminder struct {
	RecipientID string `json:"userId"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

// Deliverer sends a reminder somewhere outside the process.
type Deliverer interface {
	Deliver(ctx context.Context, r Reminder) error
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// Clock lets tests control time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	// NotifyHidden arms timers for hidden tasks too.
	NotifyHidden bool
	Clock        Clock

	// DeliverTimeout bounds one delivery attempt.
	DeliverTimeout time.Duration

	// OnFire runs after a reminder is recorded, outside the scheduler lock.
	OnFire func(model.Task)
	Log    *slog.Logger
}

type entry struct {
	timer Timer
	gen   uint64
}

// Scheduler keeps one timer per task whose deadline lies in the future.
type Scheduler struct {
	deliverer Deliverer
	feed      *notify.Feed
	opts      Options
	log       *slog.Logger

	mu     sync.Mutex
	timers map[string]entry
	gen    uint64
	wg     sync.WaitGroup
}

func NewScheduler(d Deliverer, feed *notify.Feed, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Scheduler{
		deliverer: d,
		feed:      feed,
		opts:      opts,
		log:       opts.Log,
		timers:    make(map[string]entry),
	}
}

// UpdateTasks cancels every timer and re-arms from tasks. Calling it again
// with the same list leaves the same set armed.
func (s *Scheduler) UpdateTasks(tasks []model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	now := s.opts.Clock.Now()
	for _, t := range tasks {
		s.armLocked(t, now)
	}
	s.log.Debug("deadline timers re-armed", "armed", len(s.timers), "tasks", len(tasks))
}

// ClearAll cancels every timer. No reminder fires after it returns.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Armed returns the ids of tasks with a pending timer.
func (s *Scheduler) Armed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.timers))
	for id := range s.timers {
		out = append(out, id)
	}
	return out
}

// Wait blocks until in-flight deliveries are done.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) clearLocked() {
	s.gen++
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) armLocked(t model.Task, now time.Time) {
	if !t.HasDeadline() || !t.Deadline.After(now) {
		return
	}
	if t.IsHidden && !s.opts.NotifyHidden {
		return
	}
	if old, ok := s.timers[t.ID]; ok {
		old.timer.Stop()
	}
	gen := s.gen
	task := t
	s.timers[t.ID] = entry{
		gen:   gen,
		timer: s.opts.Clock.AfterFunc(t.Deadline.Sub(now), func() { s.fire(task, gen) }),
	}
}

func (s *Scheduler) fire(t model.Task, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[t.ID]
	if !ok || e.gen != gen || gen != s.gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, t.ID)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("deadline reached", "task", t.ID)
	if s.feed != nil {
		s.feed.Add(notify.KindReminder,
			fmt.Sprintf("Deadline for %q", t.Title),
			"The deadline for this task is approaching")
	}
	go s.deliver(t)
	if s.opts.OnFire != nil {
		s.opts.OnFire(t)
	}
}

func (s *Scheduler) deliver(t model.Task) {
	defer s.wg.Done()
	if s.deliverer == nil {
		return
	}
	body := t.Description
	if body == "" {
		body = "No description provided"
	}
	r := Reminder{
		RecipientID: t.Assignee.ID,
		Title:       "Deadline approaching: " + t.Title,
		Body:        body,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeliverTimeout)
	defer cancel()
	if err := s.deliverer.Deliver(ctx, r); err != nil {
		s.log.Error("failed to deliver reminder", "task", t.ID, "error", err)
	}
}
