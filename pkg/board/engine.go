package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harrisonrobin/taskboard/pkg/live"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
)

var ErrTaskNotFound = errors.New("task not found")

type field uint8

const (
	fieldStatus field = 1 << iota
	fieldHidden
	// fieldTask covers the whole record, used by remove.
	fieldTask
)

// mutation is the pending record of one in-flight optimistic action.
type mutation struct {
	seq    uint64
	taskID string
	fields field
	before model.Task
	index  int
	// deleted is set when a push event removed the task while the request was in flight.
	deleted bool
}

// Engine is the single writer of the in-memory task collection. Local
// actions are applied before their request is sent and rolled back if it
// fails; push events are merged as they arrive, last writer wins.
type Engine struct {
	svc  Service
	feed *notify.Feed
	log  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]model.Task
	order   []string
	pending map[uint64]*mutation
	seq     uint64

	emitMu    sync.Mutex
	observers []func([]model.Task)
}

func NewEngine(svc Service, feed *notify.Feed, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		svc:     svc,
		feed:    feed,
		log:     log,
		tasks:   make(map[string]model.Task),
		pending: make(map[uint64]*mutation),
	}
}

// OnChange registers fn to receive the full task list after every change.
// fn runs synchronously on the goroutine that made the change.
func (e *Engine) OnChange(fn func([]model.Task)) {
	e.emitMu.Lock()
	e.observers = append(e.observers, fn)
	e.emitMu.Unlock()
}

// Tasks returns the current collection in board order.
func (e *Engine) Tasks() []model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Task(id string) (model.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Load replaces the collection with the server's list.
func (e *Engine) Load(ctx context.Context) error {
	tasks, err := e.svc.List(ctx)
	if err != nil {
		e.surface("Failed to load tasks", err)
		return err
	}
	e.mu.Lock()
	e.tasks = make(map[string]model.Task, len(tasks))
	e.order = e.order[:0]
	for _, t := range tasks {
		e.putLocked(t)
	}
	e.mu.Unlock()
	e.log.Info("tasks loaded", "count", len(tasks))
	e.emit()
	return nil
}

// Reset empties the collection and forgets pending mutations.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.tasks = make(map[string]model.Task)
	e.order = nil
	for _, m := range e.pending {
		m.deleted = true
	}
	e.pending = make(map[uint64]*mutation)
	e.mu.Unlock()
	e.emit()
}

// SetStatus moves a task to another column. A hidden task is unhidden by the
// same request, and both fields roll back together on failure.
func (e *Engine) SetStatus(ctx context.Context, id string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	m := e.beginLocked(t, fieldStatus)
	payload := model.UpdateTaskPayload{Status: &status}
	t.Status = status
	if t.IsHidden {
		visible := false
		payload.IsHidden = &visible
		t.IsHidden = false
		m.fields |= fieldHidden
	}
	e.tasks[id] = t
	e.mu.Unlock()
	e.emit()

	_, err := e.svc.Update(ctx, id, payload)
	e.settle(m, err, "Failed to update task status")
	return err
}

// SetHidden toggles visibility. Setting the current value sends nothing.
func (e *Engine) SetHidden(ctx context.Context, id string, hidden bool) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.IsHidden == hidden {
		e.mu.Unlock()
		e.log.Debug("visibility unchanged", "task", id, "hidden", hidden)
		return nil
	}
	m := e.beginLocked(t, fieldHidden)
	t.IsHidden = hidden
	e.tasks[id] = t
	e.mu.Unlock()
	e.emit()

	_, err := e.svc.Update(ctx, id, model.UpdateTaskPayload{IsHidden: &hidden})
	e.settle(m, err, "Failed to update task visibility")
	return err
}

// Remove deletes a task locally, then on the server.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	m := e.beginLocked(t, fieldTask)
	m.index = e.deleteLocked(id)
	e.mu.Unlock()
	e.emit()

	err := e.svc.Delete(ctx, id)
	e.settle(m, err, "Failed to delete task")
	return err
}

// Create adds a task once the server has assigned it an id.
func (e *Engine) Create(ctx context.Context, payload model.CreateTaskPayload) (model.Task, error) {
	if payload.Status == "" {
		payload.Status = model.StatusTodo
	}
	t, err := e.svc.Create(ctx, payload)
	if err != nil {
		e.surface("Failed to create task", err)
		return model.Task{}, err
	}
	e.mu.Lock()
	e.putLocked(t)
	e.mu.Unlock()
	e.log.Info("task created", "task", t.ID)
	e.emit()
	return t, nil
}

// Apply merges one push event. Removing an absent task does nothing.
func (e *Engine) Apply(ev live.Event) {
	switch ev.Kind {
	case live.TaskChanged:
		e.mu.Lock()
		e.putLocked(ev.Task)
		e.mu.Unlock()
		e.note("Task Updated", fmt.Sprintf("Task %q has been updated", ev.Task.Title))
	case live.TaskRemoved:
		e.mu.Lock()
		for _, m := range e.pending {
			if m.taskID == ev.TaskID {
				m.deleted = true
			}
		}
		if _, ok := e.tasks[ev.TaskID]; !ok {
			e.mu.Unlock()
			e.log.Debug("delete for absent task ignored", "task", ev.TaskID)
			return
		}
		e.deleteLocked(ev.TaskID)
		e.mu.Unlock()
		e.note("Task Deleted", fmt.Sprintf("A task with ID %s has been deleted", ev.TaskID))
	default:
		e.log.Warn("unknown event kind", "kind", string(ev.Kind))
		return
	}
	e.emit()
}

// Run applies events until ctx ends or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan live.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.Apply(ev)
		}
	}
}

func (e *Engine) beginLocked(before model.Task, fields field) *mutation {
	e.seq++
	m := &mutation{seq: e.seq, taskID: before.ID, fields: fields, before: before}
	e.pending[m.seq] = m
	return m
}

// settle closes out m. On failure the changed fields go back to their
// snapshot, unless the task has been deleted by a push event meanwhile.
func (e *Engine) settle(m *mutation, err error, title string) {
	e.mu.Lock()
	delete(e.pending, m.seq)
	if err == nil {
		e.mu.Unlock()
		return
	}
	rolled := e.rollbackLocked(m)
	e.mu.Unlock()

	e.log.Warn("optimistic update rolled back", "task", m.taskID, "rolled_back", rolled, "error", err)
	e.surface(title, err)
	if rolled {
		e.emit()
	}
}

func (e *Engine) rollbackLocked(m *mutation) bool {
	if m.deleted {
		return false
	}
	cur, ok := e.tasks[m.taskID]
	if m.fields&fieldTask != 0 {
		if ok {
			return false
		}
		e.insertAtLocked(m.before, m.index)
		return true
	}
	if !ok {
		return false
	}
	if m.fields&fieldStatus != 0 {
		cur.Status = m.before.Status
	}
	if m.fields&fieldHidden != 0 {
		cur.IsHidden = m.before.IsHidden
	}
	e.tasks[m.taskID] = cur
	return true
}

func (e *Engine) putLocked(t model.Task) {
	if _, ok := e.tasks[t.ID]; !ok {
		e.order = append(e.order, t.ID)
	}
	e.tasks[t.ID] = t
}

func (e *Engine) insertAtLocked(t model.Task, i int) {
	if i < 0 || i > len(e.order) {
		i = len(e.order)
	}
	e.order = append(e.order, "")
	copy(e.order[i+1:], e.order[i:])
	e.order[i] = t.ID
	e.tasks[t.ID] = t
}

// deleteLocked removes id and returns its former position, or -1.
func (e *Engine) deleteLocked(id string) int {
	delete(e.tasks, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return i
		}
	}
	return -1
}

func (e *Engine) snapshotLocked() []model.Task {
	out := make([]model.Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id])
	}
	return out
}

// emit hands observers a snapshot. emitMu keeps deliveries in change order.
func (e *Engine) emit() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if len(e.observers) == 0 {
		return
	}
	tasks := e.Tasks()
	for _, fn := range e.observers {
		fn(tasks)
	}
}

func (e *Engine) note(title, message string) {
	if e.feed != nil {
		e.feed.Add(notify.KindPush, title, message)
	}
}

func (e *Engine) surface(title string, err error) {
	if e.feed != nil {
		e.feed.Add(notify.KindError, title, userMessage(err))
	}
}
