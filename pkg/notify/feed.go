package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is how many notices a Feed keeps before dropping the oldest.
const DefaultLimit = 100

// Kind tells where a notice came from.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindPush     Kind = "push"
	KindError    Kind = "error"
)

type Notice struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// Feed is the local, in-memory list of user-visible notices, newest last.
type Feed struct {
	mu      sync.Mutex
	limit   int
	notices []Notice
	now     func() time.Time
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Feed{limit: limit, now: time.Now}
}

// Add appends a notice and returns it with its id and timestamp filled in.
func (f *Feed) Add(kind Kind, title, message string) Notice {
	n := Notice{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: f.now(),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	if over := len(f.notices) - f.limit; over > 0 {
		f.notices = append([]Notice(nil), f.notices[over:]...)
	}
	return n
}

// Error records a failure message for the user.
func (f *Feed) Error(title string, err error) Notice {
	return f.Add(KindError, title, err.Error())
}

func (f *Feed) List() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notice, len(f.notices))
	copy(out, f.notices)
	return out
}

// MarkRead flags the notice with id as read. It reports false for unknown ids.
func (f *Feed) MarkRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notices {
		if f.notices[i].ID == id {
			f.notices[i].IsRead = true
			return true
		}
	}
	return false
}

func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, notice := range f.notices {
		if !notice.IsRead {
			n++
		}
	}
	return n
}

func (f *Feed) Clear() {
	f.mu.Lock()
	f.notices = nil
	f.mu.Unlock()
}
