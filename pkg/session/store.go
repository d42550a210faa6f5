package session

import (
	"errors"
	"sync"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"golang.org/x/oauth2"
)

var ErrIncomplete = errors.New("session: access credential and user are both required")

// Snapshot is a copy of the session at one point in time.
// Authenticated is true exactly when both Token and User are present.
type Snapshot struct {
	Token         *oauth2.Token
	User          *model.User
	Authenticated bool
	Refreshing    bool
}

// AccessToken returns the bearer value or "" when unauthenticated.
func (s Snapshot) AccessToken() string {
	if s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

// Store holds the short-lived access credential and the user record in
// memory. Only the user display record ever reaches disk, through cache.
type Store struct {
	mu         sync.RWMutex
	token      *oauth2.Token
	user       *model.User
	refreshing bool

	watchMu  sync.Mutex
	watchers map[int]func(Snapshot)
	nextID   int

	cache *DisplayCache
}

// NewStore returns an empty session. cache may be nil.
func NewStore(cache *DisplayCache) *Store {
	return &Store{watchers: make(map[int]func(Snapshot)), cache: cache}
}

// Set populates credential and user together.
func (s *Store) Set(token *oauth2.Token, user model.User) error {
	if token == nil || token.AccessToken == "" || user.ID == "" {
		return ErrIncomplete
	}
	tok := *token
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	s.mu.Lock()
	s.token = &tok
	s.user = &user
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Set(user)
	}
	s.notify()
	return nil
}

// Clear drops credential and user together and forgets the display record.
func (s *Store) Clear() {
	s.mu.Lock()
	changed := s.token != nil || s.user != nil
	s.token = nil
	s.user = nil
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Remove()
	}
	if changed {
		s.notify()
	}
}

// SetRefreshing toggles the refresh-in-progress flag.
func (s *Store) SetRefreshing(v bool) {
	s.mu.Lock()
	changed := s.refreshing != v
	s.refreshing = v
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Refreshing: s.refreshing}
	if s.token != nil {
		tok := *s.token
		snap.Token = &tok
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	snap.Authenticated = snap.Token != nil && snap.User != nil
	return snap
}

// AccessToken returns a copy of the current credential, if any.
func (s *Store) AccessToken() (*oauth2.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, false
	}
	tok := *s.token
	return &tok, true
}

// CachedUser returns the persisted display record for repaint before the
// first network round-trip. It says nothing about authentication.
func (s *Store) CachedUser() (model.User, bool) {
	if s.cache == nil {
		return model.User{}, false
	}
	return s.cache.Get()
}

// Watch registers fn to run after every change. fn runs on the writer's
// goroutine, outside the store lock.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.watchMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
