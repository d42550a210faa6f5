package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/deadline"
	"github.com/harrisonrobin/taskboard/pkg/live"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSyncer struct {
	mu    sync.Mutex
	last  []model.Task
	empty int
}

func (s *recordingSyncer) Sync(ctx context.Context, tasks []model.Task) error {
	s.mu.Lock()
	s.last = tasks
	if len(tasks) == 0 {
		s.empty++
	}
	s.mu.Unlock()
	return nil
}

func (s *recordingSyncer) emptySyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.empty
}

func (s *recordingSyncer) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.last {
		out = append(out, t.ID)
	}
	return out
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(ctx context.Context, r deadline.Reminder) error { return nil }

func boardServer(t *testing.T, deadline time.Time) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/exchange", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "r1", Path: "/auth", HttpOnly: true})
		_, _ = w.Write([]byte(`{"accessToken":"a1","user":{"id":"u1","name":"Alice","email":"alice@example.com"}}`))
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]model.Task{
			{ID: "t1", Title: "Report", Status: model.StatusTodo, Deadline: deadline},
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		var hs struct {
			Auth struct {
				Token string `json:"token"`
			} `json:"auth"`
		}
		if err := wsjson.Read(ctx, conn, &hs); err != nil {
			return
		}
		if hs.Auth.Token != "a1" {
			_ = conn.Close(live.StatusAuthFailed, "invalid access token")
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]any{
			"event": "TASK_UPDATED",
			"data":  model.Task{ID: "t2", Title: "Review", Status: model.StatusInProgress, Deadline: deadline},
		})
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestApp_LoginWatchLogout(t *testing.T) {
	srv := boardServer(t, time.Now().Add(time.Hour).UTC().Truncate(time.Second))
	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	syncer := &recordingSyncer{}
	a, err := New(cfg, Options{StateDir: t.TempDir(), Deliverer: nopDeliverer{}, Mirror: syncer})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	user, err := a.Login(ctx, "idp-credential")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	cached, ok := a.Store.CachedUser()
	require.True(t, ok)
	assert.Equal(t, "u1", cached.ID)
	require.Len(t, a.Engine.Tasks(), 1)
	assert.Equal(t, []string{"t1"}, a.Scheduler.Armed())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := a.Engine.Task("t2")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, live.StateConnected, a.Channel.State())
	assert.ElementsMatch(t, []string{"t1", "t2"}, a.Scheduler.Armed())
	require.Eventually(t, func() bool { return len(syncer.ids()) == 2 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Logout(ctx))
	assert.False(t, a.Store.Snapshot().Authenticated)
	assert.Empty(t, a.Engine.Tasks())
	assert.Empty(t, a.Scheduler.Armed())
	assert.Equal(t, live.StateDisconnected, a.Channel.State())
	_, ok = a.Store.CachedUser()
	assert.False(t, ok)

	assert.Never(t, func() bool { return syncer.emptySyncs() > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, live.StateClosed, a.Channel.State())
}

func TestApp_ForcedLogoutKeepsCalendarEvents(t *testing.T) {
	srv := boardServer(t, time.Now().Add(time.Hour).UTC().Truncate(time.Second))
	cfg := config.Default()
	cfg.APIBaseURL = srv.URL
	cfg.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	syncer := &recordingSyncer{}
	a, err := New(cfg, Options{StateDir: t.TempDir(), Deliverer: nopDeliverer{}, Mirror: syncer})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = a.Login(ctx, "idp-credential")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return len(syncer.ids()) == 2 }, 5*time.Second, 5*time.Millisecond)

	// Same path as a failed refresh.
	a.Store.Clear()
	require.Eventually(t, func() bool { return len(a.Engine.Tasks()) == 0 }, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool { return syncer.emptySyncs() > 0 }, 200*time.Millisecond, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"t1", "t2"}, syncer.ids())

	cancel()
	require.NoError(t, <-done)
}

func TestApp_LoginRequiresCredential(t *testing.T) {
	a, err := New(config.Default(), Options{})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Login(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestApp_PreviewPrefersCacheThenClaims(t *testing.T) {
	srv := boardServer(t, time.Now().Add(time.Hour))
	cfg := config.Default()
	cfg.APIBaseURL = srv.URL

	a, err := New(cfg, Options{StateDir: t.TempDir(), Deliverer: nopDeliverer{}})
	require.NoError(t, err)
	defer a.Close()

	enc := base64.RawURLEncoding
	credential := enc.EncodeToString([]byte(`{"alg":"RS256"}`)) + "." +
		enc.EncodeToString([]byte(`{"sub":"g-1","name":"Alice G","email":"alice@example.com"}`)) + "." +
		enc.EncodeToString([]byte("sig"))

	u, ok := a.Preview(credential)
	require.True(t, ok)
	assert.Equal(t, "Alice G", u.Name)
	assert.Equal(t, "alice@example.com", u.Email)

	_, ok = a.Preview("opaque-credential")
	assert.False(t, ok)

	_, err = a.Login(context.Background(), credential)
	require.NoError(t, err)
	u, ok = a.Preview("opaque-credential")
	require.True(t, ok)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Alice", u.Name)
}
