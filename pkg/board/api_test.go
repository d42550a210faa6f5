package board

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/auth"
	"github.com/harrisonrobin/taskboard/pkg/gateway"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
	"github.com/harrisonrobin/taskboard/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// taskServer accepts bearer "fresh" only and mints it on refresh.
func taskServer(t *testing.T, refreshes *atomic.Int64, lastUpdate *model.UpdateTaskPayload) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		_, _ = w.Write([]byte(`{"accessToken":"fresh","user":{"id":"u1","name":"Alice"}}`))
	})
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Access token expired"}`))
			return false
		}
		return true
	}
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":"task1","title":"Write report","status":"todo"}]`))
		case http.MethodPost:
			var p model.CreateTaskPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(model.Task{ID: "task2", Title: p.Title, Status: p.Status})
		}
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(lastUpdate))
			_, _ = w.Write([]byte(`{"id":"task1","status":"done"}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Task not found"}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPI_ExpiredCredentialIsRefreshedTransparently(t *testing.T) {
	var refreshes atomic.Int64
	var update model.UpdateTaskPayload
	srv := taskServer(t, &refreshes, &update)

	hc, err := gateway.NewHTTPClient(5 * time.Second)
	require.NoError(t, err)
	u, _ := url.Parse(srv.URL + auth.RefreshPath)
	hc.Jar.SetCookies(u, []*http.Cookie{{Name: "refreshToken", Value: "r1"}})

	store := session.NewStore(nil)
	require.NoError(t, store.Set(&oauth2.Token{AccessToken: "expired"}, model.User{ID: "u1"}))
	coord := auth.NewCoordinator(store, auth.NewClient(srv.URL, hc, nil), nil)
	feed := notify.NewFeed(0)
	e := NewEngine(NewAPI(gateway.New(srv.URL, hc, store, coord, nil)), feed, nil)

	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, int64(1), refreshes.Load())

	require.NoError(t, e.SetStatus(context.Background(), "task1", model.StatusDone))
	got, _ := e.Task("task1")
	assert.Equal(t, model.StatusDone, got.Status)
	require.NotNil(t, update.Status)
	assert.Equal(t, model.StatusDone, *update.Status)
	assert.Nil(t, update.IsHidden)

	created, err := e.Create(context.Background(), model.CreateTaskPayload{Title: "Review"})
	require.NoError(t, err)
	assert.Equal(t, "task2", created.ID)

	err = e.Remove(context.Background(), "task1")
	assert.Equal(t, http.StatusNotFound, gateway.StatusOf(err))
	_, ok := e.Task("task1")
	assert.True(t, ok)
	notices := feed.List()
	require.NotEmpty(t, notices)
	assert.Equal(t, "Task not found", notices[len(notices)-1].Message)
	assert.Equal(t, int64(1), refreshes.Load())
}
