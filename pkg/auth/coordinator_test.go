package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeBackend struct {
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
	release       chan struct{}
	refresh       func() (Credentials, error)
	exchange      func(string) (Credentials, error)
	logoutErr     error
	logoutToken   *oauth2.Token
}

func (f *fakeBackend) Exchange(_ context.Context, credential string) (Credentials, error) {
	f.exchangeCalls.Add(1)
	return f.exchange(credential)
}

func (f *fakeBackend) Refresh(ctx context.Context) (Credentials, error) {
	f.refreshCalls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.refresh()
}

func (f *fakeBackend) Logout(_ context.Context, token *oauth2.Token) error {
	f.logoutToken = token
	return f.logoutErr
}

func (c *Coordinator) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

var bob = model.User{ID: "u2", Name: "Bob", Email: "bob@example.com"}

func creds(tok string) Credentials {
	return Credentials{Token: &oauth2.Token{AccessToken: tok}, User: bob}
}

func loggedIn(t *testing.T) *session.Store {
	t.Helper()
	s := session.NewStore(nil)
	require.NoError(t, s.Set(&oauth2.Token{AccessToken: "expired"}, bob))
	return s
}

func TestRefresh_ConcurrentCallersShareOneExchange(t *testing.T) {
	store := loggedIn(t)
	backend := &fakeBackend{
		release: make(chan struct{}),
		refresh: func() (Credentials, error) { return creds("fresh"), nil },
	}
	c := NewCoordinator(store, backend, nil)

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err := c.Refresh(context.Background())
		errs[0] = err
		results[0] = got.Token.AccessToken
	}()
	require.Eventually(t, func() bool { return store.Snapshot().Refreshing }, time.Second, time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Refresh(context.Background())
			errs[i] = err
			if err == nil {
				results[i] = got.Token.AccessToken
			}
		}(i)
	}
	require.Eventually(t, func() bool { return c.waiting() == callers-1 }, time.Second, time.Millisecond)

	close(backend.release)
	wg.Wait()

	assert.Equal(t, int64(1), backend.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}
	snap := store.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.False(t, snap.Refreshing)
	assert.Equal(t, "fresh", snap.AccessToken())
}

func TestRefresh_FailureClearsSessionAndRejectsEveryWaiter(t *testing.T) {
	store := loggedIn(t)
	rejected := &Failure{Reason: ReasonServerRejected, Status: 401, Message: "refresh token expired"}
	backend := &fakeBackend{
		release: make(chan struct{}),
		refresh: func() (Credentials, error) { return Credentials{}, rejected },
	}
	c := NewCoordinator(store, backend, nil)

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Refresh(context.Background())
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.waiting() == 2 }, time.Second, time.Millisecond)
	close(backend.release)

	for i := 0; i < 3; i++ {
		err := <-errCh
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrServerRejected))
		assert.Same(t, rejected, asFailure(err))
	}
	assert.Equal(t, int64(1), backend.refreshCalls.Load())
	snap := store.Snapshot()
	assert.False(t, snap.Authenticated)
	assert.False(t, snap.Refreshing)
}

func TestRefresh_SequentialCallsStartNewExchanges(t *testing.T) {
	store := loggedIn(t)
	var n atomic.Int64
	backend := &fakeBackend{refresh: func() (Credentials, error) {
		if n.Add(1) == 1 {
			return creds("one"), nil
		}
		return creds("two"), nil
	}}
	c := NewCoordinator(store, backend, nil)

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)
	second, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "one", first.Token.AccessToken)
	assert.Equal(t, "two", second.Token.AccessToken)
	assert.Equal(t, int64(2), backend.refreshCalls.Load())
}

func TestRefresh_IncompleteResponseIsMalformed(t *testing.T) {
	store := loggedIn(t)
	backend := &fakeBackend{refresh: func() (Credentials, error) {
		return Credentials{Token: &oauth2.Token{AccessToken: "x"}}, nil
	}}
	c := NewCoordinator(store, backend, nil)

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.False(t, store.Snapshot().Authenticated)
}

func TestRefresh_PlainErrorBecomesNetworkFailure(t *testing.T) {
	store := loggedIn(t)
	backend := &fakeBackend{refresh: func() (Credentials, error) {
		return Credentials{}, errors.New("connection reset")
	}}
	c := NewCoordinator(store, backend, nil)

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
}

func TestRefresh_WaiterContextCancelDoesNotStopExchange(t *testing.T) {
	store := loggedIn(t)
	backend := &fakeBackend{
		release: make(chan struct{}),
		refresh: func() (Credentials, error) { return creds("fresh"), nil },
	}
	c := NewCoordinator(store, backend, nil)

	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		leaderDone <- err
	}()
	require.Eventually(t, func() bool { return store.Snapshot().Refreshing }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		waiterDone <- err
	}()
	require.Eventually(t, func() bool { return c.waiting() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-waiterDone, context.Canceled)

	close(backend.release)
	require.NoError(t, <-leaderDone)
	assert.Equal(t, "fresh", store.Snapshot().AccessToken())
}

func TestLogin_SetsSessionOrClears(t *testing.T) {
	store := session.NewStore(nil)
	backend := &fakeBackend{exchange: func(cred string) (Credentials, error) {
		if cred == "good" {
			return creds("access-1"), nil
		}
		return Credentials{}, &Failure{Reason: ReasonServerRejected, Status: 401}
	}}
	c := NewCoordinator(store, backend, nil)

	user, err := c.Login(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, bob, user)
	assert.True(t, store.Snapshot().Authenticated)

	_, err = c.Login(context.Background(), "bad")
	require.ErrorIs(t, err, ErrServerRejected)
	assert.False(t, store.Snapshot().Authenticated)
}

func TestLogout_ClearsEvenWhenServerFails(t *testing.T) {
	store := loggedIn(t)
	backend := &fakeBackend{logoutErr: errors.New("502 bad gateway")}
	c := NewCoordinator(store, backend, nil)

	err := c.Logout(context.Background())
	require.Error(t, err)
	require.NotNil(t, backend.logoutToken)
	assert.Equal(t, "expired", backend.logoutToken.AccessToken)
	assert.False(t, store.Snapshot().Authenticated)
}
