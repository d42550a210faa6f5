package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/session"
	"golang.org/x/oauth2"
)

// Backend performs the network side of the auth lifecycle. *Client is the
// production implementation.
type Backend interface {
	Exchange(ctx context.Context, credential string) (Credentials, error)
	Refresh(ctx context.Context) (Credentials, error)
	Logout(ctx context.Context, token *oauth2.Token) error
}

type outcome struct {
	creds Credentials
	err   error
}

// Coordinator owns every write to the session: login, logout and refresh.
// At most one refresh exchange is in flight; callers arriving while it runs
// wait for it and all observe the same outcome.
type Coordinator struct {
	store   *session.Store
	backend Backend
	log     *slog.Logger

	mu       sync.Mutex
	inflight bool
	waiters  []chan outcome
}

func NewCoordinator(store *session.Store, backend Backend, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, backend: backend, log: log}
}

// Refresh exchanges the session reference for a new access credential, or
// joins the exchange already running. Waiters are released in the order they
// joined, before the caller that started the exchange returns.
//
// On failure the session is cleared. A caller whose ctx ends stops waiting,
// but the shared exchange keeps going for everyone else.
func (c *Coordinator) Refresh(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	if c.inflight {
		ch := make(chan outcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		c.log.Debug("refresh in progress, waiting")
		select {
		case out := <-ch:
			return out.creds, out.err
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	c.inflight = true
	c.mu.Unlock()
	c.store.SetRefreshing(true)

	creds, err := c.exchange(context.WithoutCancel(ctx))

	c.store.SetRefreshing(false)
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inflight = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome{creds: creds, err: err}
	}
	return creds, err
}

func (c *Coordinator) exchange(ctx context.Context) (Credentials, error) {
	c.log.Info("refreshing access credential")
	creds, err := c.backend.Refresh(ctx)
	if err == nil {
		if setErr := c.store.Set(creds.Token, creds.User); setErr != nil {
			err = &Failure{Reason: ReasonMalformedResponse, Err: setErr}
		}
	}
	if err != nil {
		f := asFailure(err)
		c.log.Warn("refresh failed, logging out", "reason", string(f.Reason), "error", f)
		c.store.Clear()
		return Credentials{}, f
	}
	c.log.Info("access credential refreshed", "user", creds.User.ID)
	return creds, nil
}

// Login trades an identity-provider credential for a session. Any failure
// leaves the session cleared.
func (c *Coordinator) Login(ctx context.Context, credential string) (model.User, error) {
	if claims, err := DecodeClaims(credential); err == nil {
		c.log.Debug("identity credential decoded", "email", claims.Email, "expiry", claims.Expiry)
	}
	creds, err := c.backend.Exchange(ctx, credential)
	if err == nil {
		if setErr := c.store.Set(creds.Token, creds.User); setErr != nil {
			err = &Failure{Reason: ReasonMalformedResponse, Err: setErr}
		}
	}
	if err != nil {
		c.store.Clear()
		return model.User{}, asFailure(err)
	}
	c.log.Info("logged in", "user", creds.User.ID)
	return creds.User, nil
}

// Logout tells the server and clears the local session. The local clear
// happens whatever the server says; its error is returned for display only.
func (c *Coordinator) Logout(ctx context.Context) error {
	tok, _ := c.store.AccessToken()
	err := c.backend.Logout(ctx, tok)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("server logout failed", "error", err)
	}
	c.store.Clear()
	c.log.Info("logged out")
	return err
}
