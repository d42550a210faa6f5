package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harrisonrobin/taskboard/pkg/auth"
	"github.com/harrisonrobin/taskboard/pkg/board"
	"github.com/harrisonrobin/taskboard/pkg/config"
	"github.com/harrisonrobin/taskboard/pkg/deadline"
	"github.com/harrisonrobin/taskboard/pkg/gateway"
	"github.com/harrisonrobin/taskboard/pkg/live"
	"github.com/harrisonrobin/taskboard/pkg/logging"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/notify"
	"github.com/harrisonrobin/taskboard/pkg/session"
)

var ErrNoCredential = errors.New("no identity credential: pass --credential or set TASKBOARD_CREDENTIAL")

// Syncer mirrors the task list somewhere else. *calendar.Mirror implements it.
type Syncer interface {
	Sync(ctx context.Context, tasks []model.Task) error
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	Log *slog.Logger
	// StateDir holds the user display cache. Empty disables it.
	StateDir  string
	Dialer    live.Dialer
	Deliverer deadline.Deliverer
	Clock     deadline.Clock
	Mirror    Syncer
}

// App wires the board components around one session store.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Store       *session.Store
	Coordinator *auth.Coordinator
	Gateway     *gateway.Gateway
	Channel     *live.Channel
	Engine      *board.Engine
	Scheduler   *deadline.Scheduler
	Feed        *notify.Feed

	mirror  Syncer
	mirrorQ chan []model.Task
	unwatch func()

	mu      sync.Mutex
	running bool
	authed  bool
	token   string
}

func New(cfg *config.Config, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	hc, err := gateway.NewHTTPClient(cfg.RequestTimeout.Duration)
	if err != nil {
		return nil, err
	}

	var cache *session.DisplayCache
	if opts.StateDir != "" {
		cache, err = session.NewDisplayCache(opts.StateDir, logging.Component(log, "session"))
		if err != nil {
			return nil, fmt.Errorf("failed to open user cache: %w", err)
		}
	}

	a := &App{
		cfg:     cfg,
		log:     logging.Component(log, "app"),
		Store:   session.NewStore(cache),
		Feed:    notify.NewFeed(notify.DefaultLimit),
		mirror:  opts.Mirror,
		mirrorQ: make(chan []model.Task, 1),
	}

	authClient := auth.NewClient(cfg.APIBaseURL, hc, logging.Component(log, "auth"))
	a.Coordinator = auth.NewCoordinator(a.Store, authClient, logging.Component(log, "auth"))
	a.Gateway = gateway.New(cfg.APIBaseURL, hc, a.Store, a.Coordinator, logging.Component(log, "gateway"))
	a.Engine = board.NewEngine(board.NewAPI(a.Gateway), a.Feed, logging.Component(log, "board"))

	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = deadline.NewHTTPDeliverer(a.Gateway)
	}
	a.Scheduler = deadline.NewScheduler(deliverer, a.Feed, deadline.Options{
		NotifyHidden: cfg.NotifyHidden,
		Clock:        opts.Clock,
		OnFire:       func(model.Task) { a.queueMirror(a.Engine.Tasks()) },
		Log:          logging.Component(log, "deadline"),
	})

	a.Channel = live.NewChannel(live.Options{
		URL:            cfg.WSURL,
		Dialer:         opts.Dialer,
		Refresher:      a.Coordinator,
		Credential:     func() string { return a.Store.Snapshot().AccessToken() },
		ReconnectDelay: cfg.ReconnectDelay.Duration,
		Log:            logging.Component(log, "live"),
	})

	a.Engine.OnChange(func(tasks []model.Task) {
		a.Scheduler.UpdateTasks(tasks)
		a.queueMirror(tasks)
	})
	a.unwatch = a.Store.Watch(a.onSession)
	return a, nil
}

// onSession reacts to credential changes. Toggles of the refreshing flag
// alone are ignored.
func (a *App) onSession(snap session.Snapshot) {
	tok := snap.AccessToken()
	a.mu.Lock()
	if snap.Authenticated == a.authed && tok == a.token {
		a.mu.Unlock()
		return
	}
	wasAuthed := a.authed
	a.authed, a.token = snap.Authenticated, tok
	running := a.running
	a.mu.Unlock()

	if snap.Authenticated {
		if running {
			a.Channel.SetCredential(tok)
		}
		return
	}
	if wasAuthed {
		a.log.Info("session ended, clearing board")
		a.Channel.SetCredential("")
		a.Scheduler.ClearAll()
		a.Engine.Reset()
	}
}

// Preview returns a display record to show while Login is in flight: the
// cached record of the last user, else the identity credential's own
// unverified claims.
func (a *App) Preview(credential string) (model.User, bool) {
	if u, ok := a.Store.CachedUser(); ok {
		return u, true
	}
	claims, err := auth.DecodeClaims(credential)
	if err != nil || (claims.Name == "" && claims.Email == "") {
		return model.User{}, false
	}
	return claims.User(), true
}

// Login exchanges an identity credential for a session and loads the board.
func (a *App) Login(ctx context.Context, credential string) (model.User, error) {
	if credential == "" {
		return model.User{}, ErrNoCredential
	}
	user, err := a.Coordinator.Login(ctx, credential)
	if err != nil {
		a.Feed.Error("Login failed", err)
		return model.User{}, err
	}
	if err := a.Engine.Load(ctx); err != nil {
		return user, err
	}
	return user, nil
}

// Logout ends the session. The local session is cleared whatever the server says.
func (a *App) Logout(ctx context.Context) error {
	return a.Coordinator.Logout(ctx)
}

// Run keeps the push channel open and applies its events until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer a.Close()

	if a.mirror != nil {
		go a.mirrorLoop(ctx)
	}
	if snap := a.Store.Snapshot(); snap.Authenticated {
		a.Channel.SetCredential(snap.AccessToken())
	}
	a.log.Info("watching board", "ws_url", a.cfg.WSURL)
	a.Engine.Run(ctx, a.Channel.Events())
	return nil
}

// Close tears the channel down, cancels every timer and stops watching the
// session.
func (a *App) Close() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.unwatch()
	a.Channel.Close()
	a.Scheduler.ClearAll()
}

// queueMirror hands tasks to the mirror loop, replacing any list it has not
// picked up yet. Nothing is queued without a session: an empty board after
// logout must not reach the mirror.
func (a *App) queueMirror(tasks []model.Task) {
	if a.mirror == nil {
		return
	}
	a.mu.Lock()
	authed := a.authed
	a.mu.Unlock()
	if !authed {
		return
	}
	for {
		select {
		case a.mirrorQ <- tasks:
			return
		default:
		}
		select {
		case <-a.mirrorQ:
		default:
		}
	}
}

func (a *App) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tasks := <-a.mirrorQ:
			if err := a.mirror.Sync(ctx, tasks); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("calendar sync failed", "error", err)
			}
		}
	}
}
