package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harrisonrobin/taskboard/pkg/auth"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	defaultBuffer         = 64
)

// Refresher recovers a credential the push endpoint rejected.
type Refresher interface {
	Refresh(ctx context.Context) (auth.Credentials, error)
}

type Options struct {
	URL       string
	Dialer    Dialer
	Refresher Refresher
	// Credential returns the latest known access credential. A scheduled
	// reconnect uses it instead of the one the lost connection was opened with.
	Credential     func() string
	ReconnectDelay time.Duration
	Buffer         int
	Log            *slog.Logger
}

// Channel keeps one push connection open for the current credential and
// delivers task events on a single queue.
//
// Every connection attempt gets a generation number. Goroutines and timers
// belonging to an older generation find the number changed and do nothing.
type Channel struct {
	url        string
	dialer     Dialer
	refresher  Refresher
	credential func() string
	delay      time.Duration
	log        *slog.Logger
	events     chan Event

	mu     sync.Mutex
	state  State
	token  string
	gen    uint64
	cancel context.CancelFunc
	sock   Socket
	timer  *time.Timer
	closed bool
}

func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Channel{
		url:        opts.URL,
		dialer:     opts.Dialer,
		refresher:  opts.Refresher,
		credential: opts.Credential,
		delay:      opts.ReconnectDelay,
		log:        opts.Log,
		events:     make(chan Event, opts.Buffer),
	}
}

// Events is the inbound queue consumed by the reconciliation engine.
func (c *Channel) Events() <-chan Event {
	return c.events
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCredential reacts to a credential change. An empty token tears the
// connection down. A new token, or any token while no connection exists,
// replaces the connection; this also counts as an explicit request after Close.
func (c *Channel) SetCredential(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token == "" {
		c.teardownLocked()
		c.token = ""
		if !c.closed {
			c.setStateLocked(StateDisconnected)
		}
		return
	}
	if !c.closed && token == c.token && (c.state == StateConnecting || c.state == StateConnected) {
		return
	}
	c.closed = false
	c.connectLocked(token)
}

// Close tears the connection down, cancels any pending reconnect and
// suppresses automatic reconnects until SetCredential is called again.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.teardownLocked()
	c.setStateLocked(StateClosed)
}

func (c *Channel) connectLocked(token string) {
	c.teardownLocked()
	c.token = token
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	go c.run(ctx, gen, token)
}

// teardownLocked invalidates the current generation, its timer and its socket.
func (c *Channel) teardownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.sock != nil {
		sock := c.sock
		c.sock = nil
		go func() {
			_ = sock.Close()
		}()
	}
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("push channel state", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Channel) run(ctx context.Context, gen uint64, token string) {
	sock, err := c.dialer.Dial(ctx, c.url, token)
	if err != nil {
		c.lost(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.log.Info("push channel connected", "url", c.url)

	c.lost(gen, c.readLoop(ctx, sock))
}

func (c *Channel) readLoop(ctx context.Context, sock Socket) error {
	for {
		raw, err := sock.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeFrame(raw)
		if err != nil {
			var ce *ChannelError
			if errors.As(err, &ce) {
				return ce
			}
			c.log.Warn("dropping push frame", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case c.events <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lost handles the end of generation gen.
func (c *Channel) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if c.sock != nil {
		sock := c.sock
		c.sock = nil
		go func() {
			_ = sock.Close()
		}()
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	switch kindOf(err) {
	case KindAuth:
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.log.Warn("push channel credential rejected, refreshing", "error", err)
		c.refreshAndReconnect(gen)
	case KindServerDisconnect:
		c.setStateLocked(StateReconnecting)
		c.armReconnectLocked(gen)
		c.mu.Unlock()
		c.log.Info("push channel closed by server, reconnecting", "delay", c.delay.String())
	default:
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.log.Error("push channel transport error", "error", err)
	}
}

// armReconnectLocked replaces any pending reconnect timer with one for gen.
func (c *Channel) armReconnectLocked(gen uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, func() {
		c.fireReconnect(gen)
	})
}

func (c *Channel) fireReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.timer = nil
	token := c.token
	if c.credential != nil {
		if latest := c.credential(); latest != "" {
			token = latest
		}
	}
	c.log.Info("push channel reconnect timer fired")
	c.connectLocked(token)
}

func (c *Channel) refreshAndReconnect(gen uint64) {
	if c.refresher == nil {
		return
	}
	creds, err := c.refresher.Refresh(context.Background())
	if err != nil {
		// The refresh failure path has already logged the user out.
		c.log.Warn("refresh after push auth error failed", "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.connectLocked(creds.Token.AccessToken)
}
