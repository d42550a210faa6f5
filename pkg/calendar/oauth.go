package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// ClientSecretsFile is the Google API credentials.json downloaded from the
	// cloud console, kept in the config dir.
	ClientSecretsFile = "credentials.json"
	// TokenFile holds the calendar OAuth token (access + refresh).
	TokenFile = "calendar_token.json"
	// LocalhostAuthPort is where the local server waits for the OAuth redirect.
	LocalhostAuthPort = "6789"

	authTimeout = 5 * time.Minute
)

// ErrNotAuthorized means no calendar token has been saved yet.
var ErrNotAuthorized = errors.New("calendar access not authorized, run calendar-auth first")

var scopes = []string{gcal.CalendarEventsScope, gcal.CalendarReadonlyScope}

// LoadOAuthConfig reads credentials.json from dir and pins a localhost
// redirect to LocalhostAuthPort.
func LoadOAuthConfig(dir string, log *slog.Logger) (*oauth2.Config, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dir, ClientSecretsFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}

	if cfg.RedirectURL == "urn:ietf:wg:oauth:2.0:oob" || cfg.RedirectURL == "" {
		cfg.RedirectURL = fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
		return cfg, nil
	}
	u, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		log.Warn("could not parse redirect url, using it as is", "redirect_url", cfg.RedirectURL, "error", err)
		return cfg, nil
	}
	if u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1" {
		if u.Port() != LocalhostAuthPort {
			u.Host = net.JoinHostPort(u.Hostname(), LocalhostAuthPort)
			cfg.RedirectURL = u.String()
		}
	} else {
		log.Warn("redirect url is not a localhost callback", "redirect_url", cfg.RedirectURL)
	}
	return cfg, nil
}

// NewService builds a calendar service from the saved token. It never starts
// the interactive flow; that is Authorize's job.
func NewService(ctx context.Context, dir string, log *slog.Logger) (*gcal.Service, error) {
	cfg, err := LoadOAuthConfig(dir, log)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(filepath.Join(dir, TokenFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	ts := &savingTokenSource{
		base: cfg.TokenSource(ctx, tok),
		path: filepath.Join(dir, TokenFile),
		last: tok,
		log:  log,
	}
	srv, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return srv, nil
}

// Authorize runs the installed-app flow: it prints the consent URL to out,
// waits for the redirect on the local port and saves the token in dir.
func Authorize(ctx context.Context, dir string, out io.Writer, log *slog.Logger) error {
	cfg, err := LoadOAuthConfig(dir, log)
	if err != nil {
		return err
	}
	tok, err := tokenFromWeb(ctx, cfg, out)
	if err != nil {
		return fmt.Errorf("failed to get token from web: %w", err)
	}
	return saveToken(filepath.Join(dir, TokenFile), tok)
}

func tokenFromWeb(ctx context.Context, cfg *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", net.JoinHostPort("localhost", LocalhostAuthPort))
	if err != nil {
		return nil, fmt.Errorf("failed to start listener on port %s: %w", LocalhostAuthPort, err)
	}
	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "Authorization code not found", http.StatusBadRequest)
				select {
				case errCh <- errors.New("authorization code not found in redirect URL"):
				default:
				}
				return
			}
			_, _ = fmt.Fprint(w, "Authentication successful! You can close this window.")
			select {
			case codeCh <- code:
			default:
			}
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("HTTP server error: %w", err):
			default:
			}
		}
	}()
	defer func() {
		_ = server.Shutdown(context.Background())
	}()

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	_, _ = fmt.Fprintf(out, "Open the following URL in your browser to authorize calendar access:\n%s\n", authURL)

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	select {
	case code := <-codeCh:
		tok, err := cfg.Exchange(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token from Google: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("authorization timed out: %w", ctx.Err())
	}
}

// savingTokenSource writes the token back to disk whenever the underlying
// source refreshes it.
type savingTokenSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	path string
	last *oauth2.Token
	log  *slog.Logger
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.last == nil || tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		if err := saveToken(s.path, tok); err != nil && s.log != nil {
			s.log.Warn("could not save refreshed calendar token", "error", err)
		}
		s.last = tok
	}
	return tok, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache OAuth token to %s: %w", path, err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
