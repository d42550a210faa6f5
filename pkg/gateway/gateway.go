package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harrisonrobin/taskboard/pkg/auth"
	"github.com/harrisonrobin/taskboard/pkg/session"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
)

const maxResponseBytes = 10 << 20

// Refresher recovers an expired access credential. *auth.Coordinator is the
// production implementation; concurrent callers share one exchange.
type Refresher interface {
	Refresh(ctx context.Context) (auth.Credentials, error)
}

// Request is one outbound API call. Path is relative to the API base URL.
type Request struct {
	Method string
	Path   string
	Body   any

	retried bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// Gateway sends API requests with the current access credential and retries
// a request once after recovering from an authorization failure.
type Gateway struct {
	baseURL   string
	http      *http.Client
	store     *session.Store
	refresher Refresher
	log       *slog.Logger
}

func New(baseURL string, hc *http.Client, store *session.Store, refresher Refresher, log *slog.Logger) *Gateway {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      hc,
		store:     store,
		refresher: refresher,
		log:       log,
	}
}

// NewHTTPClient returns the client shared by the gateway and the auth client.
// Its cookie jar carries the server-held session reference.
func NewHTTPClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}
	return &http.Client{Jar: jar, Timeout: timeout}, nil
}

// Send performs req. A 401 on a non-auth path triggers one credential refresh
// (joining any refresh already running) and one resend; if the refresh fails
// the original 401 is returned. Everything else passes through unchanged.
func (g *Gateway) Send(ctx context.Context, req *Request) (*Response, error) {
	r := *req
	var body []byte
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = b
	}
	return g.send(ctx, &r, body)
}

func (g *Gateway) send(ctx context.Context, req *Request, body []byte) (*Response, error) {
	sentWith, _ := g.store.AccessToken()
	res, err := g.do(ctx, req, body, sentWith)
	if err == nil {
		return res, nil
	}
	if !IsUnauthorized(err) || req.retried || auth.IsAuthPath(req.Path) || g.refresher == nil {
		return nil, err
	}
	req.retried = true

	if sentWith != nil {
		cur, ok := g.store.AccessToken()
		if !ok {
			// A refresh already failed and ended the session.
			g.log.Debug("session ended while in flight, rejecting request", "method", req.Method, "path", req.Path)
			return nil, err
		}
		if cur.AccessToken != sentWith.AccessToken {
			g.log.Debug("credential changed while in flight, resending", "method", req.Method, "path", req.Path)
			return g.send(ctx, req, body)
		}
	}

	g.log.Info("received 401, refreshing credential", "method", req.Method, "path", req.Path)
	if _, rerr := g.refresher.Refresh(ctx); rerr != nil {
		g.log.Warn("refresh failed, rejecting request", "method", req.Method, "path", req.Path, "error", rerr)
		return nil, err
	}
	g.log.Debug("resending after refresh", "method", req.Method, "path", req.Path)
	return g.send(ctx, req, body)
}

func (g *Gateway) do(ctx context.Context, req *Request, body []byte, tok *oauth2.Token) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.baseURL+req.Path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if tok != nil && tok.AccessToken != "" {
		tok.SetAuthHeader(httpReq)
	}

	res, err := g.http.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Method: req.Method, Path: req.Path, Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Kind: KindNetwork, Method: req.Method, Path: req.Path, Status: res.StatusCode, Err: err}
	}
	if res.StatusCode/100 != 2 {
		return nil, &RequestError{
			Kind:    kindForStatus(res.StatusCode),
			Method:  req.Method,
			Path:    req.Path,
			Status:  res.StatusCode,
			Message: errorMessage(data),
		}
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}

// Do is Send plus JSON decoding of the response into out (which may be nil).
func (g *Gateway) Do(ctx context.Context, method, path string, in, out any) error {
	res, err := g.Send(ctx, &Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	return res.Decode(out)
}

func errorMessage(body []byte) string {
	var eb struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return strings.TrimSpace(string(body))
}
