package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/harrisonrobin/taskboard/pkg/model"
	"golang.org/x/oauth2"
)

const (
	// PathPrefix marks the auth-exchange endpoints. 401s from these are final.
	PathPrefix   = "/auth/"
	ExchangePath = "/auth/exchange"
	RefreshPath  = "/auth/refresh"
	LogoutPath   = "/auth/logout"
)

// IsAuthPath reports whether path belongs to the auth-exchange endpoints.
func IsAuthPath(path string) bool {
	return strings.HasPrefix(path, PathPrefix)
}

// Credentials is the result of a successful exchange.
type Credentials struct {
	Token *oauth2.Token
	User  model.User
}

type authResponse struct {
	AccessToken string     `json:"accessToken"`
	User        model.User `json:"user"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Client talks to the auth endpoints. It shares its *http.Client, and so the
// cookie jar holding the server's session reference, with the request gateway.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, log: log}
}

// Exchange trades an identity-provider credential for an access credential.
func (c *Client) Exchange(ctx context.Context, credential string) (Credentials, error) {
	return c.post(ctx, ExchangePath, map[string]string{"token": credential})
}

// Refresh mints a new access credential from the cookie-held session reference.
func (c *Client) Refresh(ctx context.Context) (Credentials, error) {
	if !c.hasSessionReference() {
		return Credentials{}, &Failure{Reason: ReasonNoSession, Message: "no session reference cookie"}
	}
	return c.post(ctx, RefreshPath, nil)
}

// Logout asks the server to drop the session reference.
func (c *Client) Logout(ctx context.Context, token *oauth2.Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LogoutPath, nil)
	if err != nil {
		return err
	}
	if token != nil {
		token.SetAuthHeader(req)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return &Failure{Reason: ReasonNetwork, Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode/100 != 2 {
		return &Failure{Reason: ReasonServerRejected, Status: res.StatusCode, Message: readMessage(res.Body)}
	}
	return nil
}

func (c *Client) hasSessionReference() bool {
	if c.http.Jar == nil {
		// Without a jar the transport may still carry the cookie; let the server decide.
		return true
	}
	u, err := url.Parse(c.baseURL + RefreshPath)
	if err != nil {
		return false
	}
	return len(c.http.Jar.Cookies(u)) > 0
}

func (c *Client) post(ctx context.Context, path string, body any) (Credentials, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Credentials{}, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, &Failure{Reason: ReasonNetwork, Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode/100 != 2 {
		return Credentials{}, &Failure{Reason: ReasonServerRejected, Status: res.StatusCode, Message: readMessage(res.Body)}
	}

	var out authResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Credentials{}, &Failure{Reason: ReasonMalformedResponse, Err: fmt.Errorf("decode %s response: %w", path, err)}
	}
	if out.AccessToken == "" || out.User.ID == "" {
		return Credentials{}, &Failure{Reason: ReasonMalformedResponse, Message: "invalid response structure from " + path}
	}
	c.log.Debug("credential exchanged", "path", path, "user", out.User.ID)
	return Credentials{
		Token: &oauth2.Token{
			AccessToken: out.AccessToken,
			TokenType:   "Bearer",
		},
		User: out.User,
	}, nil
}

func readMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(b) == 0 {
		return ""
	}
	var eb errorBody
	if json.Unmarshal(b, &eb) == nil && eb.Message != "" {
		return eb.Message
	}
	return strings.TrimSpace(string(b))
}
