// Package client is the caller side of the trust layer. It logs in, keeps
// the session credential encrypted at rest, and signs every API request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/internal/clock"
	"github.com/jmcleod/gatekeep/keymaterial"
	"github.com/jmcleod/gatekeep/signer"
	"github.com/jmcleod/gatekeep/storage"
	"github.com/jmcleod/gatekeep/tokencipher"
)

const apiPrefix = "/api/v1"

// ErrNotLoggedIn is returned by signed calls when no credential is stored.
var ErrNotLoggedIn = errors.New("client: not logged in")

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gatekeep: %d %s", e.Code, e.Message)
}

// Client talks to a gatekeep server.
type Client struct {
	baseURL *url.URL
	vault   *tokencipher.Vault
	plain   *http.Client
	signed  *http.Client
}

// Option configures a Client.
type Option func(*options)

type options struct {
	base  http.RoundTripper
	clock clock.Clock
}

// WithTransport sets the underlying RoundTripper (http.DefaultTransport
// by default).
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.base = rt }
}

// WithClock sets the clock used to timestamp signatures.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New returns a Client for the server at baseURL. The installation key and
// the encrypted credential are kept in store.
func New(baseURL string, store storage.KeyStore, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parsing base URL: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	base := o.base
	if base == nil {
		base = http.DefaultTransport
	}

	c := &Client{
		baseURL: u,
		vault:   tokencipher.NewVault(keymaterial.NewStore(store), store),
		plain:   &http.Client{Transport: base, Timeout: 30 * time.Second},
	}
	transport := signer.NewTransport(base, c.credential)
	transport.Signer = signer.New(o.clock)
	c.signed = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	return c, nil
}

func (c *Client) credential(ctx context.Context) (string, error) {
	token, err := c.vault.Load(ctx)
	if errors.Is(err, tokencipher.ErrNoCredential) || errors.Is(err, tokencipher.ErrDecrypt) {
		return "", ErrNotLoggedIn
	}
	return token, err
}

// LoggedIn reports whether a readable credential is stored.
func (c *Client) LoggedIn(ctx context.Context) bool {
	_, err := c.credential(ctx)
	return err == nil
}

// Login exchanges email and password for a session credential and stores
// it encrypted. loginContext may be empty for an interactive login.
func (c *Client) Login(ctx context.Context, email, password, loginContext string) (api.LoginResponse, error) {
	var out api.LoginResponse
	err := c.call(ctx, c.plain, http.MethodPost, "/auth/login", api.LoginRequest{
		Email:    email,
		Password: password,
		Context:  loginContext,
	}, &out)
	if err != nil {
		return api.LoginResponse{}, err
	}
	if err := c.vault.Save(ctx, out.Token); err != nil {
		return api.LoginResponse{}, fmt.Errorf("client: saving credential: %w", err)
	}
	return out, nil
}

// Logout tells the server and then discards the local credential. The
// credential is discarded even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	callErr := c.call(ctx, c.signed, http.MethodPost, "/auth/logout", nil, nil)
	if err := c.vault.Clear(ctx); err != nil {
		return fmt.Errorf("client: clearing credential: %w", err)
	}
	if errors.Is(callErr, ErrNotLoggedIn) {
		return nil
	}
	return callErr
}

// Me returns the authenticated actor.
func (c *Client) Me(ctx context.Context) (api.MeResponse, error) {
	var out api.MeResponse
	err := c.call(ctx, c.signed, http.MethodGet, "/auth/me", nil, &out)
	return out, err
}

// IssueActionToken requests a single-use token for action on resourceID.
func (c *Client) IssueActionToken(ctx context.Context, resourceID int64, action string) (api.ActionTokenResponse, error) {
	var out api.ActionTokenResponse
	path := "/actions/" + strconv.FormatInt(resourceID, 10) + "/" + url.PathEscape(action) + "/token"
	err := c.call(ctx, c.signed, http.MethodPost, path, nil, &out)
	return out, err
}

// Redeem spends an action token. It needs no session; a rejection comes
// back as a *StatusError (409 when the token was already used).
func (c *Client) Redeem(ctx context.Context, req api.RedeemRequest) error {
	return c.call(ctx, c.plain, http.MethodPost, "/actions/redeem", req, nil)
}

// Do sends an arbitrary signed request. path is relative to the API root.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return c.signed.Do(req)
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + apiPrefix + path
}

func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			return ErrNotLoggedIn
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}
