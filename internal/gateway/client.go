// Package gateway is the client side of the managed backend: row reads and
// writes, remote procedures and auth over HTTP, change subscriptions over
// the realtime websocket.
package gateway

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
	"sync"
	"time"

	"betapp/internal/domain"
	"betapp/internal/postgrest"
)

// TokenSource supplies the current user's access token, or "".
type TokenSource interface {
	AccessToken() string
}

// Options configures a Client.
type Options struct {
	URL            string
	AnonKey        string
	HTTPTimeout    time.Duration
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Client implements domain.Gateway.
type Client struct {
	base    *url.URL
	anonKey string
	http    *http.Client
	log     *slog.Logger
	rt      *Realtime

	mu     sync.RWMutex
	tokens TokenSource
}

var _ domain.Gateway = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.URL)
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:    base,
		anonKey: opts.AnonKey,
		http:    &http.Client{Timeout: opts.HTTPTimeout},
		log:     logger.With("component", "gateway"),
	}
	c.rt = NewRealtime(RealtimeOptions{
		URL:            realtimeURL(base, opts.AnonKey),
		Token:          c.bearer,
		Heartbeat:      opts.Heartbeat,
		ReconnectDelay: opts.ReconnectDelay,
		Logger:         logger,
	})
	return c, nil
}

// SetTokenSource installs the source of access tokens for authenticated calls.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// Start connects the realtime transport; it reconnects until ctx is done.
func (c *Client) Start(ctx context.Context) {
	c.rt.Start(ctx)
}

// Close stops the realtime transport.
func (c *Client) Close() {
	c.rt.Close()
}

func (c *Client) Query(ctx context.Context, q domain.Query) ([]domain.Record, error) {
	params := postgrest.Encode(q)
	var rows []domain.Record
	if err := c.do(ctx, http.MethodGet, "/rest/v1/"+q.Table, params, nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	normalizeEmbeds(rows, q.Joins)
	return rows, nil
}

func (c *Client) Insert(ctx context.Context, table string, record any) (domain.Record, error) {
	var rows []domain.Record
	hdr := http.Header{"Prefer": {"return=representation"}}
	if err := c.do(ctx, http.MethodPost, "/rest/v1/"+table, nil, hdr, record, &rows); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: %w: no row returned", table, domain.ErrInternal)
	}
	return rows[0], nil
}

func (c *Client) Update(ctx context.Context, table, id string, patch any) (domain.Record, error) {
	var rows []domain.Record
	params := postgrest.Encode(domain.Query{Filter: domain.Eq("id", id)})
	hdr := http.Header{"Prefer": {"return=representation"}}
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/"+table, params, hdr, patch, &rows); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, domain.ErrNotFound)
	}
	return rows[0], nil
}

func (c *Client) RPC(ctx context.Context, name string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/rest/v1/rpc/"+name, nil, nil, params, &out); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", name, err)
	}
	return out, nil
}

func (c *Client) Subscribe(ctx context.Context, scope domain.Scope, onEvent func(domain.Event)) (domain.Subscription, error) {
	return c.rt.Subscribe(ctx, scope, onEvent)
}

func (c *Client) OnReconnect(fn func()) func() {
	return c.rt.OnReconnect(fn)
}

// bearer is the user's access token, falling back to the anon key.
func (c *Client) bearer() string {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts != nil {
		if tok := ts.AccessToken(); tok != "" {
			return tok
		}
	}
	return c.anonKey
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	params url.Values,
	hdr http.Header,
	body any,
	out any,
) error {
	return c.doWithToken(ctx, c.bearer(), method, path, params, hdr, body, out)
}

func (c *Client) doWithToken(
	ctx context.Context,
	token string,
	method, path string,
	params url.Values,
	hdr http.Header,
	body any,
	out any,
) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb postgrest.ErrorBody
		if json.Unmarshal(raw, &eb) != nil || (eb.Message == "" && eb.Code == "") {
			eb.Message = strings.TrimSpace(string(raw))
		}
		c.log.Debug("backend error", "method", method, "path", path, "status", resp.StatusCode, "code", eb.Code)
		return eb.AsError(resp.StatusCode)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", domain.ErrInternal, err)
	}
	return nil
}

func realtimeURL(base *url.URL, anonKey string) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{"vsn": {"1.0.0"}}
	if anonKey != "" {
		q.Set("apikey", anonKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
