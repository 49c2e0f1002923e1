// Package httpremote is a remote.Store client for the possync server.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

// Client talks to a possync server.
type Client struct {
	base     *url.URL
	deviceID string
	secret   string
	http     *http.Client
	dialer   *websocket.Dialer
	logger   *slog.Logger
	txRetry  remote.RetryPolicy

	mu    sync.Mutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger for feed failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTxRetry overrides the optimistic transaction retry policy.
func WithTxRetry(p remote.RetryPolicy) Option {
	return func(c *Client) { c.txRetry = p }
}

var _ remote.VersionedStore = (*Client)(nil)

// New returns a client for the server at baseURL. The device enrolls with
// secret on first use and again whenever its token is refused.
func New(baseURL, deviceID, secret string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:     u,
		deviceID: deviceID,
		secret:   secret,
		http:     &http.Client{Timeout: 15 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   slog.Default(),
		txRetry:  remote.DefaultTxRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

func docPath(collection, id string) []string {
	return []string{"v1", "collections", collection, id}
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return model.NewConnectivityError("ping", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.NewConnectivityError("ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return model.NewConnectivityError("ping", fmt.Errorf("server health %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) List(ctx context.Context, collection string, opts remote.ListOptions) ([]remote.Document, error) {
	q := url.Values{}
	if opts.SinceField != "" {
		q.Set("since_field", opts.SinceField)
		q.Set("since", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	var docs []remote.Document
	err := c.do(ctx, "list "+collection, http.MethodGet, c.endpoint("v1", "collections", collection), q, nil, &docs)
	return docs, err
}

func (c *Client) GetByID(ctx context.Context, collection, id string) (remote.Document, error) {
	vd, err := c.GetVersioned(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if vd.Version == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, model.ErrNotFound)
	}
	return vd.Doc, nil
}

func (c *Client) GetVersioned(ctx context.Context, collection, id string) (remote.VersionedDocument, error) {
	var vd remote.VersionedDocument
	err := c.do(ctx, "get "+collection, http.MethodGet, c.endpoint(docPath(collection, id)...), nil, nil, &vd)
	if errors.Is(err, model.ErrNotFound) {
		return remote.VersionedDocument{}, nil
	}
	return vd, err
}

func (c *Client) Create(ctx context.Context, collection string, doc remote.Document) error {
	id := doc.ID()
	if id == "" {
		return model.NewRejectionError("create", collection, "", "document has no id")
	}
	return c.do(ctx, "create "+collection, http.MethodPut, c.endpoint(docPath(collection, id)...), nil, doc, nil)
}

func (c *Client) Update(ctx context.Context, collection, id string, partial remote.Document) error {
	return c.do(ctx, "update "+collection, http.MethodPatch, c.endpoint(docPath(collection, id)...), nil, partial, nil)
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.do(ctx, "delete "+collection, http.MethodDelete, c.endpoint(docPath(collection, id)...), nil, nil, nil)
}

func (c *Client) Commit(ctx context.Context, commit remote.Commit) error {
	return c.do(ctx, "commit", http.MethodPost, c.endpoint("v1", "commit"), nil, commit, nil)
}

// RunAtomicTransaction reads the read set with versions, runs fn, and
// commits with version preconditions. Conflicts are retried with backoff.
func (c *Client) RunAtomicTransaction(ctx context.Context, readSet []remote.Ref, fn func(tx remote.Tx) error) error {
	err := remote.RunOptimistic(ctx, c, readSet, fn, c.txRetry)
	if errors.Is(err, remote.ErrPreconditionFailed) {
		return model.NewConflictError("transaction", "", "", err)
	}
	return err
}

// do sends one authenticated request, enrolling first if needed and once
// more if the token was refused.
func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, body, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx, attempt > 0)
		if err != nil {
			return err
		}
		resp, err := c.send(ctx, method, endpoint, query, body, token)
		if err != nil {
			return model.NewConnectivityError(op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			continue
		}
		return decodeResponse(op, resp, out)
	}
	return model.NewRejectionError(op, "", "", "device token refused")
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if origin := remote.OriginFrom(ctx); origin != "" {
		req.Header.Set(remote.OriginHeader, origin)
	}
	return c.http.Do(req)
}

func (c *Client) ensureToken(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !refresh {
		return c.token, nil
	}

	payload := map[string]string{"device_id": c.deviceID, "secret": c.secret}
	resp, err := c.send(ctx, http.MethodPost, c.endpoint("v1", "auth", "device"), nil, payload, "")
	if err != nil {
		return "", model.NewConnectivityError("enroll", err)
	}
	var out struct {
		Token string `json:"token"`
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return "", model.NewRejectionError("enroll", "", c.deviceID, "device secret refused")
	}
	if err := decodeResponse("enroll", resp, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return c.token, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// decodeResponse maps HTTP statuses back onto the store error taxonomy.
func decodeResponse(op string, resp *http.Response, out any) error {
	defer drain(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return model.NewConnectivityError(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, msg, model.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %s: %w", op, msg, remote.ErrPreconditionFailed)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return model.NewRejectionError(op, "", "", msg)
	default:
		// 5xx, 429 and anything unexpected: try again later.
		return model.NewConnectivityError(op, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg))
	}
}
