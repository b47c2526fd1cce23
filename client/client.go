// Package client is the Go client for a litebase server: auth token
// lifecycle plus typed access to the record APIs.
//
// The client decodes JWTs purely to read claims (expiry, csrf); signature
// validation is the server's job.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	recordsBase = "/api/records/v1"
	authBase    = "/api/auth/v1"

	// refreshLeeway refreshes proactively when the token expires within
	// this window.
	refreshLeeway = 60 * time.Second
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")
)

// tokenState is the cached auth state. Swapped wholesale under the write
// lock; network round-trips never hold it.
type tokenState struct {
	authToken    string
	refreshToken string
	csrfToken    string
	expiry       time.Time
}

// Client talks to one litebase server.
type Client struct {
	http *resty.Client

	mu     sync.RWMutex
	tokens tokenState
}

// NewClient creates a client for the given site, e.g. "http://localhost:4000".
func NewClient(site string) *Client {
	return &Client{
		http: resty.New().SetBaseURL(strings.TrimRight(site, "/")),
	}
}

// Tokens returns the current auth and csrf tokens.
func (c *Client) Tokens() (authToken, csrfToken string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.authToken, c.tokens.csrfToken
}

type loginResponse struct {
	AuthToken    string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
	CSRFToken    string `json:"csrf_token"`
}

// Login exchanges credentials for tokens.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		Post(authBase + "/login")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return statusError(resp)
	}
	c.storeTokens(out.AuthToken, out.RefreshToken, out.CSRFToken)
	return nil
}

// Refresh exchanges the refresh token for a fresh auth token.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	refreshToken := c.tokens.refreshToken
	c.mu.RUnlock()
	if refreshToken == "" {
		return ErrNotAuthenticated
	}

	var out loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&out).
		Post(authBase + "/refresh")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return statusError(resp)
	}
	c.storeTokens(out.AuthToken, refreshToken, out.CSRFToken)
	return nil
}

// Logout invalidates the session server-side and clears the token cache.
// Idempotent: logging out while logged out succeeds.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.RLock()
	authToken := c.tokens.authToken
	c.mu.RUnlock()

	if authToken != "" {
		if _, err := c.http.R().SetContext(ctx).
			SetHeader("Authorization", "Bearer "+authToken).
			Post(authBase + "/logout"); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.tokens = tokenState{}
	c.mu.Unlock()
	return nil
}

func (c *Client) storeTokens(authToken, refreshToken, csrfToken string) {
	state := tokenState{
		authToken:    authToken,
		refreshToken: refreshToken,
		csrfToken:    csrfToken,
	}
	if claims := decodeClaims(authToken); claims != nil && claims.ExpiresAt != nil {
		state.expiry = claims.ExpiresAt.Time
		if csrfToken == "" {
			state.csrfToken = claims.CSRFToken
		}
	}

	c.mu.Lock()
	c.tokens = state
	c.mu.Unlock()
}

type clientClaims struct {
	Email     string `json:"email"`
	CSRFToken string `json:"csrf_token"`
	jwt.RegisteredClaims
}

// decodeClaims reads the claims without validating the signature.
func decodeClaims(token string) *clientClaims {
	var claims clientClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil
	}
	return &claims
}

// request builds a request with auth headers, refreshing the token first
// when it is about to expire.
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	c.mu.RLock()
	state := c.tokens
	c.mu.RUnlock()

	if state.authToken != "" && !state.expiry.IsZero() &&
		time.Until(state.expiry) < refreshLeeway && state.refreshToken != "" {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		c.mu.RLock()
		state = c.tokens
		c.mu.RUnlock()
	}

	req := c.http.R().SetContext(ctx)
	if state.authToken != "" {
		req.SetHeader("Authorization", "Bearer "+state.authToken)
	}
	if state.csrfToken != "" {
		req.SetHeader("CSRF-Token", state.csrfToken)
	}
	if state.refreshToken != "" {
		req.SetHeader("Refresh-Token", state.refreshToken)
	}
	return req, nil
}

func statusError(resp *resty.Response) error {
	return statusCodeError(resp.StatusCode(), resp.Request.URL, resp.Body())
}

func statusCodeError(code int, url string, body []byte) error {
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
	}
}

// ListOptions are the list query options; zero values are omitted.
type ListOptions struct {
	Limit   int
	Offset  int
	Cursor  string
	Order   []string
	Count   bool
	Expand  []string
	Filters map[string]string
}

// ListResult is one page of records.
type ListResult struct {
	Cursor     string           `json:"cursor"`
	TotalCount *int64           `json:"total_count"`
	Records    []map[string]any `json:"records"`
}

// ListRecords fetches one page of records from the named API.
func (c *Client) ListRecords(ctx context.Context, api string, opts ListOptions) (*ListResult, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]string{}
	if opts.Limit > 0 {
		params["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Offset > 0 {
		params["offset"] = strconv.Itoa(opts.Offset)
	}
	if opts.Cursor != "" {
		params["cursor"] = opts.Cursor
	}
	if len(opts.Order) > 0 {
		params["order"] = strings.Join(opts.Order, ",")
	}
	if opts.Count {
		params["count"] = "true"
	}
	if len(opts.Expand) > 0 {
		params["expand"] = strings.Join(opts.Expand, ",")
	}
	for col, value := range opts.Filters {
		params["filter["+col+"]"] = value
	}

	var out ListResult
	resp, err := req.SetQueryParams(params).SetResult(&out).Get(recordsBase + "/" + api)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return &out, nil
}

// ReadRecord fetches a single record by id.
func (c *Client) ReadRecord(ctx context.Context, api, id string) (map[string]any, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	resp, err := req.SetResult(&out).Get(recordsBase + "/" + api + "/" + id)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return out, nil
}

// CreateRecord inserts a record and returns its id.
func (c *Client) CreateRecord(ctx context.Context, api string, record any) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := req.SetBody(record).SetResult(&out).Post(recordsBase + "/" + api)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", statusError(resp)
	}
	return out.ID, nil
}

// CreateRecords bulk-inserts records and returns all ids.
func (c *Client) CreateRecords(ctx context.Context, api string, records []any) ([]string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	resp, err := req.SetBody(records).SetResult(&out).Post(recordsBase + "/" + api)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, statusError(resp)
	}
	return out.IDs, nil
}

// UpdateRecord patches a record by id.
func (c *Client) UpdateRecord(ctx context.Context, api, id string, record any) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(record).Patch(recordsBase + "/" + api + "/" + id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return statusError(resp)
	}
	return nil
}

// DbEvent is one subscription event delivered over SSE. Exactly one field
// is set.
type DbEvent struct {
	Insert map[string]any `json:"Insert,omitempty"`
	Update map[string]any `json:"Update,omitempty"`
	Delete map[string]any `json:"Delete,omitempty"`
	Error  string         `json:"Error,omitempty"`
}

// Subscribe opens the SSE stream for one record, or for the whole table
// when id is "*". Events arrive on the returned channel until the server
// ends the stream or cancel is called; the channel is closed either way.
func (c *Client) Subscribe(ctx context.Context, api, id string) (<-chan DbEvent, func(), error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, nil, err
	}

	resp, err := req.SetDoNotParseResponse(true).
		Get(recordsBase + "/" + api + "/subscribe/" + id)
	if err != nil {
		return nil, nil, err
	}
	body := resp.RawBody()
	if resp.IsError() {
		payload, _ := io.ReadAll(body)
		_ = body.Close()
		return nil, nil, statusCodeError(resp.StatusCode(), resp.Request.URL, payload)
	}

	events := make(chan DbEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(events)
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Blank separators and keep-alive comment lines carry no data.
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev DbEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = body.Close()
		})
	}
	return events, cancel, nil
}

// DeleteRecord removes a record by id.
func (c *Client) DeleteRecord(ctx context.Context, api, id string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Delete(recordsBase + "/" + api + "/" + id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return statusError(resp)
	}
	return nil
}
