package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const DefaultAPIVersion = "59.0"

// RefreshFunc is called after the client refreshed its session on its own,
// with the new token and the instance URL it is bound to from now on.
type RefreshFunc func(ctx context.Context, token *oauth2.Token, instanceURL string)

type Options struct {
	InstanceURL string
	Token       *oauth2.Token
	OAuth       *oauth2.Config // used for refresh-token grants
	APIVersion  string
	HTTPClient  *http.Client
	OnRefresh   RefreshFunc
	Logger      *zap.Logger
}

// Client talks to the Salesforce REST API on behalf of one user.
type Client struct {
	apiVersion string
	httpClient *http.Client
	oauth      *oauth2.Config
	onRefresh  RefreshFunc
	logger     *zap.Logger

	mu          sync.RWMutex
	instanceURL string
	token       *oauth2.Token

	refreshMu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Token == nil {
		opts.Token = &oauth2.Token{}
	}
	return &Client{
		apiVersion:  strings.TrimPrefix(opts.APIVersion, "v"),
		httpClient:  opts.HTTPClient,
		oauth:       opts.OAuth,
		onRefresh:   opts.OnRefresh,
		logger:      opts.Logger.Named("salesforce"),
		instanceURL: strings.TrimRight(opts.InstanceURL, "/"),
		token:       opts.Token,
	}
}

// InstanceURL returns the org URL the client currently talks to.
func (c *Client) InstanceURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceURL
}

// AccessToken returns the current session token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.AccessToken
}

// Identity describes the user behind the session token.
type Identity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Username       string `json:"preferred_username"`
	Email          string `json:"email"`
}

// Identity probes the session. It never refreshes: a rejected token is
// reported to the caller as an *APIError with status 401.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	status, body, _, err := c.send(ctx, http.MethodGet, "/services/oauth2/userinfo", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, parseAPIError(status, body)
	}

	var ident Identity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	if ident.UserID == "" {
		return nil, fmt.Errorf("identity response has no user id")
	}
	return &ident, nil
}

// Refresh exchanges the refresh token for a new session and rebinds the
// client to it. It does not call OnRefresh.
func (c *Client) Refresh(ctx context.Context) (*oauth2.Token, string, error) {
	if c.oauth == nil {
		return nil, "", fmt.Errorf("no OAuth configuration for refresh")
	}

	c.mu.RLock()
	refreshToken := c.token.RefreshToken
	c.mu.RUnlock()
	if refreshToken == "" {
		return nil, "", fmt.Errorf("no refresh token")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, "", fmt.Errorf("refresh token grant: %w", err)
	}

	instanceURL, _ := tok.Extra("instance_url").(string)

	c.mu.Lock()
	if instanceURL != "" {
		c.instanceURL = strings.TrimRight(instanceURL, "/")
	}
	c.token = tok
	instanceURL = c.instanceURL
	c.mu.Unlock()

	return tok, instanceURL, nil
}

// refreshAfterReject refreshes once for a request rejected with stale, unless
// a concurrent request already did.
func (c *Client) refreshAfterReject(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.AccessToken() != stale {
		return nil
	}

	c.logger.Info("session rejected, refreshing")
	tok, instanceURL, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	if c.onRefresh != nil {
		c.onRefresh(ctx, tok, instanceURL)
	}
	return nil
}

func (c *Client) canRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.oauth != nil && c.token.RefreshToken != ""
}

func (c *Client) dataPath(format string, args ...any) string {
	return fmt.Sprintf("/services/data/v%s", c.apiVersion) + fmt.Sprintf(format, args...)
}

// send performs one request and returns the status, body and the access
// token it was sent with.
func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, string, error) {
	c.mu.RLock()
	base := c.instanceURL
	token := c.token.AccessToken
	c.mu.RUnlock()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		return 0, nil, token, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, token, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, token, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, token, nil
}

// do sends a request, refreshing the session and retrying once on 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	status, body, used, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.canRefresh() {
		if rerr := c.refreshAfterReject(ctx, used); rerr != nil {
			c.logger.Warn("session refresh failed", zap.Error(rerr))
			return parseAPIError(status, body)
		}
		status, body, _, err = c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
	}

	if status < 200 || status >= 300 {
		return parseAPIError(status, body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Query runs a SOQL query and decodes all records into out, which must be a
// pointer to a slice. Further batches are followed via nextRecordsUrl.
func (c *Client) Query(ctx context.Context, soql string, out any) error {
	path := c.dataPath("/query?q=%s", url.QueryEscape(soql))
	c.logger.Debug("query", zap.String("soql", soql))

	var records []json.RawMessage
	for path != "" {
		var page struct {
			Done           bool              `json:"done"`
			NextRecordsURL string            `json:"nextRecordsUrl"`
			Records        []json.RawMessage `json:"records"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return err
		}
		records = append(records, page.Records...)
		path = ""
		if !page.Done {
			path = page.NextRecordsURL
		}
	}
	return decodeRecords(records, out)
}

// Search runs a SOSL search and decodes the matches into out.
func (c *Client) Search(ctx context.Context, sosl string, out any) error {
	path := c.dataPath("/search?q=%s", url.QueryEscape(sosl))
	c.logger.Debug("search", zap.String("sosl", sosl))

	var result struct {
		SearchRecords []json.RawMessage `json:"searchRecords"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return err
	}
	return decodeRecords(result.SearchRecords, out)
}

func decodeRecords(records []json.RawMessage, out any) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal records: %w", err)
	}
	return nil
}

// SaveResult is the response of an sObject create.
type SaveResult struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Errors  []SaveError `json:"errors"`
}

type SaveError struct {
	StatusCode string   `json:"statusCode"`
	Message    string   `json:"message"`
	Fields     []string `json:"fields"`
}

// Err returns nil for a successful save and a descriptive error otherwise.
func (r *SaveResult) Err() error {
	if r.Success && r.ID != "" {
		return nil
	}
	if len(r.Errors) == 0 {
		return fmt.Errorf("save was not successful")
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.StatusCode, e.Message))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

// Create inserts a record of the given sObject type.
func (c *Client) Create(ctx context.Context, object string, fields map[string]any) (*SaveResult, error) {
	var result SaveResult
	if err := c.do(ctx, http.MethodPost, c.dataPath("/sobjects/%s", object), fields, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Retrieve reads one record by id. An empty field list returns all fields.
func (c *Client) Retrieve(ctx context.Context, object, id string, fields []string, out any) error {
	path := c.dataPath("/sobjects/%s/%s", object, url.PathEscape(id))
	if len(fields) > 0 {
		path += "?fields=" + url.QueryEscape(strings.Join(fields, ","))
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Update applies a partial update to one record.
func (c *Client) Update(ctx context.Context, object, id string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, c.dataPath("/sobjects/%s/%s", object, url.PathEscape(id)), fields, nil)
}

// Limit is one entry of the org limits resource.
type Limit struct {
	Max       int `json:"Max"`
	Remaining int `json:"Remaining"`
}

// Limits returns the org's API limits keyed by limit name.
func (c *Client) Limits(ctx context.Context) (map[string]Limit, error) {
	var limits map[string]Limit
	if err := c.do(ctx, http.MethodGet, c.dataPath("/limits"), nil, &limits); err != nil {
		return nil, err
	}
	return limits, nil
}
