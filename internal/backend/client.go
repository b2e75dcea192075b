package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ChamsBouzaiene/ragline/internal/auth"
)

// Client talks to the job-processing backend over its REST contract. It is
// safe for concurrent use: poll loops and range uploads share one instance.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	authHeader     func() map[string]string
	onUnauthorized func()
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Large uploads rely on
// the transport's own timeouts, so the default client has none.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthHeader supplies the bearer-header provider. A nil header map means
// the request goes out unauthenticated.
func WithAuthHeader(fn func() map[string]string) ClientOption {
	return func(c *Client) { c.authHeader = fn }
}

// WithUnauthorizedHook registers the global auth-invalidated side effect,
// invoked on any 401 response regardless of which operation triggered it.
func WithUnauthorizedHook(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// errorBody is the FastAPI-style error payload.
type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// send executes a request, maps transport and status failures onto the error
// taxonomy and decodes a 2xx JSON body into out (when out is non-nil).
func (c *Client) send(req *http.Request, out any) error {
	if c.authHeader != nil {
		for k, v := range c.authHeader() {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(body, &eb); err != nil || eb.Detail == "" {
			eb.Detail = strings.TrimSpace(string(body))
		}
		return &ServerError{Status: resp.StatusCode, Message: eb.Detail}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.send(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, query), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// Login authenticates with username/password and returns the token response.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.TokenResponse, error) {
	var tr auth.TokenResponse
	payload := map[string]string{"username": username, "password": password}
	if err := c.postJSON(ctx, "/login", nil, payload, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Register creates an account and returns the token response.
func (c *Client) Register(ctx context.Context, username, email, password string) (*auth.TokenResponse, error) {
	var tr auth.TokenResponse
	payload := map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}
	if err := c.postJSON(ctx, "/register", nil, payload, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// DocumentInfo describes one ingested document as listed by the backend.
type DocumentInfo struct {
	Filename     string `json:"filename"`
	DocumentType string `json:"document_type"`
	Chunks       int    `json:"chunks"`
}

type documentListResponse struct {
	Status    string         `json:"status"`
	Documents []DocumentInfo `json:"documents"`
}

// ListDocuments returns the authenticated user's ingested documents.
func (c *Client) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	var resp documentListResponse
	if err := c.getJSON(ctx, "/documents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// DeleteDocument removes every chunk of one ingested document.
func (c *Client) DeleteDocument(ctx context.Context, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint("/documents/"+url.PathEscape(filename), nil), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.send(req, nil)
}
