// Package retrieval is the HTTP client for the external memory service:
// authenticated search plus the unauthenticated best-effort capture
// notification the content agent fires on send detection.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agenticmem/membridge/internal/core"
)

const (
	retrievePath = "/api/memories/retrieve/"
	processPath  = "/api/memories/process-memory/"
	listPath     = "/api/memories/list/"
	addPath      = "/api/memories/add/"
)

// Doer issues authenticated requests; the session manager implements it.
type Doer interface {
	NewRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
}

// HTTPError is a non-2xx response from the retrieval service.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("retrieval service returned status %d", e.Status)
}

// Client talks to the memory service. Auth is required for the retrieval and
// management calls; ProcessCapture deliberately goes out unauthenticated, as
// a background capture that must work regardless of session state.
type Client struct {
	BaseURL string
	Auth    Doer
	HTTP    *http.Client
}

// NewClient creates a retrieval client against baseURL.
func NewClient(baseURL string, auth Doer) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Auth:    auth,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Search runs a similarity search for query, returning at most limit results.
// Session manager failures propagate verbatim.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]core.Memory, error) {
	params := url.Values{"q": {query}}
	if limit > 0 {
		params.Set("top_k", strconv.Itoa(limit))
	}

	req, err := c.Auth.NewRequest(ctx, http.MethodGet, retrievePath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Auth.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	var memories []core.Memory
	if err := json.NewDecoder(resp.Body).Decode(&memories); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	return memories, nil
}

// List fetches recent memories for the management surface.
func (c *Client) List(ctx context.Context, limit int) ([]core.Memory, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	req, err := c.Auth.NewRequest(ctx, http.MethodGet, listPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Auth.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Status: resp.StatusCode}
	}

	var memories []core.Memory
	if err := json.NewDecoder(resp.Body).Decode(&memories); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return memories, nil
}

// Add stores a memory directly.
func (c *Client) Add(ctx context.Context, title, content string) (core.Memory, error) {
	body, err := json.Marshal(map[string]string{"title": title, "content": content})
	if err != nil {
		return core.Memory{}, err
	}

	req, err := c.Auth.NewRequest(ctx, http.MethodPost, addPath, bytes.NewReader(body))
	if err != nil {
		return core.Memory{}, err
	}

	resp, err := c.Auth.Do(req)
	if err != nil {
		return core.Memory{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.Memory{}, &HTTPError{Status: resp.StatusCode}
	}

	var memory core.Memory
	if err := json.NewDecoder(resp.Body).Decode(&memory); err != nil {
		return core.Memory{}, fmt.Errorf("decode add response: %w", err)
	}
	return memory, nil
}

// ProcessCapture forwards a captured conversational snippet. Callers treat
// failure as loggable only; the notifier owns retries.
func (c *Client) ProcessCapture(ctx context.Context, message, userID string) error {
	payload := map[string]string{"message": message}
	if userID != "" {
		payload["user_id"] = userID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("process capture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}
