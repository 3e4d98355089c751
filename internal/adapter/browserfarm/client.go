// Package browserfarm is the HTTP client for the external browser-farm
// service that hosts one isolated browser window per publishing profile.
//
// The engine only ever talks to the farm through this client; a circuit
// breaker fails fast when the farm endpoint is down so workers do not queue
// up behind connection timeouts.
package browserfarm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/upload-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// Client implements domain.BrowserFarm over the farm's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *observability.CircuitBreaker
}

// New constructs a Client for the given base URL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: observability.NewCircuitBreaker("browser_farm", 5, 30*time.Second),
	}
}

type windowPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DebugEndpoint string `json:"debug_endpoint"`
}

type listResponse struct {
	Windows []windowPayload `json:"windows"`
}

type loginResponse struct {
	LoggedIn bool `json:"logged_in"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	call := func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("farm %s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("farm %s %s: status %d", method, path, resp.StatusCode))
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("farm decode: %w", err))
		}
		return nil
	}
	return c.breaker.Call(func() error {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		return backoff.Retry(call, bo)
	})
}

// ListWindows enumerates live windows.
func (c *Client) ListWindows(ctx domain.Context) ([]domain.FarmWindow, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/windows", nil, &resp); err != nil {
		return nil, fmt.Errorf("op=farm.list: %w", err)
	}
	out := make([]domain.FarmWindow, 0, len(resp.Windows))
	for _, w := range resp.Windows {
		out = append(out, domain.FarmWindow{ID: w.ID, Name: w.Name, DebugEndpoint: w.DebugEndpoint})
	}
	return out, nil
}

// OpenByName opens (or reuses) the window configured for the named profile.
func (c *Client) OpenByName(ctx domain.Context, name string) (domain.FarmWindow, error) {
	var w windowPayload
	q := url.Values{"name": {name}}
	if err := c.do(ctx, http.MethodPost, "/api/v1/windows/open", q, &w); err != nil {
		return domain.FarmWindow{}, fmt.Errorf("op=farm.open: %w", err)
	}
	return domain.FarmWindow{ID: w.ID, Name: w.Name, DebugEndpoint: w.DebugEndpoint}, nil
}

// Close shuts a window down.
func (c *Client) Close(ctx domain.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/windows/"+url.PathEscape(id)+"/close", nil, nil); err != nil {
		return fmt.Errorf("op=farm.close: %w", err)
	}
	return nil
}

// CheckLogin probes whether the window's profile session is still valid.
func (c *Client) CheckLogin(ctx domain.Context, id string) (bool, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/windows/"+url.PathEscape(id)+"/login-status", nil, &resp); err != nil {
		return false, fmt.Errorf("op=farm.check_login: %w", err)
	}
	return resp.LoggedIn, nil
}

var _ domain.BrowserFarm = (*Client)(nil)
