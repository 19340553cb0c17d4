package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"parley/internal/api"
	"parley/internal/models"
)

// HTTPError is returned for any response with a 4xx or 5xx status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// REST talks to the HTTP endpoints of the hub.
type REST struct {
	baseURL    string
	httpClient *http.Client
}

func NewREST(baseURL string) *REST {
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// History fetches the page of room messages older than before. A zero before
// fetches the newest page.
func (c *REST) History(ctx context.Context, room string, before time.Time, limit int) (*api.Page, error) {
	params := url.Values{}
	if !before.IsZero() {
		params.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var page api.Page
	path := "/api/messages/" + url.PathEscape(room)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	if err := c.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("client.History: %w", err)
	}
	return &page, nil
}

func (c *REST) Search(ctx context.Context, room, query string) ([]models.Message, error) {
	params := url.Values{}
	params.Set("q", query)

	var hits []models.Message
	if err := c.get(ctx, "/api/messages/"+url.PathEscape(room)+"/search?"+params.Encode(), &hits); err != nil {
		return nil, fmt.Errorf("client.Search: %w", err)
	}
	return hits, nil
}

func (c *REST) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.get(ctx, "/api/users", &users); err != nil {
		return nil, fmt.Errorf("client.Users: %w", err)
	}
	return users, nil
}

func (c *REST) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	if err := c.get(ctx, "/api/rooms", &rooms); err != nil {
		return nil, fmt.Errorf("client.Rooms: %w", err)
	}
	return rooms, nil
}

// Stats reads the admin listener; baseURL must point at it.
func (c *REST) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var stats api.StatsResponse
	if err := c.get(ctx, "/admin/stats", &stats); err != nil {
		return nil, fmt.Errorf("client.Stats: %w", err)
	}
	return &stats, nil
}

func (c *REST) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
