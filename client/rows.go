// Package client talks to the board server: row CRUD over HTTP and the change
// feed over a websocket.
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
	"strings"
	"time"

	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

// StatusError is returned for responses that map to no sentinel error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

// Client is an HTTP client for the row API.
type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient gets a
// client with a 15 second timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, http: httpClient}, nil
}

// Backend returns the server tables as a realtime backend.
func (c *Client) Backend() realtime.Backend {
	return realtime.Backend{
		Boards:     Rows[models.Board, models.BoardPatch]{c: c, table: models.TableBoards},
		Columns:    Rows[models.Column, models.ColumnPatch]{c: c, table: models.TableColumns},
		Cards:      Rows[models.Card, models.CardPatch]{c: c, table: models.TableCards},
		Labels:     Rows[models.Label, models.LabelPatch]{c: c, table: models.TableLabels},
		CardLabels: Rows[models.CardLabel, models.CardLabelPatch]{c: c, table: models.TableCardLabels},
	}
}

// FeedURL returns the websocket URL of the change feed.
func (c *Client) FeedURL() string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path += "/api/realtime"
	return u.String()
}

// Snapshot loads a whole board in one request.
func (c *Client) Snapshot(ctx context.Context, boardID string) (models.Snapshot, error) {
	var snap models.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/boards/"+url.PathEscape(boardID)+"/snapshot", nil, nil, &snap)
	return snap, err
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var env envelope
	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	switch {
	case res.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", env.Error, realtime.ErrInvalid)
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, realtime.ErrNotFound)
	case res.StatusCode >= 300:
		return &StatusError{Code: res.StatusCode, Message: env.Error}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Rows is one server table.
type Rows[R realtime.Row, P any] struct {
	c     *Client
	table models.Table
}

func (t Rows[R, P]) path(parts ...string) string {
	p := "/api/" + string(t.table)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (t Rows[R, P]) Select(ctx context.Context, filter models.Filter) ([]R, error) {
	q := url.Values{}
	if filter.ID != "" {
		q.Set("id", filter.ID)
	}
	if filter.BoardID != "" {
		q.Set("board_id", filter.BoardID)
	}
	var rows []R
	if err := t.c.do(ctx, http.MethodGet, t.path(), q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (t Rows[R, P]) Insert(ctx context.Context, row R) (R, error) {
	var out R
	err := t.c.do(ctx, http.MethodPost, t.path(), nil, row, &out)
	return out, err
}

func (t Rows[R, P]) Update(ctx context.Context, id string, patch P) (R, error) {
	var out R
	if id == "" {
		return out, errors.New("update needs a row id")
	}
	err := t.c.do(ctx, http.MethodPatch, t.path(id), nil, patch, &out)
	return out, err
}

func (t Rows[R, P]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("delete needs a row id")
	}
	return t.c.do(ctx, http.MethodDelete, t.path(id), nil, nil, nil)
}

func (t Rows[R, P]) BulkUpsert(ctx context.Context, placements []models.Placement) error {
	if len(placements) == 0 {
		return nil
	}
	return t.c.do(ctx, http.MethodPut, t.path("positions"), nil, placements, nil)
}
