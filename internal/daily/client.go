package daily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("room not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("daily %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("daily %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the Daily REST API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) CreateRoom(ctx context.Context, props RoomProperties) (Room, error) {
	var room Room
	if err := c.do(ctx, "create room", http.MethodPost, "/rooms", createRoomRequest{Properties: props}, &room); err != nil {
		return Room{}, err
	}
	if room.URL == "" {
		return Room{}, errors.New("daily create room: response missing url")
	}
	return room, nil
}

func (c *Client) GetRoom(ctx context.Context, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, fmt.Errorf("%w: empty room name", ErrNotFound)
	}
	var room Room
	err := c.do(ctx, "get room", http.MethodGet, "/rooms/"+url.PathEscape(name), nil, &room)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return Room{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Room{}, err
	}
	return room, nil
}

// GetRoomFromURL resolves a room from its join URL.
func (c *Client) GetRoomFromURL(ctx context.Context, roomURL string) (Room, error) {
	name, err := RoomNameFromURL(roomURL)
	if err != nil {
		return Room{}, err
	}
	return c.GetRoom(ctx, name)
}

// GetToken mints a meeting token for the room behind req.RoomURL.
func (c *Client) GetToken(ctx context.Context, req TokenRequest) (string, error) {
	name, err := RoomNameFromURL(req.RoomURL)
	if err != nil {
		return "", err
	}
	body := tokenRequestBody{Properties: tokenProperties{
		RoomName: name,
		IsOwner:  req.Owner,
		Exp:      req.Expiry.Unix(),
		UserName: req.UserName,
	}}
	var res tokenResponse
	if err := c.do(ctx, "get token", http.MethodPost, "/meeting-tokens", body, &res); err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Token) == "" {
		return "", errors.New("daily get token: response missing token")
	}
	return res.Token, nil
}

// RoomNameFromURL returns the last path segment of a room URL.
func RoomNameFromURL(roomURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(roomURL))
	if err != nil {
		return "", fmt.Errorf("parse room url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("room url %q has no host", roomURL)
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("room url %q has no room name", roomURL)
	}
	return name, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("daily %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("daily %s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daily %s: send request: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Op: op, Status: res.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("daily %s: decode response: %w", op, err)
	}
	return nil
}
