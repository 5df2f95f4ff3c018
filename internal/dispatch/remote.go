package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/policy"
)

type RemoteConfig struct {
	BaseURL     string
	Token       string
	Function    string
	SessionCap  time.Duration
	IdleTimeout time.Duration
	Log         zerolog.Logger
}

// Remote spawns the worker as an asynchronous function call on an elastic
// compute platform. Every call gets a fresh container that takes one input,
// is never kept warm and is never retried.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

type spawnRequest struct {
	Args           spawnArgs    `json:"args"`
	Options        spawnOptions `json:"options"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

type spawnArgs struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token"`
	Config  string `json:"config"`
}

type spawnOptions struct {
	TimeoutSeconds              int `json:"timeout_seconds"`
	MaxInputs                   int `json:"max_inputs"`
	KeepWarm                    int `json:"keep_warm"`
	Retries                     int `json:"retries"`
	ContainerIdleTimeoutSeconds int `json:"container_idle_timeout_seconds"`
}

type spawnResponse struct {
	CallID string `json:"call_id"`
}

func NewRemote(cfg RemoteConfig) *Remote {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Function) == "" {
		cfg.Function = "run_bot"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	return &Remote{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the transport client, for tests.
func (d *Remote) WithHTTPClient(c *http.Client) *Remote {
	d.client = c
	return d
}

func (d *Remote) Strategy() string { return StrategyRemote }

func (d *Remote) MaxSessionTime() time.Duration { return d.cfg.SessionCap }

func (d *Remote) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if err := req.validate(); err != nil {
		return Handle{}, err
	}

	payload, err := json.Marshal(spawnRequest{
		Args: spawnArgs{
			RoomURL: req.RoomURL,
			Token:   req.Token,
			Config:  req.Config,
		},
		Options: spawnOptions{
			TimeoutSeconds:              ceilSeconds(d.cfg.SessionCap),
			MaxInputs:                   1,
			KeepWarm:                    0,
			Retries:                     0,
			ContainerIdleTimeoutSeconds: ceilSeconds(d.cfg.IdleTimeout),
		},
		IdempotencyKey: req.SessionID,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("marshal spawn request: %w", err)
	}

	endpoint := d.cfg.BaseURL + "/v1/functions/" + url.PathEscape(d.cfg.Function) + "/spawn"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Handle{}, fmt.Errorf("create spawn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	res, err := d.client.Do(httpReq)
	if err != nil {
		return Handle{}, fmt.Errorf("send spawn request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Handle{}, fmt.Errorf("compute spawn status %d: %s", res.StatusCode, policy.Redact(strings.TrimSpace(string(body))))
	}

	var out spawnResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&out); err != nil {
		return Handle{}, fmt.Errorf("decode spawn response: %w", err)
	}
	if strings.TrimSpace(out.CallID) == "" {
		return Handle{}, errors.New("compute spawn returned no call id")
	}

	d.cfg.Log.Info().
		Str("session_id", req.SessionID).
		Str("call_id", out.CallID).
		Str("function", d.cfg.Function).
		Msg("worker spawned")
	return Handle{Strategy: StrategyRemote, ID: out.CallID}, nil
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
