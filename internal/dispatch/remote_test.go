package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRemoteDispatchSendsSingleUseOptions(t *testing.T) {
	var gotPath, gotAuth string
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"call_id":"fc-123"}`))
	}))
	defer ts.Close()

	d := NewRemote(RemoteConfig{
		BaseURL:    ts.URL + "/",
		Token:      "compute-secret",
		SessionCap: 5 * time.Minute,
		Log:        zerolog.Nop(),
	})
	h, err := d.Dispatch(context.Background(), Request{
		SessionID: "s1",
		RoomURL:   "https://rtvi.daily.co/r",
		Token:     "bot-token",
		Config:    `{"tts":{"voice":"it's"}}`,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.Strategy != StrategyRemote || h.ID != "fc-123" {
		t.Fatalf("handle = %+v", h)
	}
	if gotPath != "/v1/functions/run_bot/spawn" {
		t.Fatalf("path = %q, want %q", gotPath, "/v1/functions/run_bot/spawn")
	}
	if gotAuth != "Bearer compute-secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	args, _ := got["args"].(map[string]any)
	if args["room_url"] != "https://rtvi.daily.co/r" || args["token"] != "bot-token" || args["config"] != `{"tts":{"voice":"it's"}}` {
		t.Fatalf("args = %v", args)
	}
	opts, _ := got["options"].(map[string]any)
	want := map[string]float64{
		"timeout_seconds":                300,
		"max_inputs":                     1,
		"keep_warm":                      0,
		"retries":                        0,
		"container_idle_timeout_seconds": 2,
	}
	for k, v := range want {
		gotV, ok := opts[k].(float64)
		if !ok || gotV != v {
			t.Fatalf("options[%s] = %v, want %v", k, opts[k], v)
		}
	}
	if got["idempotency_key"] != "s1" {
		t.Fatalf("idempotency_key = %v, want s1", got["idempotency_key"])
	}
}

func TestRemoteDispatchRejected(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	d := NewRemote(RemoteConfig{BaseURL: ts.URL, SessionCap: time.Minute, Log: zerolog.Nop()})
	_, err := d.Dispatch(context.Background(), Request{RoomURL: "https://x/r", Token: "t", Config: "{}"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Dispatch() error = %v, want status 503", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", calls)
	}
}

func TestRemoteDispatchRequiresCallID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	d := NewRemote(RemoteConfig{BaseURL: ts.URL, SessionCap: time.Minute, Log: zerolog.Nop()})
	if _, err := d.Dispatch(context.Background(), Request{RoomURL: "https://x/r", Token: "t", Config: "{}"}); err == nil {
		t.Fatalf("Dispatch() expected error without call id")
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	cases := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{MaxSessionTime: time.Minute, Command: "agentbot"}, StrategyLocal, false},
		{Config{Mode: "REMOTE", MaxSessionTime: time.Minute, ComputeURL: "https://compute"}, StrategyRemote, false},
		{Config{Mode: "mock", MaxSessionTime: time.Minute}, StrategyMock, false},
		{Config{Mode: "remote", MaxSessionTime: time.Minute}, "", true},
		{Config{Mode: "local", MaxSessionTime: time.Minute}, "", true},
		{Config{Mode: "mock"}, "", true},
		{Config{Mode: "k8s", MaxSessionTime: time.Minute}, "", true},
	}
	for _, tc := range cases {
		d, err := New(tc.cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("New(%+v) error = %v, wantErr %v", tc.cfg, err, tc.wantErr)
		}
		if err == nil && d.Strategy() != tc.want {
			t.Fatalf("New(%+v).Strategy() = %q, want %q", tc.cfg, d.Strategy(), tc.want)
		}
	}
}
