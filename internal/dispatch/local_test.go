package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agentrunner/internal/botconfig"
)

// TestHelperProcess is not a real test. It is the worker re-executed by the
// local dispatcher tests; it records its -u/-t/-c arguments to HELPER_OUT.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}

	got := map[string]string{}
	for i := 0; i+1 < len(args); i += 2 {
		got[strings.TrimPrefix(args[i], "-")] = args[i+1]
	}
	if pidFile := os.Getenv("HELPER_PIDFILE"); pidFile != "" {
		_ = os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600)
	}
	if os.Getenv("HELPER_MODE") == "sleep" {
		time.Sleep(time.Minute)
	}
	b, _ := json.Marshal(got)
	if err := os.WriteFile(os.Getenv("HELPER_OUT"), b, 0o600); err != nil {
		os.Exit(3)
	}
	os.Exit(0)
}

type exitResult struct {
	sessionID string
	err       error
}

func newHelperLocal(t *testing.T, useShell bool, sessionCap time.Duration, extraEnv ...string) (*Local, string, chan exitResult) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "args.json")

	command := os.Args[0] + " -test.run=TestHelperProcess --"
	if useShell {
		command = ShellQuote(os.Args[0]) + " -test.run=TestHelperProcess --"
	}
	exits := make(chan exitResult, 1)
	d := NewLocal(LocalConfig{
		Command:    command,
		UseShell:   useShell,
		SessionCap: sessionCap,
		KillGrace:  time.Second,
		Env:        append([]string{"GO_WANT_HELPER_PROCESS=1", "HELPER_OUT=" + out}, extraEnv...),
		OnExit: func(sessionID string, err error) {
			exits <- exitResult{sessionID: sessionID, err: err}
		},
		Log: zerolog.Nop(),
	})
	return d, out, exits
}

func quotedConfig(t *testing.T) (botconfig.Config, string) {
	t.Helper()
	cfg, err := botconfig.ParseString(`{
		"llm": {"model": "llama3", "messages": [{"role": "system", "content": "it's \"quoted\""}]},
		"tts": {"voice": "o'brien"}
	}`)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	encoded, err := cfg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return cfg, encoded
}

func TestLocalDispatchRoundTripsConfig(t *testing.T) {
	for _, useShell := range []bool{false, true} {
		if useShell {
			if _, err := os.Stat("/bin/sh"); err != nil {
				t.Logf("skipping shell mode: %v", err)
				continue
			}
		}

		d, out, exits := newHelperLocal(t, useShell, time.Minute)
		want, encoded := quotedConfig(t)

		h, err := d.Dispatch(context.Background(), Request{
			SessionID: "s1",
			RoomURL:   "https://rtvi.daily.co/quiet-fox",
			Token:     "bot'token",
			Config:    encoded,
		})
		if err != nil {
			t.Fatalf("shell=%v: Dispatch() error = %v", useShell, err)
		}
		if h.Strategy != StrategyLocal || h.ID == "" {
			t.Fatalf("shell=%v: handle = %+v", useShell, h)
		}

		select {
		case res := <-exits:
			if res.err != nil || res.sessionID != "s1" {
				t.Fatalf("shell=%v: exit = %+v", useShell, res)
			}
		case <-time.After(30 * time.Second):
			t.Fatalf("shell=%v: worker did not exit", useShell)
		}

		raw, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("shell=%v: read helper output: %v", useShell, err)
		}
		var args map[string]string
		if err := json.Unmarshal(raw, &args); err != nil {
			t.Fatalf("shell=%v: decode helper output: %v", useShell, err)
		}
		if args["u"] != "https://rtvi.daily.co/quiet-fox" || args["t"] != "bot'token" {
			t.Fatalf("shell=%v: args = %v", useShell, args)
		}
		if args["c"] != encoded {
			t.Fatalf("shell=%v: config arg = %q, want %q", useShell, args["c"], encoded)
		}
		got, err := botconfig.ParseString(args["c"])
		if err != nil {
			t.Fatalf("shell=%v: worker ParseString() error = %v", useShell, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("shell=%v: worker config = %+v, want %+v", useShell, got, want)
		}
	}
}

func TestLocalDispatchStopsWorkerAtSessionCap(t *testing.T) {
	d, _, exits := newHelperLocal(t, false, 200*time.Millisecond, "HELPER_MODE=sleep")
	_, encoded := quotedConfig(t)

	start := time.Now()
	if _, err := d.Dispatch(context.Background(), Request{
		SessionID: "s2",
		RoomURL:   "https://rtvi.daily.co/r",
		Token:     "tok",
		Config:    encoded,
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	select {
	case res := <-exits:
		if res.err == nil {
			t.Fatalf("exit error = nil, want a signal exit")
		}
		if elapsed := time.Since(start); elapsed > 20*time.Second {
			t.Fatalf("worker ran %v past a 200ms cap", elapsed)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("worker was not stopped at the session cap")
	}
}

func TestLocalDispatchSpawnFailure(t *testing.T) {
	d := NewLocal(LocalConfig{
		Command:    filepath.Join(t.TempDir(), "does-not-exist"),
		SessionCap: time.Minute,
		Log:        zerolog.Nop(),
	})
	_, err := d.Dispatch(context.Background(), Request{RoomURL: "https://x/r", Token: "t", Config: "{}"})
	if err == nil {
		t.Fatalf("Dispatch() expected error for a missing binary")
	}
}

func TestLocalDispatchRequiresTriple(t *testing.T) {
	d := NewLocal(LocalConfig{Command: "agentbot", SessionCap: time.Minute, Log: zerolog.Nop()})
	_, err := d.Dispatch(context.Background(), Request{RoomURL: "https://x/r", Config: "{}"})
	if err == nil {
		t.Fatalf("Dispatch() expected error without a token")
	}
}

// processGone reports whether pid has exited. A zombie waiting for its
// reaper counts as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] == 'Z'
	}
	return false
}

func TestLocalDispatchCapStopsCompoundShellCommand(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "worker.pid")
	exits := make(chan exitResult, 1)
	d := NewLocal(LocalConfig{
		// The shell cannot exec the worker here, so it stays the group leader.
		Command:    "true && " + ShellQuote(os.Args[0]) + " -test.run=TestHelperProcess --",
		UseShell:   true,
		SessionCap: 3 * time.Second,
		KillGrace:  300 * time.Millisecond,
		Env: []string{
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_MODE=sleep",
			"HELPER_OUT=" + filepath.Join(dir, "args.json"),
			"HELPER_PIDFILE=" + pidFile,
		},
		OnExit: func(sessionID string, err error) {
			exits <- exitResult{sessionID: sessionID, err: err}
		},
		Log: zerolog.Nop(),
	})
	_, encoded := quotedConfig(t)
	if _, err := d.Dispatch(context.Background(), Request{
		SessionID: "s3",
		RoomURL:   "https://rtvi.daily.co/r",
		Token:     "tok",
		Config:    encoded,
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var workerPID int
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); time.Sleep(20 * time.Millisecond) {
		raw, err := os.ReadFile(pidFile)
		if err == nil && len(raw) > 0 {
			workerPID, _ = strconv.Atoi(string(raw))
			break
		}
	}
	if workerPID == 0 {
		t.Fatalf("worker never reported its pid before the cap")
	}

	select {
	case res := <-exits:
		if res.sessionID != "s3" {
			t.Fatalf("exit session = %q, want s3", res.sessionID)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("exit hook did not fire after the session cap")
	}
	if !processGone(workerPID) {
		t.Fatalf("worker pid %d still alive after the exit hook", workerPID)
	}
}
