package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type LocalConfig struct {
	// Command is the worker entry point. In argv mode it is split on
	// whitespace; in shell mode it is handed to sh verbatim.
	Command    string
	WorkDir    string
	UseShell   bool
	SessionCap time.Duration
	KillGrace  time.Duration
	Env        []string
	OnExit     ExitHook
	Log        zerolog.Logger
}

const groupPollInterval = 50 * time.Millisecond

// Local starts the worker as a child process in its own process group. The
// worker outlives the request that dispatched it. At the session cap the
// whole group gets SIGTERM, then SIGKILL after KillGrace.
type Local struct {
	cfg LocalConfig
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	return &Local{cfg: cfg}
}

func (d *Local) Strategy() string { return StrategyLocal }

func (d *Local) MaxSessionTime() time.Duration { return d.cfg.SessionCap }

func (d *Local) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if err := req.validate(); err != nil {
		return Handle{}, err
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), d.cfg.SessionCap)
	var termAt atomic.Int64
	cmd, err := d.command(runCtx, req, &termAt)
	if err != nil {
		cancel()
		return Handle{}, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return Handle{}, fmt.Errorf("start worker: %w", err)
	}

	pid := cmd.Process.Pid
	log := d.cfg.Log.With().Str("session_id", req.SessionID).Int("pid", pid).Logger()
	log.Info().Msg("worker started")

	go func() {
		defer cancel()
		err := cmd.Wait()
		capped := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		if killed := d.reapGroup(pid, termAt.Load()); killed {
			log.Warn().Msg("worker process group killed")
		}
		if capped {
			log.Warn().Err(err).Dur("cap", d.cfg.SessionCap).Msg("worker stopped at session cap")
		} else if err != nil {
			log.Warn().Err(err).Msg("worker exited with error")
		} else {
			log.Info().Msg("worker exited")
		}

		if d.cfg.OnExit != nil {
			d.cfg.OnExit(req.SessionID, err)
		}
	}()

	return Handle{Strategy: StrategyLocal, ID: strconv.Itoa(pid)}, nil
}

func (d *Local) command(ctx context.Context, req Request, termAt *atomic.Int64) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if d.cfg.UseShell {
		line := strings.TrimSpace(d.cfg.Command) +
			" -u " + ShellQuote(req.RoomURL) +
			" -t " + ShellQuote(req.Token) +
			" -c " + ShellQuote(req.Config)
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	} else {
		parts := strings.Fields(d.cfg.Command)
		if len(parts) == 0 {
			return nil, errors.New("bot command is empty")
		}
		args := append(parts[1:], "-u", req.RoomURL, "-t", req.Token, "-c", req.Config)
		cmd = exec.CommandContext(ctx, parts[0], args...)
	}

	cmd.Dir = d.cfg.WorkDir
	if len(d.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), d.cfg.Env...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		termAt.Store(time.Now().UnixNano())
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = d.cfg.KillGrace
	return cmd, nil
}

// reapGroup runs after the group leader has been waited for. Members still
// alive get SIGTERM unless the cap already sent it, and SIGKILL once
// KillGrace has passed since that SIGTERM. It reports whether SIGKILL was
// needed.
func (d *Local) reapGroup(pgid int, termAtNanos int64) bool {
	if !groupAlive(pgid) {
		return false
	}
	termAt := time.Unix(0, termAtNanos)
	if termAtNanos == 0 {
		termAt = time.Now()
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}
	deadline := termAt.Add(d.cfg.KillGrace)
	for time.Now().Before(deadline) {
		time.Sleep(groupPollInterval)
		if !groupAlive(pgid) {
			return false
		}
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	for i := 0; i < 20 && groupAlive(pgid); i++ {
		time.Sleep(groupPollInterval)
	}
	return true
}

func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}
