package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/treykane/iap-tunnel/internal/util"
)

// processRunning reports whether pid names a live process. It only inspects
// the process table; nothing is signalled. Zombies count as dead because a
// reaped-later child no longer holds the forward.
func processRunning(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Gone between the two calls, or not inspectable; existence is what we saw.
		return !errors.Is(err, process.ErrorProcessNotRunning)
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// signalStrategy is one way of delivering a signal. Strategies are tried in
// order until one succeeds; each may fail without consequence.
type signalStrategy struct {
	name string
	send func(pid int, sig unix.Signal) error
}

var signalStrategies = []signalStrategy{
	{name: "process-group", send: func(pid int, sig unix.Signal) error { return unix.Kill(-pid, sig) }},
	{name: "process", send: func(pid int, sig unix.Signal) error { return unix.Kill(pid, sig) }},
}

// deliverSignal reports whether any strategy delivered sig. False means the
// process is already gone or cannot be signalled, which callers treat as
// nothing left to do.
func deliverSignal(pid int, sig unix.Signal) bool {
	if pid <= 1 || pid == os.Getpid() {
		return false
	}
	for _, strategy := range signalStrategies {
		err := strategy.send(pid, sig)
		if err == nil {
			slog.Debug("signal delivered", "pid", pid, "signal", unix.SignalName(sig), "target", strategy.name)
			return true
		}
		slog.Debug("signal not delivered", "pid", pid, "signal", unix.SignalName(sig), "target", strategy.name, "error", err)
	}
	return false
}

// terminate asks pid to exit, waits up to GracefulStopTimeout, then kills it.
func terminate(ctx context.Context, pid int) {
	if !deliverSignal(pid, unix.SIGTERM) {
		return
	}
	if waitForExit(ctx, pid, util.GracefulStopTimeout) {
		return
	}
	slog.Warn("tunnel process did not exit after SIGTERM, killing", "pid", pid)
	deliverSignal(pid, unix.SIGKILL)
}

// waitForExit polls liveness until pid is gone or timeout passes.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	return pollUntil(ctx, timeout, func() bool { return !processRunning(ctx, pid) })
}

// pollUntil checks cond every PollInterval until it holds, timeout passes or
// ctx is done. It reports whether cond held.
func pollUntil(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		t := time.NewTimer(util.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return cond()
}
