// Package tunnel supervises the single IAP tunnel process and derives its
// status from the port, the process table and persisted timestamps.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/treykane/iap-tunnel/internal/config"
	"github.com/treykane/iap-tunnel/internal/events"
	"github.com/treykane/iap-tunnel/internal/gcloud"
	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// Starter abstracts tunnel process creation for testing.
type Starter interface {
	Command(cfg model.TunnelConfig) gcloud.Command
	StartTunnel(ctx context.Context, cmd gcloud.Command, output *os.File) (*gcloud.TunnelProcess, error)
}

// Journal records lifecycle events. Append failures are logged and ignored.
type Journal interface {
	Append(evt events.Event) error
}

// Opener hands a file to an external viewer.
type Opener func(path string) error

// Supervisor starts, stops and reports on the tunnel. All state lives on
// disk in the support directory, so separate invocations (a CLI call, the
// dashboard) see and repair the same tunnel.
type Supervisor struct {
	mu      sync.Mutex
	store   *Store
	starter Starter
	journal Journal
	opener  Opener
	now     func() time.Time
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the clock used for timestamps and status windows.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithJournal records lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

// WithOpener overrides how OpenLogFile displays the log.
func WithOpener(o Opener) Option {
	return func(s *Supervisor) { s.opener = o }
}

// NewSupervisor creates a supervisor storing its files in dir.
func NewSupervisor(dir string, starter Starter, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:   NewStore(dir),
		starter: starter,
		opener:  SystemOpener,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying file store.
func (s *Supervisor) Store() *Store { return s.store }

// GetStatusInfo probes the tunnel and resolves its status. A recorded pid
// whose process is gone is cleared as a side effect. Only failing to create
// the support directory is reported; every probe failure is a negative signal.
func (s *Supervisor) GetStatusInfo(ctx context.Context, cfg model.TunnelConfig) (model.StatusInfo, error) {
	if err := s.store.EnsureDir(); err != nil {
		return model.StatusInfo{}, err
	}

	pid, hasPID := s.store.ReadPID()
	running := hasPID && processRunning(ctx, pid)
	if hasPID && !running {
		slog.Debug("clearing stale pid record", "pid", pid)
		if err := s.store.ClearPID(); err != nil {
			slog.Warn("failed to clear stale pid record", "pid", pid, "error", err)
		}
	}

	open := portOpen(ctx, cfg.LocalPort)
	st := s.store.ReadState()
	status := ResolveStatus(Signals{
		PortOpen:    open,
		PIDRunning:  running,
		LastStartAt: st.LastStartAt,
		LastStopAt:  st.LastStopAt,
	}, s.now())

	info := model.StatusInfo{
		Status:      status,
		PortOpen:    open,
		PIDRunning:  running,
		LastStartAt: st.LastStartAt,
	}
	if hasPID {
		info.PID = pid
	}
	if status == model.StatusError {
		info.LogTail = s.store.ReadLogTail(util.LogTailLines)
	}
	return info, nil
}

// Probe is a read-only look at the live signals. Unlike GetStatusInfo it
// leaves a stale pid record in place.
type Probe struct {
	PID        int
	HasPID     bool
	PIDRunning bool
	PortOpen   bool
}

func (s *Supervisor) Probe(ctx context.Context, cfg model.TunnelConfig) Probe {
	pid, hasPID := s.store.ReadPID()
	return Probe{
		PID:        pid,
		HasPID:     hasPID,
		PIDRunning: hasPID && processRunning(ctx, pid),
		PortOpen:   portOpen(ctx, cfg.LocalPort),
	}
}

// Start launches the tunnel unless it is already connected or starting.
//
// Start returns once the OS has created the process and its pid is recorded.
// A process that dies right away is only noted in the log; the next
// GetStatusInfo reports it as an error.
func (s *Supervisor) Start(ctx context.Context, cfg model.TunnelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.EnsureDir(); err != nil {
		return err
	}
	if missing := config.MissingFields(cfg); len(missing) > 0 {
		s.record(events.Event{EventType: events.TypeStartFailed, Message: "missing configuration", LocalPort: cfg.LocalPort})
		return configurationError(missing)
	}

	info, err := s.GetStatusInfo(ctx, cfg)
	if err != nil {
		return err
	}
	if info.Status == model.StatusConnected || info.Status == model.StatusStarting {
		slog.Info("tunnel already active, not starting", "status", info.Status, "pid", info.PID)
		s.record(events.Event{EventType: events.TypeStartSkipped, Status: info.Status, PID: info.PID, LocalPort: cfg.LocalPort})
		return nil
	}

	cmd := s.starter.Command(cfg)
	s.marker("Starting tunnel...")
	s.marker("Command: " + cmd.String())
	s.record(events.Event{EventType: events.TypeStartRequested, Message: cmd.String(), LocalPort: cfg.LocalPort})

	out, err := s.store.OpenLog()
	if err != nil {
		return fmt.Errorf("open tunnel log: %w", err)
	}
	proc, err := s.starter.StartTunnel(ctx, cmd, out)
	_ = out.Close()
	if err != nil {
		slog.Error("failed to launch tunnel", "command", cmd.Path, "error", err)
		s.record(events.Event{EventType: events.TypeStartFailed, Message: err.Error(), LocalPort: cfg.LocalPort})
		return launchError(err)
	}

	if err := s.store.WritePID(proc.PID); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := s.store.MergeState(State{LastStartAt: FormatTimestamp(s.now()), LastPID: proc.PID}); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	slog.Info("tunnel process started", "pid", proc.PID, "local_port", cfg.LocalPort)
	s.record(events.Event{EventType: events.TypeStartSucceeded, Status: model.StatusStarting, PID: proc.PID, LocalPort: cfg.LocalPort})

	t := time.NewTimer(util.EarlyExitWindow)
	defer t.Stop()
	select {
	case <-proc.Exited():
		detail := "Tunnel process exited early."
		if err := proc.Err(); err != nil {
			detail += " (" + err.Error() + ")"
		}
		s.marker(detail)
		slog.Warn("tunnel process exited early", "pid", proc.PID, "error", proc.Err())
		s.record(events.Event{EventType: events.TypeExitedEarly, Message: detail, PID: proc.PID, LocalPort: cfg.LocalPort})
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

// Stop terminates the recorded process, if any, and records the stop. It is
// safe to call with nothing running and always leaves no pid on record.
func (s *Supervisor) Stop(ctx context.Context, cfg model.TunnelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.EnsureDir(); err != nil {
		return err
	}

	pid, hasPID := s.store.ReadPID()
	s.record(events.Event{EventType: events.TypeStopRequested, PID: pid, LocalPort: cfg.LocalPort})
	if hasPID {
		terminate(ctx, pid)
	}

	if err := s.store.ClearPID(); err != nil {
		slog.Warn("failed to clear pid record", "pid", pid, "error", err)
	}
	s.marker("Stopping tunnel...")
	if err := s.store.MergeState(State{LastStopAt: FormatTimestamp(s.now())}); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	closed := waitForPortClosed(ctx, cfg.LocalPort, util.PortCloseTimeout)
	if !closed {
		slog.Warn("local port still open after stop", "local_port", cfg.LocalPort)
	}
	s.record(events.Event{
		EventType: events.TypeStopCompleted,
		Status:    model.StatusDisconnected,
		PID:       pid,
		LocalPort: cfg.LocalPort,
		Message:   fmt.Sprintf("port_closed=%t", closed),
	})
	return nil
}

// Restart stops the tunnel and starts it again.
func (s *Supervisor) Restart(ctx context.Context, cfg model.TunnelConfig) error {
	if err := s.Stop(ctx, cfg); err != nil {
		return err
	}
	return s.Start(ctx, cfg)
}

// OpenLogFile makes sure the log exists and hands it to the viewer.
func (s *Supervisor) OpenLogFile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.TouchLog(); err != nil {
		return err
	}
	return s.opener(s.store.LogPath())
}

// LogPath returns the tunnel log location.
func (s *Supervisor) LogPath() string { return s.store.LogPath() }

// ReadLogTail returns the last n non-blank log lines.
func (s *Supervisor) ReadLogTail(n int) string { return s.store.ReadLogTail(n) }

// FollowLog streams new tunnel output into w until ctx is done.
func (s *Supervisor) FollowLog(ctx context.Context, w io.Writer) error {
	return s.store.FollowLog(ctx, w)
}

func (s *Supervisor) marker(msg string) {
	line := fmt.Sprintf("[%s] %s", FormatTimestamp(s.now()), msg)
	if err := s.store.AppendLog(line); err != nil {
		slog.Warn("failed to append tunnel log", "error", err)
	}
}

func (s *Supervisor) record(evt events.Event) {
	if s.journal == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now().UTC()
	}
	if err := s.journal.Append(evt); err != nil {
		slog.Warn("failed to record tunnel event", "event", evt.EventType, "error", err)
	}
}

// SystemOpener opens path with the desktop's default handler.
func SystemOpener(path string) error {
	name := "xdg-open"
	if runtime.GOOS == "darwin" {
		name = "open"
	}
	if _, err := exec.LookPath(name); err != nil {
		return errors.New("no file opener available; log is at " + path)
	}
	return exec.Command(name, path).Run()
}
