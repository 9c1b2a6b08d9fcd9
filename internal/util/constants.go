// Package util provides common utility functions and constants used across
// iap-tunnel. It imports nothing from other internal packages so every layer
// can depend on it.
package util

import "time"

const (
	// AppName names the support directory and the diagnostic log file.
	AppName = "iap-tunnel"

	// LoopbackHost is where the forwarded port is bound and probed.
	LoopbackHost = "127.0.0.1"

	// DefaultLocalPort and DefaultRemotePort replace unparsable port preferences.
	DefaultLocalPort  uint16 = 15432
	DefaultRemotePort uint16 = 5432

	// TunnelProbeTimeout is the dial timeout for one reachability check of the
	// forwarded local port. A refused or timed-out dial reads as "closed".
	TunnelProbeTimeout = 500 * time.Millisecond

	// StartingGraceWindow is how long a live process may run without the port
	// opening before the tunnel is reported as an error instead of starting.
	StartingGraceWindow = 20 * time.Second

	// RecentErrorWindow is how long after a start an unexplained process
	// disappearance is reported as an error rather than idle.
	RecentErrorWindow = 5 * time.Minute

	// EarlyExitWindow bounds how long Start watches the child for an
	// immediate exit.
	EarlyExitWindow = 1500 * time.Millisecond

	// GracefulStopTimeout bounds the wait between SIGTERM and SIGKILL.
	GracefulStopTimeout = 1500 * time.Millisecond

	// PortCloseTimeout bounds the post-stop wait for the port to close.
	PortCloseTimeout = 2 * time.Second

	// PollInterval is the sleep between liveness and port polls.
	PollInterval = 200 * time.Millisecond

	// LogTailLines is how many non-empty log lines accompany an error status.
	LogTailLines = 20

	// DefaultRefreshSeconds is the fallback dashboard poll interval.
	DefaultRefreshSeconds = 3
)
