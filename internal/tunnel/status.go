package tunnel

import (
	"time"

	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// Signals are the raw observations the status is derived from. Timestamps are
// kept as persisted (ISO-8601 text); anything unparsable counts as absent.
type Signals struct {
	PortOpen    bool
	PIDRunning  bool
	LastStartAt string
	LastStopAt  string
}

// ResolveStatus maps signals to exactly one status. It has no side effects;
// now is supplied by the caller.
//
//   - an open port is connected, whatever the pid says
//   - no process: a stop at or after the last start is a clean disconnect,
//     a start inside RecentErrorWindow without a stop is a crash, anything
//     else is idle
//   - a live process without the port is starting inside
//     StartingGraceWindow and an error after it, or with no start on record
func ResolveStatus(s Signals, now time.Time) model.TunnelStatus {
	if s.PortOpen {
		return model.StatusConnected
	}

	startedAt, hasStart := parseTimestamp(s.LastStartAt)
	stoppedAt, hasStop := parseTimestamp(s.LastStopAt)

	if !s.PIDRunning {
		if hasStart && hasStop && !stoppedAt.Before(startedAt) {
			return model.StatusDisconnected
		}
		if hasStart && now.Sub(startedAt) < util.RecentErrorWindow {
			return model.StatusError
		}
		return model.StatusDisconnected
	}

	if hasStart && now.Sub(startedAt) < util.StartingGraceWindow {
		return model.StatusStarting
	}
	return model.StatusError
}

// LabelForStatus returns the display string for a status.
func LabelForStatus(status model.TunnelStatus) string {
	switch status {
	case model.StatusConnected:
		return "Connected"
	case model.StatusStarting:
		return "Starting"
	case model.StatusError:
		return "Error"
	default:
		return "Disconnected"
	}
}

// FormatTimestamp renders t the way state and log markers persist it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func parseTimestamp(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
