package tunnel

import (
	"testing"
	"time"

	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) string {
	return FormatTimestamp(fixedNow.Add(-d))
}

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		name string
		sig  Signals
		want model.TunnelStatus
	}{
		{
			name: "open port wins without pid",
			sig:  Signals{PortOpen: true},
			want: model.StatusConnected,
		},
		{
			name: "open port wins with pid and stale start",
			sig:  Signals{PortOpen: true, PIDRunning: true, LastStartAt: ago(time.Hour)},
			want: model.StatusConnected,
		},
		{
			name: "open port wins after recorded stop",
			sig:  Signals{PortOpen: true, LastStartAt: ago(time.Minute), LastStopAt: ago(time.Second)},
			want: model.StatusConnected,
		},
		{
			name: "nothing known is disconnected",
			sig:  Signals{},
			want: model.StatusDisconnected,
		},
		{
			name: "running inside grace window is starting",
			sig:  Signals{PIDRunning: true, LastStartAt: ago(util.StartingGraceWindow - time.Second)},
			want: model.StatusStarting,
		},
		{
			name: "running past grace window is error",
			sig:  Signals{PIDRunning: true, LastStartAt: ago(util.StartingGraceWindow + time.Second)},
			want: model.StatusError,
		},
		{
			name: "running exactly at grace window is error",
			sig:  Signals{PIDRunning: true, LastStartAt: ago(util.StartingGraceWindow)},
			want: model.StatusError,
		},
		{
			name: "running without start timestamp is error",
			sig:  Signals{PIDRunning: true},
			want: model.StatusError,
		},
		{
			name: "dead inside error window without stop is error",
			sig:  Signals{LastStartAt: ago(util.RecentErrorWindow - time.Second)},
			want: model.StatusError,
		},
		{
			name: "dead past error window is disconnected",
			sig:  Signals{LastStartAt: ago(util.RecentErrorWindow + time.Second)},
			want: model.StatusDisconnected,
		},
		{
			name: "stop after start is disconnected even when recent",
			sig:  Signals{LastStartAt: ago(10 * time.Second), LastStopAt: ago(5 * time.Second)},
			want: model.StatusDisconnected,
		},
		{
			name: "stop equal to start is disconnected",
			sig:  Signals{LastStartAt: ago(10 * time.Second), LastStopAt: ago(10 * time.Second)},
			want: model.StatusDisconnected,
		},
		{
			name: "stop before start does not explain a recent crash",
			sig:  Signals{LastStartAt: ago(10 * time.Second), LastStopAt: ago(time.Hour)},
			want: model.StatusError,
		},
		{
			name: "unparsable start is treated as absent",
			sig:  Signals{PIDRunning: true, LastStartAt: "yesterday-ish"},
			want: model.StatusError,
		},
		{
			name: "unparsable start without pid is disconnected",
			sig:  Signals{LastStartAt: "not a time"},
			want: model.StatusDisconnected,
		},
		{
			name: "unparsable stop does not mask a crash",
			sig:  Signals{LastStartAt: ago(time.Minute), LastStopAt: "garbage"},
			want: model.StatusError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveStatus(tc.sig, fixedNow); got != tc.want {
				t.Fatalf("ResolveStatus(%+v) = %s, want %s", tc.sig, got, tc.want)
			}
		})
	}
}

func TestResolveStatusOpenPortAlwaysConnected(t *testing.T) {
	starts := []string{"", ago(time.Second), ago(time.Minute), ago(time.Hour), "junk"}
	for _, running := range []bool{false, true} {
		for _, start := range starts {
			for _, stop := range starts {
				sig := Signals{PortOpen: true, PIDRunning: running, LastStartAt: start, LastStopAt: stop}
				if got := ResolveStatus(sig, fixedNow); got != model.StatusConnected {
					t.Fatalf("ResolveStatus(%+v) = %s, want connected", sig, got)
				}
			}
		}
	}
}

func TestLabelForStatus(t *testing.T) {
	cases := map[model.TunnelStatus]string{
		model.StatusConnected:    "Connected",
		model.StatusStarting:     "Starting",
		model.StatusError:        "Error",
		model.StatusDisconnected: "Disconnected",
		"bogus":                  "Disconnected",
	}
	for status, want := range cases {
		if got := LabelForStatus(status); got != want {
			t.Fatalf("LabelForStatus(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestFormatTimestampParsesBack(t *testing.T) {
	ts := FormatTimestamp(fixedNow.Add(123 * time.Millisecond))
	if ts != "2026-03-14T12:00:00.123Z" {
		t.Fatalf("unexpected format: %s", ts)
	}
	got, ok := parseTimestamp(ts)
	if !ok || !got.Equal(fixedNow.Add(123*time.Millisecond)) {
		t.Fatalf("round trip failed: %v %v", got, ok)
	}
}
