package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/iap-tunnel/internal/config"
	"github.com/treykane/iap-tunnel/internal/gcloud"
	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/tunnel"
	"github.com/treykane/iap-tunnel/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue would stop the tunnel from starting.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Input is everything a diagnosis looks at.
type Input struct {
	Dir         string
	Preferences model.Preferences
	Client      *gcloud.Client
}

// Run executes local diagnostics for iap-tunnel operations. It never
// modifies the support directory.
func Run(ctx context.Context, in Input) (Report, error) {
	var issues []Issue

	client := in.Client
	if client == nil {
		client = gcloud.New()
	}
	issues = append(issues, gcloudIssues(client, in.Preferences.GcloudPath)...)

	cfg := config.Normalize(in.Preferences)
	for _, field := range config.MissingFields(cfg) {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "missing-preference",
			Target:         field,
			Message:        field + " is not set",
			Recommendation: fmt.Sprintf("run `iap-tunnel config set %s <value>`", field),
		})
	}
	issues = append(issues, portIssue("local_port", in.Preferences.LocalPort, util.DefaultLocalPort)...)
	issues = append(issues, portIssue("remote_port", in.Preferences.RemotePort, util.DefaultRemotePort)...)

	sup := tunnel.NewSupervisor(in.Dir, client)
	probe := sup.Probe(ctx, cfg)
	if probe.HasPID && !probe.PIDRunning {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "stale-pid",
			Target:         sup.Store().PIDPath(),
			Message:        fmt.Sprintf("recorded pid %d is not running", probe.PID),
			Recommendation: "run `iap-tunnel status` to clear the record",
		})
	}
	if probe.PortOpen && !probe.PIDRunning {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "port-in-use",
			Target:         util.LoopbackAddr(cfg.LocalPort),
			Message:        "local port is answering but no tunnel process is recorded",
			Recommendation: "another program may hold the port; status will show connected regardless",
		})
	}

	checkPathPerm(&issues, in.Dir, 0o700, false)
	for _, name := range []string{"config.yaml", "tunnel.pid", "tunnel-state.json", "tunnel.log", "events.jsonl"} {
		checkPathPerm(&issues, filepath.Join(in.Dir, name), 0o600, true)
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func gcloudIssues(client *gcloud.Client, preferred string) []Issue {
	var issues []Issue
	preferred = strings.TrimSpace(preferred)
	if preferred != "" {
		if _, err := os.Stat(preferred); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "gcloud-path",
				Target:         preferred,
				Message:        "configured gcloud_path does not exist; falling back to discovery",
				Recommendation: "fix or clear gcloud_path",
			})
		}
	}
	if _, err := client.Lookup(preferred); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "gcloud-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install the Google Cloud CLI or set gcloud_path",
		})
	}
	return issues
}

func portIssue(key, raw string, fallback uint16) []Issue {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if config.ValidPort(raw) {
		return nil
	}
	return []Issue{{
		Severity:       SeverityMedium,
		Check:          "invalid-port",
		Target:         key,
		Message:        fmt.Sprintf("%q is not a usable port; %d will be used", raw, fallback),
		Recommendation: fmt.Sprintf("set %s to a number between 1 and 65535", key),
	}}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkPathPerm(issues *[]Issue, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*issues = append(*issues, Issue{
			Severity:       SeverityLow,
			Check:          "permissions",
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode > max {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*issues = append(*issues, Issue{
			Severity:       SeverityMedium,
			Check:          "permissions",
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
