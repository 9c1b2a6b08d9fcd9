package doctor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/treykane/iap-tunnel/internal/gcloud"
	"github.com/treykane/iap-tunnel/internal/model"
)

func fakeGcloud(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcloud")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// supportDir returns a 0700 directory; t.TempDir alone is subject to umask.
func supportDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "iap-tunnel")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return strconv.Itoa(port)
}

func isolatedClient(t *testing.T) *gcloud.Client {
	t.Setenv("PATH", t.TempDir())
	c := gcloud.New()
	c.Candidates = nil
	return c
}

func completePrefs(t *testing.T) model.Preferences {
	return model.Preferences{
		DBPrivateIP:     "10.0.0.5",
		BastionInstance: "bastion-iap",
		BastionZone:     "us-east4-a",
		LocalPort:       freePort(t),
		RemotePort:      "5432",
		GcloudPath:      fakeGcloud(t),
	}
}

func checks(r Report) map[string]int {
	out := map[string]int{}
	for _, i := range r.Issues {
		out[i.Check]++
	}
	return out
}

func TestRunHealthySetupHasNoIssues(t *testing.T) {
	report, err := Run(context.Background(), Input{Dir: supportDir(t), Preferences: completePrefs(t), Client: isolatedClient(t)})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Issues)
	}
}

func TestRunReportsMissingToolAndPreferences(t *testing.T) {
	report, err := Run(context.Background(), Input{
		Dir:         supportDir(t),
		Preferences: model.Preferences{GcloudPath: "/nonexistent/gcloud", LocalPort: freePort(t)},
		Client:      isolatedClient(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := checks(report)
	if got["gcloud-binary"] != 1 || got["gcloud-path"] != 1 || got["missing-preference"] != 3 {
		t.Fatalf("unexpected checks: %v", got)
	}
	if !report.HasHigh() {
		t.Fatal("expected high severity issues")
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("expected high severity first, got %+v", report.Issues[0])
	}
	if report.Issues[len(report.Issues)-1].Check != "gcloud-path" {
		t.Fatalf("expected medium gcloud-path last, got %+v", report.Issues[len(report.Issues)-1])
	}
}

func TestRunReportsInvalidPortsStalePIDAndPermissions(t *testing.T) {
	dir := supportDir(t)
	prefs := completePrefs(t)
	prefs.RemotePort = "54x32"

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tunnel.pid"), []byte(strconv.Itoa(cmd.ProcessState.Pid())), 0o600); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "tunnel.log")
	if err := os.WriteFile(logPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(logPath, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := Run(context.Background(), Input{Dir: dir, Preferences: prefs, Client: isolatedClient(t)})
	if err != nil {
		t.Fatal(err)
	}
	got := checks(report)
	if got["invalid-port"] != 1 || got["stale-pid"] != 1 || got["permissions"] != 1 {
		t.Fatalf("unexpected checks: %v (%+v)", got, report.Issues)
	}
	if report.HasHigh() {
		t.Fatalf("nothing here should block a start: %+v", report.Issues)
	}
	if _, err := os.Stat(filepath.Join(dir, "tunnel.pid")); err != nil {
		t.Fatalf("doctor must not clear the pid record: %v", err)
	}
}

func TestRunReportsForeignListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	prefs := completePrefs(t)
	prefs.LocalPort = strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	report, err := Run(context.Background(), Input{Dir: supportDir(t), Preferences: prefs, Client: isolatedClient(t)})
	if err != nil {
		t.Fatal(err)
	}
	if checks(report)["port-in-use"] != 1 {
		t.Fatalf("expected port-in-use, got %+v", report.Issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	in := Input{
		Dir:         supportDir(t),
		Preferences: model.Preferences{LocalPort: freePort(t), RemotePort: "0"},
		Client:      isolatedClient(t),
	}
	first, err := Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("expected deterministic output:\n%s\n%s", a, b)
	}
	var decoded map[string][]map[string]string
	if err := json.Unmarshal(a, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"severity", "check", "target", "message", "recommendation"} {
		if _, ok := decoded["issues"][0][key]; !ok {
			t.Fatalf("missing %q in %s", key, a)
		}
	}
}
