package cli

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestConfigSetAndShow(t *testing.T) {
	setupSupportDir(t)

	if _, err := runCLI("config", "set", "bastion_zone", "us-east4-a"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := runCLI("config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "bastion_zone: us-east4-a") {
		t.Fatalf("expected saved preference, got:\n%s", out)
	}
	if !strings.Contains(out, "refresh_seconds: 3") {
		t.Fatalf("expected defaults, got:\n%s", out)
	}

	if _, err := runCLI("config", "set", "bastion_host", "x"); err == nil || !strings.Contains(err.Error(), "unknown preference") {
		t.Fatalf("expected unknown preference error, got %v", err)
	}
}

func TestStatusJSONOutput(t *testing.T) {
	setupSupportDir(t)
	setClosedLocalPort(t)

	out, err := runCLI("status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("json parse: %v; output=%s", err, out)
	}
	if payload["status"] != "disconnected" || payload["portOpen"] != false || payload["pidRunning"] != false {
		t.Fatalf("unexpected status payload: %v", payload)
	}
	if _, ok := payload["logTail"]; ok {
		t.Fatalf("logTail should be omitted when not in error: %v", payload)
	}
}

func TestStatusTextShowsErrorTail(t *testing.T) {
	dir := setupSupportDir(t)
	setClosedLocalPort(t)

	state := `{"lastStartAt":"` + time.Now().Add(-30*time.Second).UTC().Format(time.RFC3339) + `"}`
	if err := os.WriteFile(filepath.Join(dir, "tunnel-state.json"), []byte(state), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tunnel.log"), []byte("ERROR: (gcloud.compute.start-iap-tunnel) failed to connect\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI("status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Error") || !strings.Contains(out, "failed to connect") {
		t.Fatalf("expected error with log tail, got:\n%s", out)
	}
}

func TestStartWithoutConfigurationFails(t *testing.T) {
	setupSupportDir(t)

	_, err := runCLI("start")
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !strings.Contains(err.Error(), "Missing required configuration") {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := runCLI("events", "--json")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 || payload[0]["event_type"] != "start_failed" {
		t.Fatalf("unexpected events: %v", payload)
	}
}

func TestStopRecordsStopAndEvents(t *testing.T) {
	dir := setupSupportDir(t)
	setClosedLocalPort(t)

	out, err := runCLI("stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "tunnel stopped") {
		t.Fatalf("unexpected output: %s", out)
	}
	b, err := os.ReadFile(filepath.Join(dir, "tunnel-state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "lastStopAt") {
		t.Fatalf("expected lastStopAt in state, got %s", b)
	}

	out, err = runCLI("events", "--type", "stop_completed", "--json")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 || payload[0]["status"] != "disconnected" {
		t.Fatalf("unexpected events: %v", payload)
	}

	out, err = runCLI("events")
	if err != nil {
		t.Fatalf("events text: %v", err)
	}
	if !strings.Contains(out, "stop_requested") || !strings.Contains(out, "stop_completed") {
		t.Fatalf("expected both stop events, got:\n%s", out)
	}
}

func TestEventsJSONEmpty(t *testing.T) {
	setupSupportDir(t)
	out, err := runCLI("events", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("expected empty array, got %q", out)
	}
}

func TestLogsPrintsTail(t *testing.T) {
	dir := setupSupportDir(t)
	if err := os.WriteFile(filepath.Join(dir, "tunnel.log"), []byte("one\n\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI("logs", "--lines", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "two\nthree\n" {
		t.Fatalf("unexpected tail %q", out)
	}

	if _, err := runCLI("logs", "--lines", "0"); err == nil {
		t.Fatal("expected error for non-positive --lines")
	}
}

func TestDoctorJSONReportsMissingPreferences(t *testing.T) {
	setupSupportDir(t)
	setClosedLocalPort(t)

	out, err := runCLI("doctor", "--json")
	if err == nil || !strings.Contains(err.Error(), "blocking issues") {
		t.Fatalf("expected blocking issues error, got %v", err)
	}
	var report struct {
		Issues []struct {
			Check  string `json:"check"`
			Target string `json:"target"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("json parse: %v; output=%s", err, out)
	}
	missing := map[string]bool{}
	for _, issue := range report.Issues {
		if issue.Check == "missing-preference" {
			missing[issue.Target] = true
		}
	}
	for _, field := range []string{"db_private_ip", "bastion_instance", "bastion_zone"} {
		if !missing[field] {
			t.Fatalf("expected missing %s, got %+v", field, report.Issues)
		}
	}
}

func TestDiagnosticLogWritten(t *testing.T) {
	dir := setupSupportDir(t)
	if _, err := runCLI("--debug", "status"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "iap-tunnel.log"))
	if err != nil {
		t.Fatalf("expected diagnostic log: %v", err)
	}
	if !strings.Contains(string(b), "cli initialized") {
		t.Fatalf("expected debug record, got %s", b)
	}
}

func runCLI(args ...string) (string, error) {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return captureStdout(func() error { return cmd.Execute() })
}

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(r)
		done <- b
	}()
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	return string(<-done), runErr
}

// setupSupportDir isolates config and runtime files and returns the support dir.
func setupSupportDir(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "iap-tunnel")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func setClosedLocalPort(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	if _, err := runCLI("config", "set", "local_port", strconv.Itoa(port)); err != nil {
		t.Fatal(err)
	}
}
