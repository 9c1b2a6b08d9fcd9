package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func keepDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestSetupWritesConsoleAndJSONFile(t *testing.T) {
	keepDefaultLogger(t)
	dir := t.TempDir()
	var console bytes.Buffer

	closeLog, err := Setup(Options{Dir: dir, Console: &console, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatal(err)
	}
	slog.Info("tunnel process started", "pid", 4242)
	slog.Debug("hidden without debug")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(console.String(), "tunnel process started") {
		t.Fatalf("expected console output, got %q", console.String())
	}
	if strings.Contains(console.String(), "\x1b[") {
		t.Fatalf("expected no colour on a non-terminal writer, got %q", console.String())
	}
	if strings.Contains(console.String(), "hidden without debug") {
		t.Fatal("debug line leaked at info level")
	}

	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var records []map[string]any
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("file line is not JSON: %q", sc.Text())
		}
		records = append(records, rec)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0]["msg"] != "tunnel process started" || records[0]["pid"] != float64(4242) {
		t.Fatalf("unexpected record: %v", records[0])
	}
}

func TestSetupDebugLevel(t *testing.T) {
	keepDefaultLogger(t)
	var console bytes.Buffer
	closeLog, err := Setup(Options{Console: &console, Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closeLog()

	slog.Debug("signal delivered", "pid", 7)
	if !strings.Contains(console.String(), "signal delivered") {
		t.Fatalf("expected debug line, got %q", console.String())
	}
}

func TestFanoutCarriesAttrsToEveryHandler(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(Fanout(
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)).With("component", "supervisor")

	logger.Info("only text")
	logger.Warn("both")

	if !strings.Contains(a.String(), "only text") || !strings.Contains(a.String(), "component=supervisor") {
		t.Fatalf("text handler missed records: %q", a.String())
	}
	if strings.Contains(b.String(), "only text") {
		t.Fatalf("json handler ignored its level: %q", b.String())
	}
	if !strings.Contains(b.String(), `"component":"supervisor"`) {
		t.Fatalf("json handler missed attrs: %q", b.String())
	}
}
