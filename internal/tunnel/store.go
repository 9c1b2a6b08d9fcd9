package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	pidFileName   = "tunnel.pid"
	stateFileName = "tunnel-state.json"
	logFileName   = "tunnel.log"
)

// State is the persisted lifecycle history. Every field is optional.
type State struct {
	LastStartAt string `json:"lastStartAt,omitempty"`
	LastStopAt  string `json:"lastStopAt,omitempty"`
	LastPID     int    `json:"lastPid,omitempty"`
}

// Store owns the pid record, the state file and the tunnel log inside one
// support directory. Missing or unreadable files read as "nothing recorded".
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string       { return s.dir }
func (s *Store) PIDPath() string   { return filepath.Join(s.dir, pidFileName) }
func (s *Store) StatePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) LogPath() string   { return filepath.Join(s.dir, logFileName) }

// EnsureDir creates the support directory if needed.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create support dir: %w", err)
	}
	return nil
}

// ReadPID returns the recorded pid. Values that cannot name a single child
// process (non-numeric, <= 1) read as absent.
func (s *Store) ReadPID() (int, bool) {
	b, err := os.ReadFile(s.PIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 1 {
		return 0, false
	}
	return pid, true
}

func (s *Store) WritePID(pid int) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	return os.WriteFile(s.PIDPath(), []byte(strconv.Itoa(pid)), 0o600)
}

// ClearPID removes the pid record. A missing file is not an error.
func (s *Store) ClearPID() error {
	err := os.Remove(s.PIDPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReadState decodes each known field independently so one malformed value
// does not hide the others.
func (s *Store) ReadState() State {
	raw := s.readRawState()
	var st State
	decodeField(raw, "lastStartAt", &st.LastStartAt)
	decodeField(raw, "lastStopAt", &st.LastStopAt)
	decodeField(raw, "lastPid", &st.LastPID)
	return st
}

// MergeState overlays the non-empty fields of update onto what is on disk and
// writes the union back. Fields update leaves empty, and keys this version
// does not know about, are preserved.
func (s *Store) MergeState(update State) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	current := s.readRawState()
	if current == nil {
		current = map[string]json.RawMessage{}
	}

	b, err := json.Marshal(update)
	if err != nil {
		return err
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(b, &overlay); err != nil {
		return err
	}
	for k, v := range overlay {
		current[k] = v
	}

	out, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.StatePath(), out, 0o600)
}

func (s *Store) readRawState() map[string]json.RawMessage {
	b, err := os.ReadFile(s.StatePath())
	if err != nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	return raw
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) {
	if v, ok := raw[key]; ok {
		_ = json.Unmarshal(v, dst)
	}
}

// OpenLog opens the tunnel log for appending, creating it if needed.
func (s *Store) OpenLog() (*os.File, error) {
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	return os.OpenFile(s.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// AppendLog writes line to the tunnel log on a line of its own. The child may
// have left a partial line behind, hence the leading newline.
func (s *Store) AppendLog(line string) error {
	f, err := s.OpenLog()
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.WriteString(f, "\n"+line+"\n")
	return err
}

// TouchLog creates an empty log if none exists.
func (s *Store) TouchLog() error {
	f, err := s.OpenLog()
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadLogTail returns the last n non-blank lines, or "" when there are none.
func (s *Store) ReadLogTail(n int) string {
	b, err := os.ReadFile(s.LogPath())
	if err != nil {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// FollowLog copies bytes appended to the tunnel log into w until ctx is done.
// It starts at the current end of the file. The directory is watched rather
// than the file so a log created after the call is picked up too.
func (s *Store) FollowLog(ctx context.Context, w io.Writer) error {
	if err := s.TouchLog(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	var offset int64
	if st, err := os.Stat(s.LogPath()); err == nil {
		offset = st.Size()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher: %w", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.LogPath() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			offset, err = copyFrom(s.LogPath(), offset, w)
			if err != nil {
				return err
			}
		}
	}
}

func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if st.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, f)
	if err != nil {
		return offset, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return offset, err
	}
	return offset + n, nil
}
