// Package gcloud launches the tunneling tool (`gcloud compute ssh` through IAP)
// as an opaque, detached subprocess.
//
// This package never speaks SSH or IAP itself. It resolves where gcloud is
// installed, builds a deterministic argument vector, escapes it into a single
// shell command line and starts that line in its own session with its
// output appended to a log file. Everything after the fork is observed from
// the outside: pid liveness and whether the forwarded port answers.
package gcloud

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"al.essio.dev/pkg/shellescape"

	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// BinaryName is used when no install location is found; the shell resolves it
// through PATH at execution time.
const BinaryName = "gcloud"

// DefaultPATH is prepended to the inherited PATH so a login shell started
// from a GUI session can still find gcloud and its python runtime.
const DefaultPATH = "/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// DefaultCandidates are probed in order when no usable path is configured.
var DefaultCandidates = []string{
	"/opt/homebrew/bin/gcloud",
	"/usr/local/bin/gcloud",
	"/usr/bin/gcloud",
	"/snap/bin/gcloud",
}

// DefaultShells are tried in order to run the escaped command line.
var DefaultShells = []string{"/bin/zsh", "/bin/bash", "/bin/sh"}

// ErrNotFound is returned by Lookup when gcloud is nowhere to be found.
var ErrNotFound = errors.New("gcloud binary not found")

// Command is a fully resolved tool invocation.
type Command struct {
	Path string
	Args []string
}

// String returns the command line with every argument escaped so the shell
// treats it literally.
func (c Command) String() string {
	return ShellCommand(c.Path, c.Args)
}

// TunnelProcess is a started tunnel subprocess.
//
// A background goroutine reaps the child as soon as it exits so that a dead
// tunnel never lingers as a zombie and keeps answering liveness probes.
// Exited is closed at that point and Err reports the exit status.
type TunnelProcess struct {
	Cmd  *exec.Cmd
	PID  int
	done chan struct{}
	err  error
}

// Exited is closed once the process has exited and been reaped.
func (p *TunnelProcess) Exited() <-chan struct{} { return p.done }

// Err returns the exit error. Only meaningful after Exited is closed.
func (p *TunnelProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Client builds and launches gcloud tunnel commands. The zero value is not
// useful; use New.
type Client struct {
	// Candidates are install locations probed when the preferred path is unusable.
	Candidates []string
	// Shells are tried in order; the first that exists runs the command.
	Shells []string
}

// New creates a client with the default install locations and shells.
func New() *Client {
	return &Client{
		Candidates: append([]string(nil), DefaultCandidates...),
		Shells:     append([]string(nil), DefaultShells...),
	}
}

// ResolvePath picks the executable to run: the preferred path when it exists,
// else the first existing candidate, else the bare binary name.
func (c *Client) ResolvePath(preferred string) string {
	if preferred != "" && pathExists(preferred) {
		return preferred
	}
	for _, candidate := range c.Candidates {
		if pathExists(candidate) {
			return candidate
		}
	}
	return BinaryName
}

// Lookup is ResolvePath plus a PATH lookup for the bare name. It reports
// ErrNotFound when gcloud cannot be located at all.
func (c *Client) Lookup(preferred string) (string, error) {
	path := c.ResolvePath(preferred)
	if path != BinaryName {
		return path, nil
	}
	found, err := exec.LookPath(BinaryName)
	if err != nil {
		return "", ErrNotFound
	}
	return found, nil
}

// Command resolves the tool path and argument vector for cfg.
func (c *Client) Command(cfg model.TunnelConfig) Command {
	return Command{Path: c.ResolvePath(cfg.GcloudPath), Args: BuildArgs(cfg)}
}

// BuildArgs constructs the gcloud argument vector for cfg. It is pure: the
// same config always yields the same ordered slice.
//
// Example output for bastion "bastion-iap" in "us-east4-a":
//
//	compute ssh bastion-iap --zone=us-east4-a --tunnel-through-iap --quiet --
//	-N -L 127.0.0.1:15432:10.0.0.5:5432 -o ExitOnForwardFailure=yes ...
func BuildArgs(cfg model.TunnelConfig) []string {
	return []string{
		"compute",
		"ssh",
		cfg.BastionInstance,
		"--zone=" + cfg.BastionZone,
		"--tunnel-through-iap",
		"--quiet",
		"--",
		"-N",
		"-L",
		fmt.Sprintf("%s:%d:%s:%d", util.LoopbackHost, cfg.LocalPort, cfg.DBPrivateIP, cfg.RemotePort),
		"-o",
		"ExitOnForwardFailure=yes",
		"-o",
		"BatchMode=yes",
		"-o",
		"StrictHostKeyChecking=accept-new",
		"-o",
		"ServerAliveInterval=30",
		"-o",
		"ServerAliveCountMax=3",
	}
}

// ShellCommand joins path and args into one shell command line, escaping each
// word on its own so quotes, spaces and metacharacters stay literal.
func ShellCommand(path string, args []string) string {
	words := make([]string, 0, len(args)+1)
	words = append(words, shellescape.Quote(path))
	for _, a := range args {
		words = append(words, shellescape.Quote(a))
	}
	return strings.Join(words, " ")
}

// Env returns base with PATH, prompt and locale variables overridden for a
// non-interactive gcloud run.
func Env(base []string) []string {
	inheritedPath := ""
	out := make([]string, 0, len(base)+4)
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "PATH":
			inheritedPath = value
		case "CLOUDSDK_CORE_DISABLE_PROMPTS", "LC_ALL", "LANG":
		default:
			out = append(out, kv)
		}
	}
	path := DefaultPATH
	if inheritedPath != "" {
		path += ":" + inheritedPath
	}
	return append(out,
		"PATH="+path,
		"CLOUDSDK_CORE_DISABLE_PROMPTS=1",
		"LC_ALL=C",
		"LANG=C",
	)
}

// Shell returns the shell binary and the flag that makes it run one command
// line. Login shells pick up the user's gcloud configuration; plain sh does
// not support -l everywhere so it gets -c.
func (c *Client) Shell() (string, string) {
	for _, sh := range c.Shells {
		if !pathExists(sh) {
			continue
		}
		if filepath.Base(sh) == "sh" {
			return sh, "-c"
		}
		return sh, "-lc"
	}
	return "/bin/sh", "-c"
}

// StartTunnel launches cmd through the shell in a new session with
// stdout and stderr appended to output. It returns once the OS has created the
// process; it does not wait for the tunnel to come up. The child is not tied
// to ctx and outlives the caller.
func (c *Client) StartTunnel(ctx context.Context, cmd Command, output *os.File) (*TunnelProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shell, flag := c.Shell()
	proc := exec.Command(shell, flag, cmd.String())
	proc.Stdin = nil
	proc.Stdout = output
	proc.Stderr = output
	proc.Env = Env(os.Environ())
	// A new session also makes the child its own process group leader, so
	// Stop can signal -pid, and it leaves the launching terminal's session.
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := proc.Start(); err != nil {
		return nil, err
	}

	tp := &TunnelProcess{Cmd: proc, PID: proc.Process.Pid, done: make(chan struct{})}
	go func() {
		tp.err = proc.Wait()
		close(tp.done)
	}()
	return tp, nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
