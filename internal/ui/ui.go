package ui

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"github.com/treykane/iap-tunnel/internal/config"
	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/tunnel"
	"github.com/treykane/iap-tunnel/internal/util"
)

// Options wires the dashboard to a supervisor and the stored preferences.
type Options struct {
	Supervisor  *tunnel.Supervisor
	Preferences model.Preferences
	// SavePreferences persists edits made in the preferences form. Nil
	// disables the form.
	SavePreferences func(model.Preferences) error
	// CopyText puts text on the system clipboard. Defaults to clipboard.WriteAll.
	CopyText func(string) error
	Refresh  time.Duration
}

type tickMsg time.Time

type statusMsg struct {
	info model.StatusInfo
	err  error
}

type actionMsg struct {
	action string
	err    error
}

// stateChangedMsg is sent when another process touches the pid or state file.
type stateChangedMsg struct{}

type noticeMsg string

type dashboardModel struct {
	sup     *tunnel.Supervisor
	prefs   model.Preferences
	cfg     model.TunnelConfig
	save    func(model.Preferences) error
	copy    func(string) error
	refresh time.Duration
	changes <-chan fsnotify.Event

	info    model.StatusInfo
	loaded  bool
	busy    string
	notice  string
	form    *prefsForm
	spinner spinner.Model
	width   int
	height  int
}

func newDashboard(opts Options) dashboardModel {
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = util.DefaultRefreshSeconds * time.Second
	}
	copyText := opts.CopyText
	if copyText == nil {
		copyText = clipboard.WriteAll
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	return dashboardModel{
		sup:     opts.Supervisor,
		prefs:   opts.Preferences,
		cfg:     config.Normalize(opts.Preferences),
		save:    opts.SavePreferences,
		copy:    copyText,
		refresh: refresh,
		spinner: sp,
		notice:  "s start | x stop | r restart | c copy address | l open log | p preferences | q quit",
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.tickCmd(), m.watchCmd(), m.spinner.Tick)
}

func (m dashboardModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) refreshCmd() tea.Cmd {
	sup, cfg := m.sup, m.cfg
	return func() tea.Msg {
		info, err := sup.GetStatusInfo(context.Background(), cfg)
		return statusMsg{info: info, err: err}
	}
}

// watchCmd waits for the next write to the pid or state file. It is
// re-armed after every change, so at most one read is pending.
func (m dashboardModel) watchCmd() tea.Cmd {
	changes := m.changes
	if changes == nil {
		return nil
	}
	return func() tea.Msg {
		for evt := range changes {
			switch filepath.Base(evt.Name) {
			case "tunnel.pid", "tunnel-state.json":
				return stateChangedMsg{}
			}
		}
		return nil
	}
}

func (m dashboardModel) actionCmd(action string, op func(context.Context, model.TunnelConfig) error) tea.Cmd {
	cfg := m.cfg
	return func() tea.Msg {
		return actionMsg{action: action, err: op(context.Background(), cfg)}
	}
}

func (m dashboardModel) openLogCmd() tea.Cmd {
	sup := m.sup
	return func() tea.Msg {
		if err := sup.OpenLogFile(context.Background()); err != nil {
			return noticeMsg("Could not open log: " + tunnel.RedactMessage(err.Error()))
		}
		return noticeMsg("Opened " + tunnel.RedactMessage(sup.LogPath()))
	}
}

func (m dashboardModel) copyAddrCmd() tea.Cmd {
	addr, copyText := util.LoopbackAddr(m.cfg.LocalPort), m.copy
	return func() tea.Msg {
		if err := copyText(addr); err != nil {
			return noticeMsg("Could not copy " + addr + ": " + err.Error())
		}
		return noticeMsg("Copied " + addr)
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())
	case stateChangedMsg:
		return m, tea.Batch(m.refreshCmd(), m.watchCmd())
	case statusMsg:
		if msg.err != nil {
			m.notice = "Status check failed: " + tunnel.RedactMessage(msg.err.Error())
			return m, nil
		}
		m.info = msg.info
		m.loaded = true
		return m, nil
	case actionMsg:
		m.busy = ""
		if msg.err != nil {
			slog.Error("dashboard action failed", "action", msg.action, "detail", tunnel.DebugMessage(msg.err))
			m.notice = tunnel.UserMessage(msg.err, true)
		} else {
			m.notice = actionDone(msg.action)
		}
		return m, m.refreshCmd()
	case noticeMsg:
		m.notice = string(msg)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		// Quitting leaves the tunnel running.
		return m, tea.Quit
	case "l":
		return m, m.openLogCmd()
	case "c":
		return m, m.copyAddrCmd()
	case "p":
		if m.save == nil {
			m.notice = "Preferences are read-only here; use `iap-tunnel config set`."
			return m, nil
		}
		if m.busy != "" {
			return m, nil
		}
		m.form = newPrefsForm(m.prefs)
		return m, m.form.fields[0].Cursor.BlinkCmd()
	}

	if m.busy != "" {
		return m, nil
	}
	var op func(context.Context, model.TunnelConfig) error
	var action string
	switch msg.String() {
	case "s":
		action, op = "start", m.sup.Start
	case "x":
		action, op = "stop", m.sup.Stop
	case "r":
		action, op = "restart", m.sup.Restart
	default:
		return m, nil
	}
	m.busy = action
	m.notice = busyLabel(action)
	return m, tea.Batch(m.actionCmd(action, op), m.spinner.Tick)
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.notice = "Preferences unchanged"
		return m, nil
	}
	prefs, cmd := m.form.update(msg)
	if prefs == nil {
		return m, cmd
	}
	if err := m.save(*prefs); err != nil {
		m.form.errMsg = err.Error()
		return m, nil
	}
	m.form = nil
	m.prefs = *prefs
	m.cfg = config.Normalize(*prefs)
	m.notice = "Preferences saved"
	return m, m.refreshCmd()
}

func busyLabel(action string) string {
	switch action {
	case "start":
		return "Starting tunnel..."
	case "stop":
		return "Stopping tunnel..."
	default:
		return "Restarting tunnel..."
	}
}

func actionDone(action string) string {
	switch action {
	case "start":
		return "Start requested"
	case "stop":
		return "Tunnel stopped"
	default:
		return "Tunnel restarted"
	}
}

func statusColor(status model.TunnelStatus) lipgloss.Color {
	switch status {
	case model.StatusConnected:
		return lipgloss.Color("42")
	case model.StatusStarting:
		return lipgloss.Color("214")
	case model.StatusError:
		return lipgloss.Color("196")
	default:
		return lipgloss.Color("244")
	}
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("IAP Tunnel")
	subhead := fmt.Sprintf("%s -> %s:%d via %s (%s)  refresh=%s",
		util.LoopbackAddr(m.cfg.LocalPort),
		util.EmptyDash(m.cfg.DBPrivateIP), m.cfg.RemotePort,
		util.EmptyDash(m.cfg.BastionInstance), util.EmptyDash(m.cfg.BastionZone),
		m.refresh)

	width := m.effectiveWidth()
	if m.form != nil {
		return lipgloss.JoinVertical(lipgloss.Left, head, subhead, m.form.view(m.renderPanel, width))
	}

	label := "Checking..."
	color := lipgloss.Color("244")
	if m.loaded {
		label = tunnel.LabelForStatus(m.info.Status)
		color = statusColor(m.info.Status)
	}
	badge := lipgloss.NewStyle().Bold(true).Foreground(color).Render(label)

	var body strings.Builder
	body.WriteString("Status:     " + badge + "\n")
	portState := "closed"
	if m.info.PortOpen {
		portState = "open"
	}
	body.WriteString(fmt.Sprintf("Local port: %s (%s)\n", util.LoopbackAddr(m.cfg.LocalPort), portState))
	pid := "-"
	if m.info.PID > 0 {
		pid = fmt.Sprintf("%d (running=%t)", m.info.PID, m.info.PIDRunning)
	}
	body.WriteString("PID:        " + pid + "\n")
	body.WriteString("Last start: " + util.EmptyDash(m.info.LastStartAt) + "\n")
	if missing := config.MissingFields(m.cfg); len(missing) > 0 {
		body.WriteString("Missing:    " + strings.Join(missing, ", ") + "\n")
	}

	panels := []string{head, subhead, m.renderPanel("Tunnel", body.String(), width, color)}
	if m.info.LogTail != "" {
		panels = append(panels, m.renderPanel("Recent log", m.info.LogTail, width, lipgloss.Color("196")))
	}
	notice := m.notice
	if m.busy != "" {
		notice = m.spinner.View() + " " + notice
	}
	panels = append(panels, m.renderPanel("Status", notice, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

// Run shows the dashboard until the user quits. The tunnel keeps running
// after the dashboard exits.
func Run(ctx context.Context, opts Options) error {
	m := newDashboard(opts)

	store := opts.Supervisor.Store()
	if err := store.EnsureDir(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("state watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(store.Dir()); err != nil {
			slog.Warn("failed to watch support dir, polling only", "dir", store.Dir(), "error", err)
		} else {
			m.changes = watcher.Events
			go func() {
				for err := range watcher.Errors {
					slog.Debug("state watcher error", "error", err)
				}
			}()
		}
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
