package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/iap-tunnel/internal/config"
	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// Field indices for the preferences form.
const (
	fieldDBPrivateIP = iota
	fieldBastionInstance
	fieldBastionZone
	fieldLocalPort
	fieldRemotePort
	fieldGcloudPath
	fieldCount
)

// prefsForm edits the raw tunnel preferences in place.
type prefsForm struct {
	fields   []textinput.Model
	focusIdx int
	errMsg   string
}

func newPrefsForm(p model.Preferences) *prefsForm {
	placeholders := []string{
		"10.20.0.3 (required)",
		"bastion-vm (required)",
		"us-central1-a (required)",
		fmt.Sprintf("%d (default)", util.DefaultLocalPort),
		fmt.Sprintf("%d (default)", util.DefaultRemotePort),
		"auto-discover (optional)",
	}
	values := []string{p.DBPrivateIP, p.BastionInstance, p.BastionZone, p.LocalPort, p.RemotePort, p.GcloudPath}
	limits := []int{64, 128, 64, 5, 5, 256}

	f := &prefsForm{fields: make([]textinput.Model, fieldCount)}
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		ti.SetValue(values[i])
		f.fields[i] = ti
	}
	f.fields[0].Focus()
	return f
}

// update processes a key message and returns the edited preferences once
// the user submits a valid form.
func (f *prefsForm) update(msg tea.KeyMsg) (*model.Preferences, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "enter":
		p, err := f.preferences()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &p, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

// preferences validates the form. The stored values stay raw strings; only
// an entered port must already be usable so a typo is caught here instead of
// silently falling back to the default.
func (f *prefsForm) preferences() (model.Preferences, error) {
	value := func(i int) string { return strings.TrimSpace(f.fields[i].Value()) }
	p := model.Preferences{
		DBPrivateIP:     value(fieldDBPrivateIP),
		BastionInstance: value(fieldBastionInstance),
		BastionZone:     value(fieldBastionZone),
		LocalPort:       value(fieldLocalPort),
		RemotePort:      value(fieldRemotePort),
		GcloudPath:      value(fieldGcloudPath),
	}
	if p.DBPrivateIP == "" {
		return p, fmt.Errorf("DB private IP is required")
	}
	if p.BastionInstance == "" {
		return p, fmt.Errorf("bastion instance is required")
	}
	if p.BastionZone == "" {
		return p, fmt.Errorf("bastion zone is required")
	}
	for _, port := range []struct{ name, raw string }{{"local port", p.LocalPort}, {"remote port", p.RemotePort}} {
		if port.raw == "" {
			continue
		}
		if !config.ValidPort(port.raw) {
			return p, fmt.Errorf("%s must be 1-65535", port.name)
		}
	}
	return p, nil
}

func (f *prefsForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	labels := []string{"DB private IP:", "Bastion:", "Zone:", "Local port:", "Remote port:", "gcloud path:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-15s %s\n", cursor, label, f.fields[i].View()))
	}

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Enter save | Esc cancel")
	return renderPanel("Preferences", b.String(), width, lipgloss.Color("214"))
}
