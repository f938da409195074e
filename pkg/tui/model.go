// Package tui provides the interactive terminal dashboard for a relayed
// device. It is built on the bubbletea/lipgloss stack and polls the relay
// state every 2 seconds.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	// altRowStyle is used for even-numbered table rows.
	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)

	connStyles = map[string]lipgloss.Style{
		model.ConnConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		model.ConnConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		model.ConnDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Bold(true),
		model.ConnError:        lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}

	tagStyles = map[string]lipgloss.Style{
		relay.TagSuccess:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		relay.TagError:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		relay.TagWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		relay.TagReboot:   lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		relay.TagProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
)

// Source is the subset of the API client the dashboard needs.
type Source interface {
	RelayState(ctx context.Context) (*relay.Snapshot, error)
	SendCommand(ctx context.Context, action string, value *int) (*model.Command, error)
}

type tickMsg time.Time

type stateMsg struct{ snap *relay.Snapshot }

type commandMsg struct{ cmd *model.Command }

type errMsg struct{ err error }

const (
	refreshInterval = 2 * time.Second
	requestTimeout  = 5 * time.Second
)

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	keys      KeyMap
	help      help.Model
	src       Source
	serverURL string
	snap      *relay.Snapshot
	width     int
	height    int
	err       error
	notice    string
	loading   bool
	lastFetch time.Time
}

// New returns a Model that reads from src. serverURL is only displayed.
func New(src Source, serverURL string) Model {
	return Model{
		keys:      DefaultKeyMap,
		help:      help.New(),
		src:       src,
		serverURL: serverURL,
		loading:   true,
	}
}

// Init starts the periodic tick and issues the first fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), fetchState(m.src))
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update processes messages and returns an updated model plus any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			m.loading = true
			m.err = nil
			return m, fetchState(m.src)
		case key.Matches(msg, m.keys.LED):
			return m, sendCommand(m.src, "led", toggled(m.led()))
		case key.Matches(msg, m.keys.Relay):
			return m, sendCommand(m.src, "relay", toggled(m.relayOut()))
		case key.Matches(msg, m.keys.Auto):
			return m, sendCommand(m.src, "auto", nil)
		case key.Matches(msg, m.keys.Test):
			return m, sendCommand(m.src, "test_sequence", nil)
		}
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(tick(), fetchState(m.src))

	case stateMsg:
		m.loading = false
		m.err = nil
		m.snap = msg.snap
		m.lastFetch = time.Now()
		return m, nil

	case commandMsg:
		m.err = nil
		m.notice = "sent " + describeCommand(msg.cmd)
		return m, fetchState(m.src)

	case errMsg:
		m.loading = false
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m Model) led() int {
	if m.snap == nil {
		return 0
	}
	return m.snap.Telemetry.LED
}

func (m Model) relayOut() int {
	if m.snap == nil {
		return 0
	}
	return m.snap.Telemetry.Relay
}

func toggled(cur int) *int {
	v := 1
	if cur == 1 {
		v = 0
	}
	return &v
}

func describeCommand(c *model.Command) string {
	if c.Value == nil {
		return c.Action
	}
	return fmt.Sprintf("%s=%d", c.Action, *c.Value)
}

// View renders the entire dashboard to a string.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}

	var sb strings.Builder
	device, conn := "-", model.ConnDisconnected
	if m.snap != nil {
		device, conn = m.snap.Device, m.snap.Connection
	}
	sb.WriteString(titleStyle.Render(fmt.Sprintf("  Device %s  ", device)))
	sb.WriteString("  ")
	sb.WriteString(connStyle(conn).Render(conn))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	contentHeight := m.height - 5 // title(1) + divider(1) + status(2) + margin(1)
	if contentHeight < 1 {
		contentHeight = 1
	}
	sb.WriteString(clipLines(m.renderContent(), contentHeight))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func connStyle(conn string) lipgloss.Style {
	if s, ok := connStyles[conn]; ok {
		return s
	}
	return dimStyle
}

func (m Model) renderContent() string {
	if m.snap == nil {
		return dimStyle.Render("  waiting for relay state")
	}
	var sb strings.Builder
	sb.WriteString(renderTelemetry(m.snap.Telemetry))
	sb.WriteString("\n\n")
	sb.WriteString(sectionStyle.Render("History"))
	sb.WriteString("\n")
	sb.WriteString(renderHistory(m.snap.History))
	sb.WriteString("\n\n")
	sb.WriteString(sectionStyle.Render("OTA log"))
	sb.WriteString("\n")
	sb.WriteString(renderOtaLogs(m.snap.OtaLogs, 10))
	return sb.String()
}

func renderTelemetry(t model.Telemetry) string {
	onOff := func(v int) string {
		if v == 1 {
			return "ON"
		}
		return "OFF"
	}
	mode := "auto"
	if t.Manual {
		mode = "manual"
	}
	lines := []string{
		fmt.Sprintf("  temperature  %5.1f °C    humidity  %5.1f %%", t.Temperature, t.Humidity),
		fmt.Sprintf("  vibrations   %5d       vibrating %v", t.Vibrations, t.Vibrating),
		fmt.Sprintf("  state        %-10s  mode      %s", t.State, mode),
		fmt.Sprintf("  led          %-10s  relay     %s", onOff(t.LED), onOff(t.Relay)),
	}
	if !t.UpdatedAt.IsZero() {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("  %s · updated %s", t.Sensor, t.UpdatedAt.Local().Format("15:04:05"))))
	}
	return strings.Join(lines, "\n")
}

func renderHistory(entries []model.HistoryEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("  no samples yet")
	}
	headers := []string{"TIME", "TEMP", "HUM", "STATE"}
	widths := []int{10, 7, 7, 12}
	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(headerCellStyle.Width(widths[i]).Render(h))
	}
	// Newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		style := rowStyle
		if (len(entries)-1-i)%2 == 1 {
			style = altRowStyle
		}
		cells := []string{
			e.Time.Local().Format("15:04:05"),
			fmt.Sprintf("%.1f", e.Temp),
			fmt.Sprintf("%.1f", e.Hum),
			e.State,
		}
		sb.WriteString("\n")
		for j, c := range cells {
			sb.WriteString(style.Width(widths[j]).Render(c))
		}
	}
	return sb.String()
}

func renderOtaLogs(lines []model.OtaLogLine, max int) string {
	if len(lines) == 0 {
		return dimStyle.Render("  no OTA activity")
	}
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		style, ok := tagStyles[l.Tag]
		if !ok {
			style = rowStyle
		}
		out = append(out, fmt.Sprintf("  %s %s", dimStyle.Render(l.Time.Local().Format("15:04:05")), style.Render(l.Line)))
	}
	return strings.Join(out, "\n")
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}
	parts := []string{fmt.Sprintf("server: %s", m.serverURL)}
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.notice != "" {
		parts = append(parts, m.notice)
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	return statusBarStyle.Render(strings.Join(parts, "  |  ")) + "\n " + m.help.View(m.keys)
}

// clipLines limits s to at most maxLines newline-delimited lines.
func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}

func fetchState(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := src.RelayState(ctx)
		if err != nil {
			return errMsg{err}
		}
		return stateMsg{snap}
	}
}

func sendCommand(src Source, action string, value *int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		cmd, err := src.SendCommand(ctx, action, value)
		if err != nil {
			return errMsg{err}
		}
		return commandMsg{cmd}
	}
}
