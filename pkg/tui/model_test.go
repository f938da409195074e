package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
)

type fakeSource struct {
	snap     *relay.Snapshot
	err      error
	commands []model.Command
}

func (f *fakeSource) RelayState(context.Context) (*relay.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeSource) SendCommand(_ context.Context, action string, value *int) (*model.Command, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := model.Command{Action: action, Value: value}
	f.commands = append(f.commands, c)
	return &c, nil
}

func sampleSnapshot() *relay.Snapshot {
	now := time.Now()
	return &relay.Snapshot{
		Device:     "device1",
		Connection: model.ConnConnected,
		Telemetry:  model.Telemetry{Temperature: 24.5, Humidity: 51, State: "NORMAL", LED: 1, UpdatedAt: now},
		History: []model.HistoryEntry{
			{Time: now.Add(-time.Second), Temp: 24.0, Hum: 50, State: "NORMAL"},
			{Time: now, Temp: 24.5, Hum: 51, State: "NORMAL"},
		},
		OtaLogs: []model.OtaLogLine{{Time: now, Line: "OTA: download 50%", Tag: relay.TagProgress}},
	}
}

func press(m tea.Model, key string) (tea.Model, tea.Cmd) {
	return m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
}

func TestFetchAndRender(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}
	var m tea.Model = New(src, "http://localhost:3001")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})

	msg := fetchState(src)()
	if _, ok := msg.(stateMsg); !ok {
		t.Fatalf("expected stateMsg, got %T", msg)
	}
	m, _ = m.Update(msg)

	view := m.View()
	for _, want := range []string{"device1", "connected", "24.5", "History", "OTA: download 50%", "http://localhost:3001"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestToggleCommands(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}
	var m tea.Model = New(src, "")
	m, _ = m.Update(stateMsg{src.snap})

	// LED is on, so the toggle turns it off.
	_, cmd := press(m, "l")
	if cmd == nil {
		t.Fatal("expected a command for l")
	}
	msg := cmd()
	m, _ = m.Update(msg)

	_, cmd = press(m, "e")
	cmd()
	_, cmd = press(m, "a")
	cmd()

	if len(src.commands) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(src.commands))
	}
	if c := src.commands[0]; c.Action != "led" || c.Value == nil || *c.Value != 0 {
		t.Fatalf("led toggle = %+v", c)
	}
	if c := src.commands[1]; c.Action != "relay" || c.Value == nil || *c.Value != 1 {
		t.Fatalf("relay toggle = %+v", c)
	}
	if c := src.commands[2]; c.Action != "auto" || c.Value != nil {
		t.Fatalf("auto = %+v", c)
	}
	if got := m.(Model).notice; got != "sent led=0" {
		t.Fatalf("notice = %q", got)
	}
}

func TestErrorShownInStatus(t *testing.T) {
	src := &fakeSource{err: errors.New("device channel not connected")}
	var m tea.Model = New(src, "")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m, _ = m.Update(fetchState(src)())
	if !strings.Contains(m.View(), "device channel not connected") {
		t.Fatal("error not rendered")
	}
}

func TestQuit(t *testing.T) {
	_, cmd := press(New(&fakeSource{}, ""), "q")
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not quit")
	}
}

func TestClipLines(t *testing.T) {
	if got := clipLines("a\nb\nc", 2); got != "a\nb" {
		t.Fatalf("clipLines = %q", got)
	}
	if got := clipLines("a", 3); got != "a" {
		t.Fatalf("clipLines = %q", got)
	}
}
