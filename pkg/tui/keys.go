package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap lists the dashboard key bindings.
type KeyMap struct {
	LED     key.Binding
	Relay   key.Binding
	Auto    key.Binding
	Test    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func (km KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{km.LED, km.Relay, km.Auto, km.Test, km.Refresh, km.Quit}
}

func (km KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{km.LED, km.Relay, km.Auto, km.Test}, {km.Refresh, km.Quit}}
}

var _ help.KeyMap = KeyMap{}

var DefaultKeyMap = KeyMap{
	LED: key.NewBinding(
		key.WithKeys("l"),
		key.WithHelp("l", "led"),
	),
	Relay: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "relay"),
	),
	Auto: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "auto"),
	),
	Test: key.NewBinding(
		key.WithKeys("t"),
		key.WithHelp("t", "test"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
