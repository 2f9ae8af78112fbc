package ui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SelectPrevMessage key.Binding
	SelectNextMessage key.Binding
	UnfocusMessage    key.Binding
	FocusMessage      key.Binding
	SubmitMessage     key.Binding
	CancelTurn        key.Binding
	DismissError      key.Binding
	SaveToFile        key.Binding

	Help key.Binding
	Quit key.Binding
}

var DefaultKeyMap = KeyMap{
	SelectPrevMessage: key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous message")),
	SelectNextMessage: key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next message")),
	UnfocusMessage:    key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "browse messages")),
	FocusMessage:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "write")),
	SubmitMessage:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "send")),
	CancelTurn:        key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
	DismissError:      key.NewBinding(key.WithKeys("esc", "enter"), key.WithHelp("esc", "dismiss")),
	SaveToFile:        key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "save history")),
	Help:              key.NewBinding(key.WithKeys("ctrl+h"), key.WithHelp("ctrl+h", "help")),
	Quit:              key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.SubmitMessage, k.UnfocusMessage, k.CancelTurn, k.DismissError, k.Help, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.SubmitMessage, k.FocusMessage, k.UnfocusMessage},
		{k.SelectPrevMessage, k.SelectNextMessage},
		{k.CancelTurn, k.DismissError, k.SaveToFile},
		{k.Help, k.Quit},
	}
}
