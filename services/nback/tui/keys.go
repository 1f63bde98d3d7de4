// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap lists the trainer's key bindings.
type KeyMap struct {
	Position key.Binding
	Sound    key.Binding
	Toggle   key.Binding
	Reset    key.Binding
	Up       key.Binding
	Down     key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Position: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "position match"),
		),
		Sound: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "sound match"),
		),
		Toggle: key.NewBinding(
			key.WithKeys(" "),
			key.WithHelp("space", "start/stop"),
		),
		Reset: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reset block"),
		),
		Up: key.NewBinding(
			key.WithKeys("+", "="),
			key.WithHelp("+", "raise N"),
		),
		Down: key.NewBinding(
			key.WithKeys("-", "_"),
			key.WithHelp("-", "lower N"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Position, k.Sound, k.Toggle, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Position, k.Sound},
		{k.Toggle, k.Reset},
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}
